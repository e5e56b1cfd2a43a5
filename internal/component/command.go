package component

import (
	"fmt"
	"reflect"
	"sync"
)

// Origin records which surface submitted a command.
type Origin int

// Command origins.
const (
	OriginLocal Origin = iota
	OriginCloud
)

// String returns the wire name of the origin.
func (o Origin) String() string {
	if o == OriginCloud {
		return "cloud"
	}
	return "local"
}

// State is the lifecycle state of a command.
type State int

// Command lifecycle states. Done, Cancelled, Aborted and Expired are
// terminal.
const (
	StateQueued State = iota
	StateInProgress
	StatePaused
	StateError
	StateDone
	StateCancelled
	StateAborted
	StateExpired
)

var stateNames = map[State]string{
	StateQueued:     "queued",
	StateInProgress: "inProgress",
	StatePaused:     "paused",
	StateError:      "error",
	StateDone:       "done",
	StateCancelled:  "cancelled",
	StateAborted:    "aborted",
	StateExpired:    "expired",
}

// String returns the wire name of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateCancelled, StateAborted, StateExpired:
		return true
	default:
		return false
	}
}

// Observer receives command lifecycle notifications. All methods are
// invoked synchronously from the mutating call.
type Observer interface {
	OnStateChanged(cmd *Command)
	OnProgressChanged(cmd *Command)
	OnResultsChanged(cmd *Command)
	OnErrorChanged(cmd *Command)
	OnCommandDestroyed(cmd *Command)
}

// Command is a single typed invocation bound to a component. It owns the
// state machine described by State and is kept alive by the Queue; holders
// of a *Command must treat it as weak and tolerate operations failing
// after removal.
type Command struct {
	mu         sync.Mutex
	id         string
	name       string
	component  string
	origin     Origin
	parameters map[string]any
	progress   map[string]any
	results    map[string]any
	state      State
	cmdErr     error
	queue      *Queue
	observers  []Observer
}

func newCommand(name string, origin Origin, parameters map[string]any) *Command {
	if parameters == nil {
		parameters = map[string]any{}
	}
	return &Command{
		name:       name,
		origin:     origin,
		parameters: copyValue(parameters).(map[string]any),
		progress:   map[string]any{},
		results:    map[string]any{},
		state:      StateQueued,
	}
}

// ID returns the command id.
func (c *Command) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SetID assigns the command id. Only the manager assigns ids.
func (c *Command) SetID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// Name returns the full "trait.command" name.
func (c *Command) Name() string { return c.name }

// Origin returns which surface submitted the command.
func (c *Command) Origin() Origin { return c.origin }

// Component returns the dotted path of the component the command is
// routed to.
func (c *Command) Component() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.component
}

func (c *Command) setComponent(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.component = path
}

// State returns the current lifecycle state.
func (c *Command) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Parameters returns a deep copy of the command parameters.
func (c *Command) Parameters() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyValue(c.parameters).(map[string]any)
}

// Progress returns a deep copy of the reported progress.
func (c *Command) Progress() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyValue(c.progress).(map[string]any)
}

// Results returns a deep copy of the command results.
func (c *Command) Results() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyValue(c.results).(map[string]any)
}

// Error returns the command error, if any.
func (c *Command) Error() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmdErr
}

// AddObserver registers a lifecycle observer.
func (c *Command) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Command) snapshotObservers() []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Observer{}, c.observers...)
}

// SetProgress transitions the command to inProgress — even when the new
// progress equals the old, so repeated 0% updates still recover from the
// error state — and fires the progress observer only when the value
// actually changed.
func (c *Command) SetProgress(progress map[string]any) error {
	if err := c.setState(StateInProgress); err != nil {
		return err
	}
	c.mu.Lock()
	changed := !reflect.DeepEqual(c.progress, normalizeDict(progress))
	if changed {
		c.progress = copyValue(normalizeDict(progress)).(map[string]any)
	}
	c.mu.Unlock()
	if changed {
		for _, o := range c.snapshotObservers() {
			o.OnProgressChanged(c)
		}
	}
	return nil
}

// Complete writes the results, transitions to done, and schedules removal
// from the queue.
func (c *Command) Complete(results map[string]any) error {
	c.mu.Lock()
	changed := !reflect.DeepEqual(c.results, normalizeDict(results))
	if changed {
		c.results = copyValue(normalizeDict(results)).(map[string]any)
	}
	c.mu.Unlock()
	if changed {
		for _, o := range c.snapshotObservers() {
			o.OnResultsChanged(c)
		}
	}
	err := c.setState(StateDone)
	c.removeFromQueue()
	return err
}

// SetError records the failure and transitions to the recoverable error
// state; a later SetProgress resumes the command.
func (c *Command) SetError(cmdErr error) error {
	c.mu.Lock()
	c.cmdErr = cmdErr
	c.mu.Unlock()
	for _, o := range c.snapshotObservers() {
		o.OnErrorChanged(c)
	}
	return c.setState(StateError)
}

// Pause transitions the command to paused.
func (c *Command) Pause() error {
	return c.setState(StatePaused)
}

// Abort records the failure, transitions to the terminal aborted state and
// schedules removal from the queue.
func (c *Command) Abort(cmdErr error) error {
	c.mu.Lock()
	c.cmdErr = cmdErr
	c.mu.Unlock()
	for _, o := range c.snapshotObservers() {
		o.OnErrorChanged(c)
	}
	err := c.setState(StateAborted)
	c.removeFromQueue()
	return err
}

// Cancel transitions to the terminal cancelled state and schedules removal
// from the queue.
func (c *Command) Cancel() error {
	err := c.setState(StateCancelled)
	c.removeFromQueue()
	return err
}

func (c *Command) setState(to State) error {
	c.mu.Lock()
	if to == c.state {
		c.mu.Unlock()
		return nil
	}
	if to == StateQueued || c.state.Terminal() {
		from := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: state switch impossible: %q -> %q", ErrInvalidState, from, to)
	}
	c.state = to
	c.mu.Unlock()
	for _, o := range c.snapshotObservers() {
		o.OnStateChanged(c)
	}
	return nil
}

func (c *Command) removeFromQueue() {
	c.mu.Lock()
	queue := c.queue
	id := c.id
	c.mu.Unlock()
	if queue != nil {
		queue.DelayedRemove(id)
	}
}

func (c *Command) notifyDestroyed() {
	for _, o := range c.snapshotObservers() {
		o.OnCommandDestroyed(c)
	}
}

// ToJSON renders the command for the wire.
func (c *Command) ToJSON() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]any{
		"id":         c.id,
		"name":       c.name,
		"component":  c.component,
		"parameters": copyValue(c.parameters),
		"progress":   copyValue(c.progress),
		"results":    copyValue(c.results),
		"state":      c.state.String(),
	}
	if c.cmdErr != nil {
		out["error"] = map[string]any{
			"code":    errorCode(c.cmdErr),
			"message": c.cmdErr.Error(),
		}
	}
	return out
}

func normalizeDict(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}
