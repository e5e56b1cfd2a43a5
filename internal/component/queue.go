package component

import (
	"fmt"
	"sync"
	"time"

	"github.com/weavekit/weave-core/provider"
)

// removeLinger is how long a command stays findable in the queue after
// reaching a terminal state, so observers can still read final results.
const removeLinger = time.Minute

// Handler processes a command dispatched by the queue. Handlers run on the
// task runner, never reentrantly from another handler.
type Handler func(cmd *Command)

type handlerEntry struct {
	component string // empty matches any component
	name      string
	handler   Handler
}

// Queue owns the live command instances, keyed by id. Terminal commands
// are removed after removeLinger.
type Queue struct {
	mu             sync.Mutex
	runner         provider.TaskRunner
	commands       map[string]*Command
	added          []func(*Command)
	removed        []func(*Command)
	handlers       []handlerEntry
	defaultHandler Handler
}

// NewQueue creates an empty queue scheduling on runner.
func NewQueue(runner provider.TaskRunner) *Queue {
	return &Queue{
		runner:   runner,
		commands: make(map[string]*Command),
	}
}

// Add inserts the command, fires added callbacks, and dispatches it to the
// first matching handler (or the default handler) on the task runner.
func (q *Queue) Add(cmd *Command) {
	q.mu.Lock()
	id := cmd.ID()
	if _, exists := q.commands[id]; exists {
		q.mu.Unlock()
		panic(fmt.Sprintf("component: duplicate command id %q", id))
	}
	q.commands[id] = cmd
	cmd.mu.Lock()
	cmd.queue = q
	cmd.mu.Unlock()
	added := append([]func(*Command){}, q.added...)
	handler := q.findHandlerLocked(cmd)
	q.mu.Unlock()

	for _, cb := range added {
		cb(cmd)
	}
	if handler != nil {
		q.runner.PostDelayedTask(func() { handler(cmd) }, 0)
	}
}

func (q *Queue) findHandlerLocked(cmd *Command) Handler {
	for _, entry := range q.handlers {
		if entry.name != cmd.Name() {
			continue
		}
		if entry.component == "" || entry.component == cmd.Component() {
			return entry.handler
		}
	}
	return q.defaultHandler
}

// Find returns the live command with the given id, or nil once it has been
// removed.
func (q *Queue) Find(id string) *Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.commands[id]
}

// DelayedRemove schedules removal of the command after the linger period.
// The removal is absolute: it cannot be extended.
func (q *Queue) DelayedRemove(id string) {
	q.runner.PostDelayedTask(func() { q.remove(id) }, removeLinger)
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	cmd, ok := q.commands[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.commands, id)
	removed := append([]func(*Command){}, q.removed...)
	q.mu.Unlock()

	for _, cb := range removed {
		cb(cmd)
	}
	cmd.notifyDestroyed()
}

// AddCommandAddedCallback registers an added observer and replays every
// command already in the queue.
func (q *Queue) AddCommandAddedCallback(callback func(*Command)) {
	q.mu.Lock()
	q.added = append(q.added, callback)
	existing := make([]*Command, 0, len(q.commands))
	for _, cmd := range q.commands {
		existing = append(existing, cmd)
	}
	q.mu.Unlock()
	for _, cmd := range existing {
		callback(cmd)
	}
}

// AddCommandRemovedCallback registers a removed observer.
func (q *Queue) AddCommandRemovedCallback(callback func(*Command)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, callback)
}

// AddHandler registers a handler for commands matching (component, name).
// An empty component matches any component. Registering with both filters
// empty installs the default handler, which receives every command no
// specific handler claims.
func (q *Queue) AddHandler(component, name string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if component == "" && name == "" {
		if q.defaultHandler != nil {
			panic("component: default command handler registered twice")
		}
		q.defaultHandler = handler
		return
	}
	for _, entry := range q.handlers {
		if entry.component == component && entry.name == name {
			panic(fmt.Sprintf("component: duplicate handler for (%q, %q)", component, name))
		}
	}
	q.handlers = append(q.handlers, handlerEntry{component: component, name: name, handler: handler})
}
