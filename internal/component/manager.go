package component

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/weavekit/weave-core/auth"
	"github.com/weavekit/weave-core/provider"
)

// maxStateChangeQueueSize bounds the per-component journal.
const maxStateChangeQueueSize = 100

// ComponentStateChange is one journal entry: the properties that changed
// on a component at a point in time.
type ComponentStateChange struct {
	Timestamp         time.Time
	Component         string
	ChangedProperties map[string]any
}

type journalEntry struct {
	timestamp time.Time
	seq       uint64
	props     map[string]any
}

// Manager owns the trait registry, the component tree, the command queue
// and the state-change journal.
type Manager struct {
	mu     sync.Mutex
	clock  provider.Clock
	traits map[string]map[string]any
	root   *Component
	queue  *Queue

	nextCommandID uint64
	lastUpdateID  uint64
	changeSeq     uint64
	journals      map[string]*[]journalEntry

	traitCallbacks       []func()
	treeCallbacks        []func()
	stateCallbacks       []func()
	serverStateCallbacks []func(uint64)
}

// NewManager creates an empty manager scheduling on runner.
func NewManager(runner provider.TaskRunner) *Manager {
	return &Manager{
		clock:    runner.Clock(),
		traits:   make(map[string]map[string]any),
		root:     newComponent(nil),
		queue:    NewQueue(runner),
		journals: make(map[string]*[]journalEntry),
	}
}

// LoadTraitsJSON parses and merges trait definitions from a JSON object.
func (m *Manager) LoadTraitsJSON(data string) error {
	dict, err := parseJSONObject(data)
	if err != nil {
		return err
	}
	return m.LoadTraits(dict)
}

// LoadTraits merges trait definitions. Redefining an existing trait with
// an identical body is a no-op; a differing body fails the load at that
// trait. Names merged before the failure remain merged.
func (m *Manager) LoadTraits(dict map[string]any) error {
	m.mu.Lock()
	modified := false
	var loadErr error
	for _, name := range sortedKeys(dict) {
		body, ok := dict[name].(map[string]any)
		if !ok {
			loadErr = fmt.Errorf("%w: trait %q must be an object", ErrTypeMismatch, name)
			break
		}
		if existing, defined := m.traits[name]; defined {
			if !reflect.DeepEqual(existing, body) {
				loadErr = fmt.Errorf("%w: trait %q cannot be redefined", ErrTypeMismatch, name)
				break
			}
			continue
		}
		m.traits[name] = copyValue(body).(map[string]any)
		modified = true
	}
	var callbacks []func()
	if modified {
		callbacks = append([]func(){}, m.traitCallbacks...)
	}
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
	return loadErr
}

// GetTraits returns a deep copy of the trait registry.
func (m *Manager) GetTraits() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.traits))
	for name, body := range m.traits {
		out[name] = copyValue(body)
	}
	return out
}

// AddTraitDefChangedCallback registers a trait registry observer. It fires
// immediately so the observer can read the current registry.
func (m *Manager) AddTraitDefChangedCallback(callback func()) {
	m.mu.Lock()
	m.traitCallbacks = append(m.traitCallbacks, callback)
	m.mu.Unlock()
	callback()
}

// AddComponent adds a named child under the component at path ("" for the
// root). Every trait must already be defined, and the name must be unique
// among the parent's children.
func (m *Manager) AddComponent(path, name string, traits []string) error {
	m.mu.Lock()
	parent, err := m.findMutableLocked(path)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if parent.findChild(name) != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: component %q already exists at path %q", ErrInvalidState, name, path)
	}
	if err := m.checkTraitsLocked(traits); err != nil {
		m.mu.Unlock()
		return err
	}
	parent.children = append(parent.children, &childEntry{name: name, single: newComponent(traits)})
	callbacks := append([]func(){}, m.treeCallbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
	return nil
}

// AddComponentArrayItem appends a component to the named array child under
// path, creating the array on first use.
func (m *Manager) AddComponentArrayItem(path, name string, traits []string) error {
	m.mu.Lock()
	parent, err := m.findMutableLocked(path)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.checkTraitsLocked(traits); err != nil {
		m.mu.Unlock()
		return err
	}
	entry := parent.findChild(name)
	switch {
	case entry == nil:
		entry = &childEntry{name: name}
		parent.children = append(parent.children, entry)
	case entry.single != nil:
		m.mu.Unlock()
		return fmt.Errorf("%w: component %q at path %q is not an array", ErrTypeMismatch, name, path)
	}
	entry.array = append(entry.array, newComponent(traits))
	callbacks := append([]func(){}, m.treeCallbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
	return nil
}

// RemoveComponent removes the named child under path.
func (m *Manager) RemoveComponent(path, name string) error {
	m.mu.Lock()
	parent, err := m.findMutableLocked(path)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !parent.removeChild(name) {
		m.mu.Unlock()
		return fmt.Errorf("%w: component %q does not exist at path %q", ErrInvalidState, name, path)
	}
	callbacks := append([]func(){}, m.treeCallbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
	return nil
}

// RemoveComponentArrayItem removes element index of the named array child
// under path.
func (m *Manager) RemoveComponentArrayItem(path, name string, index int) error {
	m.mu.Lock()
	parent, err := m.findMutableLocked(path)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	entry := parent.findChild(name)
	if entry == nil || entry.single != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: there is no component array named %q at path %q",
			ErrInvalidState, name, path)
	}
	if index < 0 || index >= len(entry.array) {
		m.mu.Unlock()
		return fmt.Errorf("%w: component array %q at path %q does not have an element %d",
			ErrInvalidState, name, path, index)
	}
	entry.array = append(entry.array[:index], entry.array[index+1:]...)
	callbacks := append([]func(){}, m.treeCallbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
	return nil
}

// AddComponentTreeChangedCallback registers a tree observer. It fires
// immediately so the observer can read the current tree.
func (m *Manager) AddComponentTreeChangedCallback(callback func()) {
	m.mu.Lock()
	m.treeCallbacks = append(m.treeCallbacks, callback)
	m.mu.Unlock()
	callback()
}

// FindComponent resolves a dotted path with optional [i] segments.
func (m *Manager) FindComponent(path string) (*Component, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return findComponentAt(m.root, path)
}

func (m *Manager) findMutableLocked(path string) (*Component, error) {
	if path == "" {
		return m.root, nil
	}
	return findComponentAt(m.root, path)
}

func (m *Manager) checkTraitsLocked(traits []string) error {
	for _, trait := range traits {
		if _, ok := m.traits[trait]; !ok {
			return fmt.Errorf("%w: trait %q is undefined", ErrInvalidPropValue, trait)
		}
	}
	return nil
}

// GetComponents returns a deep copy of the whole component tree as a
// JSON-shaped map of top-level components.
func (m *Manager) GetComponents() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree := m.root.toMap()
	children, _ := tree["components"].(map[string]any)
	if children == nil {
		children = map[string]any{}
	}
	return children
}

// FindCommandDefinition looks up the schema of "trait.command", or nil.
func (m *Manager) FindCommandDefinition(commandName string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	def := m.findDefinitionLocked(commandName, "commands")
	if def == nil {
		return nil
	}
	return copyValue(def).(map[string]any)
}

// FindStateDefinition looks up the schema of "trait.property", or nil.
func (m *Manager) FindStateDefinition(propertyName string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	def := m.findDefinitionLocked(propertyName, "state")
	if def == nil {
		return nil
	}
	return copyValue(def).(map[string]any)
}

func (m *Manager) findDefinitionLocked(name, section string) map[string]any {
	trait, item, ok := strings.Cut(name, ".")
	if !ok || trait == "" || item == "" || strings.Contains(item, ".") {
		return nil
	}
	body, ok := m.traits[trait]
	if !ok {
		return nil
	}
	sectionDict, ok := body[section].(map[string]any)
	if !ok {
		return nil
	}
	def, ok := sectionDict[item].(map[string]any)
	if !ok {
		return nil
	}
	return def
}

// GetCommandMinimalRole returns the role required to invoke the command,
// defaulting to user when the definition does not name one.
func (m *Manager) GetCommandMinimalRole(commandName string) (auth.Role, error) {
	m.mu.Lock()
	def := m.findDefinitionLocked(commandName, "commands")
	m.mu.Unlock()
	if def == nil {
		return auth.RoleNone, fmt.Errorf("%w: command definition for %q not found",
			ErrInvalidCommandName, commandName)
	}
	return minimalRoleOf(def)
}

// GetStateMinimalRole returns the role required to read the state
// property, defaulting to user when the definition does not name one.
func (m *Manager) GetStateMinimalRole(propertyName string) (auth.Role, error) {
	m.mu.Lock()
	def := m.findDefinitionLocked(propertyName, "state")
	m.mu.Unlock()
	if def == nil {
		return auth.RoleNone, fmt.Errorf("%w: state definition for %q not found",
			ErrInvalidState, propertyName)
	}
	return minimalRoleOf(def)
}

func minimalRoleOf(def map[string]any) (auth.Role, error) {
	value, ok := def["minimalRole"]
	if !ok {
		return auth.RoleUser, nil
	}
	name, ok := value.(string)
	if !ok {
		return auth.RoleNone, fmt.Errorf("%w: minimalRole must be a string", ErrTypeMismatch)
	}
	role, err := auth.ParseRole(name)
	if err != nil {
		return auth.RoleNone, fmt.Errorf("%w: %v", ErrInvalidPropValue, err)
	}
	return role, nil
}

// ParseCommandInstance validates a command payload, checks the caller's
// role, routes the command to a component and allocates an id when the
// payload carries none. The returned id is valid even when parsing fails
// past the id field, so cloud commands can still be aborted by id.
func (m *Manager) ParseCommandInstance(value map[string]any, origin Origin,
	role auth.Role) (*Command, string, error) {
	cmd, id, err := commandFromJSON(value, origin)
	if err != nil {
		return nil, id, err
	}

	// Routing comes first: a command for a trait no component declares is
	// unrouted, whether or not the trait itself is known.
	trait, _, _ := strings.Cut(cmd.Name(), ".")
	m.mu.Lock()
	componentPath := cmd.Component()
	if componentPath == "" {
		componentPath = m.findComponentWithTraitLocked(trait)
		if componentPath == "" {
			m.mu.Unlock()
			return nil, id, fmt.Errorf("%w: no component supporting trait %q for command %q",
				ErrUnroutedCommand, trait, cmd.Name())
		}
		cmd.setComponent(componentPath)
	}
	target, err := findComponentAt(m.root, componentPath)
	if err != nil {
		m.mu.Unlock()
		return nil, id, err
	}
	if !target.HasTrait(trait) {
		m.mu.Unlock()
		return nil, id, fmt.Errorf("%w: component %q doesn't support trait %q",
			ErrTraitNotSupported, componentPath, trait)
	}
	m.mu.Unlock()

	minimalRole, err := m.GetCommandMinimalRole(cmd.Name())
	if err != nil {
		return nil, id, err
	}
	if role < minimalRole {
		return nil, id, fmt.Errorf("%w: user role %q less than minimal %q",
			ErrAccessDenied, role, minimalRole)
	}

	m.mu.Lock()
	if id == "" {
		m.nextCommandID++
		id = strconv.FormatUint(m.nextCommandID, 10)
		cmd.SetID(id)
	}
	m.mu.Unlock()
	return cmd, id, nil
}

func commandFromJSON(value map[string]any, origin Origin) (*Command, string, error) {
	if value == nil {
		return nil, "", fmt.Errorf("%w: command instance is not a JSON object", ErrObjectExpected)
	}
	id, _ := value["id"].(string)
	name, ok := value["name"].(string)
	if !ok || name == "" {
		return nil, id, fmt.Errorf("%w: command name is missing", ErrPropertyMissing)
	}
	var parameters map[string]any
	if raw, present := value["parameters"]; present {
		parameters, ok = raw.(map[string]any)
		if !ok {
			return nil, id, fmt.Errorf("%w: property \"parameters\" must be a JSON object",
				ErrObjectExpected)
		}
	}
	cmd := newCommand(name, origin, parameters)
	if component, _ := value["component"].(string); component != "" {
		cmd.setComponent(component)
	}
	if id != "" {
		cmd.SetID(id)
	}
	return cmd, id, nil
}

// ParseCommandInstanceJSON is ParseCommandInstance over a raw JSON
// payload.
func (m *Manager) ParseCommandInstanceJSON(data string, origin Origin,
	role auth.Role) (*Command, string, error) {
	dict, err := parseJSONObject(data)
	if err != nil {
		return nil, "", err
	}
	return m.ParseCommandInstance(dict, origin, role)
}

func (m *Manager) findComponentWithTraitLocked(trait string) string {
	// Insertion order of top-level components makes routing deterministic.
	for _, entry := range m.root.children {
		if entry.single != nil && entry.single.HasTrait(trait) {
			return entry.name
		}
	}
	return ""
}

// AddCommand appends a parsed command to the queue.
func (m *Manager) AddCommand(cmd *Command) {
	m.queue.Add(cmd)
}

// FindCommand returns the live command with the given id, or nil.
func (m *Manager) FindCommand(id string) *Command {
	return m.queue.Find(id)
}

// AddCommandAddedCallback registers a queue-added observer.
func (m *Manager) AddCommandAddedCallback(callback func(*Command)) {
	m.queue.AddCommandAddedCallback(callback)
}

// AddCommandRemovedCallback registers a queue-removed observer.
func (m *Manager) AddCommandRemovedCallback(callback func(*Command)) {
	m.queue.AddCommandRemovedCallback(callback)
}

// AddCommandHandler registers a handler for (component, commandName).
// Both empty installs the default handler for otherwise unclaimed
// commands; any other registration panics if the command is undefined.
func (m *Manager) AddCommandHandler(component, commandName string, handler Handler) {
	if component != "" || commandName != "" {
		if m.FindCommandDefinition(commandName) == nil {
			panic(fmt.Sprintf("component: command undefined: %q", commandName))
		}
	}
	m.queue.AddHandler(component, commandName, handler)
}

// SetStateProperties merges per-trait property maps into the component at
// path, records the change in the journal and bumps the update id.
func (m *Manager) SetStateProperties(path string, props map[string]any) error {
	m.mu.Lock()
	target, err := findComponentAt(m.root, path)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for trait, value := range props {
		if _, ok := value.(map[string]any); !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: state of trait %q must be a JSON object", ErrObjectExpected, trait)
		}
		if !target.HasTrait(trait) {
			m.mu.Unlock()
			return fmt.Errorf("%w: component %q does not declare trait %q",
				ErrInvalidState, path, trait)
		}
	}
	for trait, value := range props {
		traitState := target.state[trait]
		if traitState == nil {
			traitState = make(map[string]any)
			target.state[trait] = traitState
		}
		for prop, propValue := range value.(map[string]any) {
			traitState[prop] = copyValue(propValue)
		}
	}
	m.lastUpdateID++
	m.changeSeq++
	entries := m.journals[path]
	if entries == nil {
		entries = &[]journalEntry{}
		m.journals[path] = entries
	}
	if len(*entries) >= maxStateChangeQueueSize {
		*entries = (*entries)[1:]
	}
	*entries = append(*entries, journalEntry{
		timestamp: m.clock.Now(),
		seq:       m.changeSeq,
		props:     copyValue(props).(map[string]any),
	})
	callbacks := append([]func(){}, m.stateCallbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
	return nil
}

// SetStatePropertiesJSON is SetStateProperties over a raw JSON payload.
func (m *Manager) SetStatePropertiesJSON(path, data string) error {
	dict, err := parseJSONObject(data)
	if err != nil {
		return err
	}
	return m.SetStateProperties(path, dict)
}

// SetStateProperty sets a single "trait.property" value on the component
// at path.
func (m *Manager) SetStateProperty(path, name string, value any) error {
	trait, prop, err := splitPropertyName(name)
	if err != nil {
		return err
	}
	return m.SetStateProperties(path, map[string]any{trait: map[string]any{prop: value}})
}

// GetStateProperty reads a single "trait.property" value from the
// component at path.
func (m *Manager) GetStateProperty(path, name string) (any, error) {
	trait, prop, err := splitPropertyName(name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	target, err := findComponentAt(m.root, path)
	if err != nil {
		return nil, err
	}
	traitState, ok := target.state[trait]
	if !ok {
		return nil, fmt.Errorf("%w: state property %q not found in component %q",
			ErrPropertyMissing, name, path)
	}
	value, ok := traitState[prop]
	if !ok {
		return nil, fmt.Errorf("%w: state property %q not found in component %q",
			ErrPropertyMissing, name, path)
	}
	return copyValue(value), nil
}

func splitPropertyName(name string) (trait, prop string, err error) {
	trait, prop, _ = strings.Cut(name, ".")
	if trait == "" {
		return "", "", fmt.Errorf("%w: empty state package in %q", ErrPropertyMissing, name)
	}
	if prop == "" {
		return "", "", fmt.Errorf("%w: state property name not specified in %q",
			ErrPropertyMissing, name)
	}
	return trait, prop, nil
}

// AddStateChangedCallback registers a state observer. It fires immediately
// so the observer can read the current state.
func (m *Manager) AddStateChangedCallback(callback func()) {
	m.mu.Lock()
	m.stateCallbacks = append(m.stateCallbacks, callback)
	m.mu.Unlock()
	callback()
}

// GetComponentsForUserRole returns a deep copy of the tree with every
// state property whose minimal role exceeds role removed. Emptied state
// subtrees are pruned.
func (m *Manager) GetComponentsForUserRole(role auth.Role) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree := m.root.toMap()
	children, _ := tree["components"].(map[string]any)
	if children == nil {
		return map[string]any{}
	}
	for _, child := range children {
		m.filterInaccessibleLocked(child, role)
	}
	return children
}

func (m *Manager) filterInaccessibleLocked(node any, role auth.Role) {
	switch value := node.(type) {
	case []any:
		for _, item := range value {
			m.filterInaccessibleLocked(item, role)
		}
	case map[string]any:
		if state, ok := value["state"].(map[string]any); ok {
			for trait, props := range state {
				traitState, ok := props.(map[string]any)
				if !ok {
					continue
				}
				for prop := range traitState {
					def := m.findDefinitionLocked(trait+"."+prop, "state")
					if def == nil {
						continue
					}
					minimal, err := minimalRoleOf(def)
					if err == nil && minimal > role {
						delete(traitState, prop)
					}
				}
				if len(traitState) == 0 {
					delete(state, trait)
				}
			}
			if len(state) == 0 {
				delete(value, "state")
			}
		}
		if children, ok := value["components"].(map[string]any); ok {
			for _, child := range children {
				m.filterInaccessibleLocked(child, role)
			}
		}
	}
}

// StateSnapshot is the drained journal plus the update id it runs up to.
type StateSnapshot struct {
	UpdateID     uint64
	StateChanges []ComponentStateChange
}

// GetAndClearRecordedStateChanges drains the journal of every component,
// ordered by timestamp.
func (m *Manager) GetAndClearRecordedStateChanges() StateSnapshot {
	m.mu.Lock()
	snapshot := StateSnapshot{UpdateID: m.lastUpdateID}
	type flatEntry struct {
		journalEntry
		component string
	}
	var flat []flatEntry
	for component, entries := range m.journals {
		for _, entry := range *entries {
			flat = append(flat, flatEntry{journalEntry: entry, component: component})
		}
	}
	m.journals = make(map[string]*[]journalEntry)
	m.mu.Unlock()

	sort.Slice(flat, func(i, j int) bool {
		if !flat[i].timestamp.Equal(flat[j].timestamp) {
			return flat[i].timestamp.Before(flat[j].timestamp)
		}
		return flat[i].seq < flat[j].seq
	})
	for _, entry := range flat {
		snapshot.StateChanges = append(snapshot.StateChanges, ComponentStateChange{
			Timestamp:         entry.timestamp,
			Component:         entry.component,
			ChangedProperties: entry.props,
		})
	}
	return snapshot
}

// GetLastStateChangeID returns the id of the most recent state update.
func (m *Manager) GetLastStateChangeID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUpdateID
}

// NotifyStateUpdatedOnServer reports that the server has acknowledged all
// state changes up to id, fanning out to the registered watchers.
func (m *Manager) NotifyStateUpdatedOnServer(id uint64) {
	m.mu.Lock()
	callbacks := append([]func(uint64){}, m.serverStateCallbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(id)
	}
}

// AddServerStateUpdatedCallback registers a server-sync watcher. When no
// state changes are pending it fires immediately with the current update
// id.
func (m *Manager) AddServerStateUpdatedCallback(callback func(uint64)) {
	m.mu.Lock()
	m.serverStateCallbacks = append(m.serverStateCallbacks, callback)
	pending := len(m.journals) > 0
	id := m.lastUpdateID
	m.mu.Unlock()
	if !pending {
		callback(id)
	}
}

func parseJSONObject(data string) (map[string]any, error) {
	var value any
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	dict, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: JSON object expected", ErrObjectExpected)
	}
	return dict, nil
}

func sortedKeys(dict map[string]any) []string {
	keys := make([]string, 0, len(dict))
	for key := range dict {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
