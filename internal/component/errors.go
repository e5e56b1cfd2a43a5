package component

import "errors"

// Domain errors for the component package, checked with errors.Is.
var (
	// ErrInvalidJSON is returned when a payload is not parseable JSON.
	ErrInvalidJSON = errors.New("component: invalid json")

	// ErrObjectExpected is returned when a JSON value is not an object
	// where one is required.
	ErrObjectExpected = errors.New("component: object expected")

	// ErrPropertyMissing is returned when a required property or path
	// element is absent.
	ErrPropertyMissing = errors.New("component: property missing")

	// ErrInvalidPropValue is returned when a property value fails
	// validation.
	ErrInvalidPropValue = errors.New("component: invalid property value")

	// ErrTypeMismatch is returned when a value has the wrong shape, or a
	// trait is redefined with a different body.
	ErrTypeMismatch = errors.New("component: type mismatch")

	// ErrInvalidState is returned on illegal command state transitions
	// and invalid tree mutations.
	ErrInvalidState = errors.New("component: invalid state")

	// ErrCommandDestroyed is returned when operating on a command already
	// removed from the queue.
	ErrCommandDestroyed = errors.New("component: command destroyed")

	// ErrInvalidCommandName is returned when no trait defines the
	// requested command.
	ErrInvalidCommandName = errors.New("component: invalid command name")

	// ErrCommandFailed is returned when a handler reports failure.
	ErrCommandFailed = errors.New("component: command failed")

	// ErrAccessDenied is returned when the caller's role is below the
	// command's minimal role.
	ErrAccessDenied = errors.New("component: access denied")

	// ErrTraitNotSupported is returned when a command is addressed to a
	// component that does not declare its trait.
	ErrTraitNotSupported = errors.New("component: trait not supported")

	// ErrUnroutedCommand is returned when no component declares the
	// command's trait.
	ErrUnroutedCommand = errors.New("component: unrouted command")
)

// errorCode maps a command error to its wire code for command JSON.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidJSON):
		return "invalid_json"
	case errors.Is(err, ErrObjectExpected):
		return "object_expected"
	case errors.Is(err, ErrPropertyMissing):
		return "property_missing"
	case errors.Is(err, ErrInvalidPropValue):
		return "invalid_prop_value"
	case errors.Is(err, ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrCommandDestroyed):
		return "command_destroyed"
	case errors.Is(err, ErrInvalidCommandName):
		return "invalid_command_name"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrTraitNotSupported):
		return "trait_not_supported"
	case errors.Is(err, ErrUnroutedCommand):
		return "unrouted_command"
	default:
		return "command_failed"
	}
}
