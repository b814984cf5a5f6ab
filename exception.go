package hostbridge

import (
	"errors"
)

// Exception is an error carrying an engine value, typically one thrown by
// engine code. When returned from an entry, the value is rethrown as-is,
// rather than converted via [Engine.NewError].
type Exception struct {
	// Value is the thrown value.
	Value *Handle

	// Message describes the value, for Error.
	Message string

	// Err is the underlying error, if any, e.g. the engine's own exception
	// type.
	Err error
}

// NewException wraps raw (a thrown engine value) as an error. It must be
// called within s, which must be current.
func NewException(s *Scope, raw RawValue, message string) *Exception {
	return &Exception{
		Value:   NewHandle(s, raw),
		Message: message,
	}
}

func (e *Exception) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "hostbridge: engine exception"
}

func (e *Exception) Unwrap() error {
	return e.Err
}

// errorValue converts err to an engine value, suitable to be thrown.
// Engine goroutine only.
func (i *Instance) errorValue(err error) (RawValue, error) {
	var exc *Exception
	if errors.As(err, &exc) && exc.Value != nil {
		if value, valueErr := exc.Value.RawValue(); valueErr == nil {
			return value, nil
		}
	}
	return i.engine.NewError(err)
}

// throw raises err as the engine's pending exception. Engine goroutine only.
func (i *Instance) throw(err error) {
	value, convErr := i.errorValue(err)
	if convErr != nil {
		i.logger.Err().
			Err(convErr).
			Str(`cause`, err.Error()).
			Log(`hostbridge: failed to convert error for the engine`)
		return
	}
	if throwErr := i.engine.Throw(value); throwErr != nil {
		i.logger.Err().
			Err(throwErr).
			Str(`cause`, err.Error()).
			Log(`hostbridge: failed to throw error`)
		return
	}
	i.logger.Debug().
		Err(err).
		Log(`hostbridge: error thrown into engine`)
}
