package datasource

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrConnection          = stderrors.New("connection error")
	ErrSchemaIntrospection = stderrors.New("schema introspection error")
	ErrQueryExecution      = stderrors.New("query execution error")
	ErrUnsupportedEngine   = stderrors.New("unsupported engine")
)

// Error carries the classification kind plus the engine-native cause.
type Error struct {
	Kind   error
	Engine EngineKind
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Engine, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Engine, e.Kind, e.Err)
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Native returns the engine's own message, without classification prefixes.
func (e *Error) Native() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return errors.Cause(e.Err).Error()
}

func ConnectionError(engine EngineKind, err error, msg string) error {
	return &Error{Kind: ErrConnection, Engine: engine, Err: errors.Wrap(err, msg)}
}

func SchemaError(engine EngineKind, err error, msg string) error {
	return &Error{Kind: ErrSchemaIntrospection, Engine: engine, Err: errors.Wrap(err, msg)}
}

func QueryError(engine EngineKind, err error) error {
	return &Error{Kind: ErrQueryExecution, Engine: engine, Err: err}
}

// NativeMessage unwraps a classified adapter error to the engine message;
// other errors are returned as-is.
func NativeMessage(err error) string {
	var de *Error
	if stderrors.As(err, &de) {
		return de.Native()
	}
	return err.Error()
}
