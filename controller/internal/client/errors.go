package client

import (
	"errors"
	"fmt"

	"github.com/amurg-ai/remotectl/pkg/protocol"
)

var (
	// ErrAuthentication means the hub refused our credentials. Retrying
	// with the same key cannot succeed.
	ErrAuthentication = errors.New("hub rejected the controller credentials")

	// ErrReconnectExhausted is returned by Run after max_reconnect_attempts
	// consecutive failures.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// errAlreadyConnected is retryable: the hub is usually still cleaning up
	// our previous connection.
	errAlreadyConnected = errors.New("another controller is connected to this project")
)

// AuthError carries the handshake_ack that refused us.
type AuthError struct {
	Status  string
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("handshake %s", e.Status)
	}
	return fmt.Sprintf("handshake %s: %s", e.Status, e.Message)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthentication }

// ExecutionError is a handler failure that has no typed result and is
// reported to the hub as an error message with Code.
type ExecutionError struct {
	Code string
	Err  error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }

func executionFailed(format string, args ...any) *ExecutionError {
	return &ExecutionError{Code: protocol.CodeExecutionFailed, Err: fmt.Errorf(format, args...)}
}

// wireError converts a handler or decode error into the error message sent
// back for the request.
func wireError(err error) protocol.ErrorMessage {
	if pe, ok := protocol.AsProtocolError(err); ok {
		msg := protocol.ErrorMessage{Code: protocol.CodeInvalidMessage, Message: pe.Error()}
		if pe.Kind == protocol.KindUnknownType {
			msg.Code = protocol.CodeUnknownCommand
		}
		if pe.Field != "" {
			msg.Details = map[string]any{"field": pe.Field}
		}
		return msg
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return protocol.ErrorMessage{Code: ee.Code, Message: ee.Error()}
	}
	return protocol.ErrorMessage{Code: protocol.CodeExecutionFailed, Message: err.Error()}
}
