package conversion

import "fmt"

// ValidationError reports a malformed or incomplete inbound payload.
// No upstream call is made for a request that fails validation.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid request: %s: %v", msg, e.Err)
	}
	return "invalid request: " + msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// MalformedUpstreamResponse reports an upstream payload that does not have
// the expected shape, such as tool-call arguments that are not valid JSON.
type MalformedUpstreamResponse struct {
	Message string
	Err     error
}

func (e *MalformedUpstreamResponse) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed upstream response: %s: %v", e.Message, e.Err)
	}
	return "malformed upstream response: " + e.Message
}

func (e *MalformedUpstreamResponse) Unwrap() error { return e.Err }

// ProtocolViolation reports an impossible chunk sequence observed by the
// stream translator. The exchange must be aborted.
type ProtocolViolation struct {
	Message string
}

func (e *ProtocolViolation) Error() string {
	return "upstream stream protocol violation: " + e.Message
}

func validationErrorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func protocolViolationf(format string, args ...any) *ProtocolViolation {
	return &ProtocolViolation{Message: fmt.Sprintf(format, args...)}
}
