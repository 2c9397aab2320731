package ocpp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type MessageType int

const (
	MessageCall       MessageType = 2
	MessageCallResult MessageType = 3
	MessageCallError  MessageType = 4
)

type ErrorCode string

const (
	ErrorNotImplemented                ErrorCode = "NotImplemented"
	ErrorNotSupported                  ErrorCode = "NotSupported"
	ErrorInternal                      ErrorCode = "InternalError"
	ErrorProtocol                      ErrorCode = "ProtocolError"
	ErrorSecurity                      ErrorCode = "SecurityError"
	ErrorFormationViolation            ErrorCode = "FormationViolation"
	ErrorFormatViolation               ErrorCode = "FormatViolation"
	ErrorPropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	ErrorOccurrenceConstraintViolation ErrorCode = "OccurrenceConstraintViolation"
	ErrorTypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	ErrorGeneric                       ErrorCode = "GenericError"
)

// CallError is both the payload of a CALLERROR frame and the error a handler
// returns to have one sent.
type CallError struct {
	Code        ErrorCode
	Description string
	Details     any
}

func NewCallError(code ErrorCode, format string, args ...any) *CallError {
	return &CallError{Code: code, Description: fmt.Sprintf(format, args...)}
}

func (e *CallError) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Description
}

// Frame is one decoded OCPP-J message.
type Frame struct {
	Type     MessageType
	UniqueID string

	// Call only.
	Action string

	// Call and CallResult.
	Payload json.RawMessage

	// CallError only.
	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// ParseError describes a frame that could not be decoded. UniqueID is set
// when it could still be recovered so the peer can be answered.
type ParseError struct {
	UniqueID string
	Reason   string
}

func (e *ParseError) Error() string { return "malformed frame: " + e.Reason }

func ParseFrame(data []byte) (*Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, &ParseError{Reason: "not a JSON array"}
	}
	if len(parts) < 3 {
		return nil, &ParseError{Reason: fmt.Sprintf("expected at least 3 elements, got %d", len(parts))}
	}

	var typ int
	if err := json.Unmarshal(parts[0], &typ); err != nil {
		return nil, &ParseError{Reason: "message type is not a number"}
	}
	var id string
	if err := json.Unmarshal(parts[1], &id); err != nil || id == "" {
		return nil, &ParseError{Reason: "unique id is not a string"}
	}

	f := &Frame{Type: MessageType(typ), UniqueID: id}
	switch f.Type {
	case MessageCall:
		if len(parts) != 4 {
			return nil, &ParseError{UniqueID: id, Reason: "call must have 4 elements"}
		}
		if err := json.Unmarshal(parts[2], &f.Action); err != nil || f.Action == "" {
			return nil, &ParseError{UniqueID: id, Reason: "action is not a string"}
		}
		f.Payload = parts[3]
		if !isObject(f.Payload) {
			return nil, &ParseError{UniqueID: id, Reason: "payload is not an object"}
		}
	case MessageCallResult:
		if len(parts) != 3 {
			return nil, &ParseError{UniqueID: id, Reason: "call result must have 3 elements"}
		}
		f.Payload = parts[2]
	case MessageCallError:
		var code string
		if err := json.Unmarshal(parts[2], &code); err != nil {
			return nil, &ParseError{UniqueID: id, Reason: "error code is not a string"}
		}
		f.ErrorCode = ErrorCode(code)
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &f.ErrorDescription)
		}
		if len(parts) > 4 {
			f.ErrorDetails = parts[4]
		}
	default:
		return nil, &ParseError{UniqueID: id, Reason: fmt.Sprintf("unknown message type %d", typ)}
	}
	return f, nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func EncodeCall(id, action string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal([]any{MessageCall, id, action, payload})
}

func EncodeCallResult(id string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal([]any{MessageCallResult, id, payload})
}

func EncodeCallError(id string, e *CallError) ([]byte, error) {
	details := e.Details
	if details == nil {
		details = struct{}{}
	}
	return json.Marshal([]any{MessageCallError, id, e.Code, e.Description, details})
}
