package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope keys shared by every message.
const (
	keyType      = "type"
	keyRequestID = "request_id"
	keyTimestamp = "timestamp"
)

// ErrorKind classifies a ProtocolError.
type ErrorKind string

const (
	KindInvalidJSON  ErrorKind = "invalid_json"
	KindMissingField ErrorKind = "missing_field"
	KindInvalidField ErrorKind = "invalid_field"
	KindUnknownType  ErrorKind = "unknown_type"
)

// ProtocolError reports a malformed or unrecognised message. Type and
// RequestID are filled in whenever they could be read from the frame.
type ProtocolError struct {
	Kind      ErrorKind
	Field     string
	Type      string
	RequestID string
	Err       error
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case KindInvalidJSON:
		if e.Err != nil {
			return "protocol: invalid JSON: " + e.Err.Error()
		}
		return "protocol: invalid JSON"
	case KindMissingField:
		return fmt.Sprintf("protocol: missing required field %q", e.Field)
	case KindInvalidField:
		if e.Err != nil {
			return fmt.Sprintf("protocol: invalid field %q: %v", e.Field, e.Err)
		}
		return fmt.Sprintf("protocol: invalid field %q", e.Field)
	case KindUnknownType:
		return fmt.Sprintf("protocol: unknown message type %q", e.Type)
	}
	return "protocol: malformed message"
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AsProtocolError unwraps err into a *ProtocolError.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Message is a decoded frame. Fields holds everything except the envelope keys.
type Message struct {
	Type      Type
	RequestID string
	Timestamp time.Time
	Fields    map[string]json.RawMessage
}

// Payload re-encodes the type-specific fields as one JSON object.
func (m *Message) Payload() json.RawMessage {
	if len(m.Fields) == 0 {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(m.Fields)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// Encode builds a frame from a payload. The payload must marshal to a JSON
// object (a struct, a map, or a json.RawMessage holding an object) or be nil.
// An empty requestID gets a fresh UUID.
func Encode(t Type, requestID string, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
		}
		if !isNull(raw) {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("protocol: %s payload is not an object: %w", t, err)
			}
			if fields == nil {
				fields = map[string]json.RawMessage{}
			}
		}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	fields[keyType] = mustQuote(string(t))
	fields[keyRequestID] = mustQuote(requestID)
	fields[keyTimestamp] = mustQuote(time.Now().UTC().Format(time.RFC3339Nano))
	return json.Marshal(fields)
}

// EncodeMessage re-encodes a decoded message, keeping its request ID.
func EncodeMessage(m *Message) ([]byte, error) {
	return Encode(m.Type, m.RequestID, m.Fields)
}

// Decode parses a frame. It fails with *ProtocolError on invalid JSON, a
// missing or non-string type or request_id, or an unrecognised type.
func Decode(data []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &ProtocolError{Kind: KindInvalidJSON, Err: err}
	}
	if fields == nil {
		return nil, &ProtocolError{Kind: KindInvalidJSON, Err: errors.New("frame is not an object")}
	}

	typ, perr := envelopeString(fields, keyType)
	if perr != nil {
		return nil, perr
	}
	requestID, perr := envelopeString(fields, keyRequestID)
	if perr != nil {
		perr.Type = typ
		return nil, perr
	}
	if !Type(typ).Known() {
		return nil, &ProtocolError{Kind: KindUnknownType, Type: typ, RequestID: requestID}
	}

	msg := &Message{Type: Type(typ), RequestID: requestID}
	if raw, ok := fields[keyTimestamp]; ok {
		var ts string
		if json.Unmarshal(raw, &ts) == nil {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				msg.Timestamp = parsed
			}
		}
	}

	delete(fields, keyType)
	delete(fields, keyRequestID)
	delete(fields, keyTimestamp)
	msg.Fields = fields
	return msg, nil
}

func envelopeString(fields map[string]json.RawMessage, key string) (string, *ProtocolError) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return "", &ProtocolError{Kind: KindMissingField, Field: key}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &ProtocolError{Kind: KindInvalidField, Field: key, Err: errors.New("must be a string")}
	}
	if s == "" {
		return "", &ProtocolError{Kind: KindInvalidField, Field: key, Err: errors.New("must not be empty")}
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func mustQuote(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
