package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrMalformed is matched by every *MalformedError.
var ErrMalformed = errors.New("wire: malformed message")

// MalformedError describes a frame that could not be decoded.
type MalformedError struct {
	Reason string
	Raw    []byte
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: malformed message (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("wire: malformed message (%s)", e.Reason)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrMalformed) succeed.
func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

// registry maps a type discriminator to a constructor for its payload.
var registry = map[string]func() Message{
	TypeSyncRequest:           func() Message { return &SyncRequest{} },
	TypeCellUpdate:            func() Message { return &CellUpdate{} },
	TypeCellAdd:               func() Message { return &CellAdd{} },
	TypeCellDelete:            func() Message { return &CellDelete{} },
	TypeChangePath:            func() Message { return &ChangePath{} },
	TypeSetLanguage:           func() Message { return &SetLanguage{} },
	TypeUpdateLSPVersion:      func() Message { return &UpdateLSPVersion{} },
	TypeGetCompletion:         func() Message { return &GetCompletion{} },
	TypeSyncResponse:          func() Message { return &SyncResponse{} },
	TypeCompletion:            func() Message { return &Completion{} },
	TypeConnectionEstablished: func() Message { return &ConnectionEstablished{} },
	TypeLSPUpdate:             func() Message { return &LSPUpdate{} },
}

// Encode serializes m as a flat JSON object with its "type" field set.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s: %w", m.MessageType(), err)
	}
	out, err := sjson.SetBytes(body, "type", m.MessageType())
	if err != nil {
		return nil, fmt.Errorf("wire: stamp type %s: %w", m.MessageType(), err)
	}
	return out, nil
}

// Decode parses a frame into its typed message. Known types come back as
// pointers (*CellUpdate, *Completion, ...). Unrecognized but well-formed
// frames come back as *Unknown with a nil error.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, &MalformedError{Reason: "invalid JSON", Raw: data}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, &MalformedError{Reason: "not an object", Raw: data}
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return nil, &MalformedError{Reason: "missing type", Raw: data}
	}

	newMsg, ok := registry[typ.Str]
	if !ok {
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return &Unknown{Type: typ.Str, Raw: raw}, nil
	}
	msg := newMsg()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, &MalformedError{Reason: typ.Str + " payload", Raw: data, Err: err}
	}
	return msg, nil
}

// StripFences removes markdown code-fence delimiters the backend sometimes
// leaves around suggestion text.
func StripFences(s string) string {
	return strings.ReplaceAll(s, "```", "")
}
