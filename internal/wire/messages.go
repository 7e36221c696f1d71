// Package wire defines the WebSocket protocol spoken between the editor-side
// client and the completion backend.
//
// Every frame is a single JSON object. The "type" field selects the message
// kind and all payload fields sit next to it at the top level:
//
//	{"type":"cell_update","cell_id":2,"content":"x = 1"}
package wire

import "encoding/json"

// Message is implemented by every frame that can travel over the wire.
type Message interface {
	MessageType() string
}

// Reply is a backend message that answers a correlated client request.
type Reply interface {
	Message
	RequestID() string
}

// Message type discriminators.
const (
	TypeSyncRequest      = "sync_request"
	TypeCellUpdate       = "cell_update"
	TypeCellAdd          = "cell_add"
	TypeCellDelete       = "cell_delete"
	TypeChangePath       = "change_path"
	TypeSetLanguage      = "set_language"
	TypeUpdateLSPVersion = "update_lsp_version"
	TypeGetCompletion    = "get_completion"

	TypeSyncResponse          = "sync_response"
	TypeCompletion            = "completion"
	TypeConnectionEstablished = "connection_established"
	TypeLSPUpdate             = "lsp_update"
)

// ── Client → Backend messages ───────────────────────────────────────────────

// SyncRequest asks the backend to re-establish its per-document state.
// It is the first frame written on every (re)connect.
type SyncRequest struct{}

// CellUpdate carries the new body of an existing cell.
type CellUpdate struct {
	CellID  int    `json:"cell_id"`
	Content string `json:"content"`
}

// CellAdd inserts a cell at CellID.
type CellAdd struct {
	CellID  int    `json:"cell_id"`
	Content string `json:"content"`
}

// CellDelete removes the cell at CellID.
type CellDelete struct {
	CellID int `json:"cell_id"`
}

// ChangePath reports that the document was renamed or moved.
type ChangePath struct {
	NewPath string `json:"new_path"`
}

// SetLanguage reports the document's kernel language.
type SetLanguage struct {
	Language string `json:"language"`
}

// UpdateLSPVersion asks the backend to push the current document text to its
// language server and bump the document version.
type UpdateLSPVersion struct{}

// GetCompletion requests suggestions at a 0-based cursor position inside a cell.
type GetCompletion struct {
	ReqID     string `json:"req_id"`
	CellID    int    `json:"cell_id"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
}

// ── Backend → Client messages ───────────────────────────────────────────────

// SyncResponse acknowledges a SyncRequest. Code holds the backend's view of
// the full document when it chooses to send it.
type SyncResponse struct {
	Code string `json:"code,omitempty"`
}

// Completion answers a GetCompletion.
type Completion struct {
	ReqID       string           `json:"req_id"`
	Completions []CompletionItem `json:"completions"`
}

// ConnectionEstablished is informational and sent once per accepted socket.
type ConnectionEstablished struct{}

// LSPUpdate is emitted after a cell update with the text handed to the
// language server.
type LSPUpdate struct {
	Code string `json:"code,omitempty"`
}

// Unknown holds a well-formed frame whose type this package does not know.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

// Position is a 0-based line/character pair.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range spans two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// CompletionItem is one suggestion as produced by the language server.
type CompletionItem struct {
	DisplayText string    `json:"displayText"`
	Text        string    `json:"text,omitempty"`
	UUID        string    `json:"uuid,omitempty"`
	DocVersion  int       `json:"docVersion,omitempty"`
	Position    *Position `json:"position,omitempty"`
	Range       *Range    `json:"range,omitempty"`
}

func (SyncRequest) MessageType() string      { return TypeSyncRequest }
func (CellUpdate) MessageType() string       { return TypeCellUpdate }
func (CellAdd) MessageType() string          { return TypeCellAdd }
func (CellDelete) MessageType() string       { return TypeCellDelete }
func (ChangePath) MessageType() string       { return TypeChangePath }
func (SetLanguage) MessageType() string      { return TypeSetLanguage }
func (UpdateLSPVersion) MessageType() string { return TypeUpdateLSPVersion }
func (GetCompletion) MessageType() string    { return TypeGetCompletion }

func (SyncResponse) MessageType() string          { return TypeSyncResponse }
func (Completion) MessageType() string            { return TypeCompletion }
func (ConnectionEstablished) MessageType() string { return TypeConnectionEstablished }
func (LSPUpdate) MessageType() string             { return TypeLSPUpdate }
func (u Unknown) MessageType() string             { return u.Type }

// RequestID echoes the GetCompletion request id.
func (c Completion) RequestID() string { return c.ReqID }

// MarshalJSON re-emits the original frame.
func (u Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("{}"), nil
	}
	return u.Raw, nil
}

// IsEdit reports whether m mutates backend document state. Edits are queued
// across reconnects; everything else is sent only on a live socket.
func IsEdit(m Message) bool {
	switch m.MessageType() {
	case TypeCellUpdate, TypeCellAdd, TypeCellDelete, TypeChangePath, TypeSetLanguage, TypeUpdateLSPVersion:
		return true
	}
	return false
}
