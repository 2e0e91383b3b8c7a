package acp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the latest protocol version this client speaks.
// Version negotiation picks the lower of client and agent versions.
const ProtocolVersion = 1

// Method names for the core protocol surface. Client→agent methods come
// first, then agent→client methods, then notifications.
const (
	MethodInitialize    = "initialize"
	MethodAuthenticate  = "authenticate"
	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionPrompt = "session/prompt"
	MethodSessionSetMode = "session/set_mode"

	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
	MethodRequestPermission = "session/request_permission"
	MethodTerminalCreate    = "terminal/create"
	MethodTerminalOutput    = "terminal/output"
	MethodTerminalWaitExit  = "terminal/wait_for_exit"
	MethodTerminalKill      = "terminal/kill"
	MethodTerminalRelease   = "terminal/release"

	MethodSessionUpdate = "session/update"
	MethodSessionCancel = "session/cancel"
)

// Message is the wire envelope for every JSON-RPC message in either
// direction. Exactly one of the three shapes is populated:
//
//   - Request: ID and Method set
//   - Response: ID set, Method empty, Result or Error set
//   - Notification: Method set, ID absent
//
// IDs are integers minted independently per direction, so an agent request
// id may collide with a client request id without ambiguity.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RequestError   `json:"error,omitempty"`
}

// MessageKind classifies a decoded envelope.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindRequest
	KindResponse
	KindNotification
)

// Kind classifies the message by which envelope fields are present.
func (m *Message) Kind() MessageKind {
	switch {
	case m.ID != nil && m.Method != "":
		return KindRequest
	case m.ID != nil:
		return KindResponse
	case m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// NewRequest builds a request envelope with marshaled params.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification envelope with marshaled params.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResponse builds a success response for a request id.
func NewResponse(id int64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response for a request id.
func NewErrorResponse(id int64, reqErr *RequestError) *Message {
	return &Message{JSONRPC: "2.0", ID: &id, Error: reqErr}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
