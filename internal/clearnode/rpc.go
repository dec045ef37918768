package clearnode

import (
	"encoding/json"
	"fmt"
)

// MethodError is the method name the coordinator uses for error responses.
const MethodError = "error"

// Message is one RPC frame. On the wire it is the positional array
// [id, method, params, timestamp].
type Message struct {
	ID        uint64
	Method    string
	Params    json.RawMessage
	Timestamp uint64
}

// MarshalJSON encodes m as [id, method, params, ts].
func (m Message) MarshalJSON() ([]byte, error) {
	params := m.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return json.Marshal([]any{m.ID, m.Method, params, m.Timestamp})
}

// UnmarshalJSON decodes the positional array form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("clearnode/rpc: message is not an array: %w", err)
	}
	if len(parts) < 3 {
		return fmt.Errorf("clearnode/rpc: message has %d elements, want 4", len(parts))
	}
	if err := json.Unmarshal(parts[0], &m.ID); err != nil {
		return fmt.Errorf("clearnode/rpc: id: %w", err)
	}
	if err := json.Unmarshal(parts[1], &m.Method); err != nil {
		return fmt.Errorf("clearnode/rpc: method: %w", err)
	}
	m.Params = append(json.RawMessage(nil), parts[2]...)
	m.Timestamp = 0
	if len(parts) > 3 {
		if err := json.Unmarshal(parts[3], &m.Timestamp); err != nil {
			return fmt.Errorf("clearnode/rpc: timestamp: %w", err)
		}
	}
	return nil
}

// Envelope wraps a request or response with its signatures.
type Envelope struct {
	Req *Message `json:"req,omitempty"`
	Res *Message `json:"res,omitempty"`
	Sig []string `json:"sig,omitempty"`
}

// ErrorParams is the payload of an error response.
type ErrorParams struct {
	Error string `json:"error"`
}

// RequestSigner signs the JSON encoding of a request array. Session keys
// implement it.
type RequestSigner interface {
	SignPayload(payload []byte) (string, error)
}

// staticSigner returns a signature computed elsewhere. It carries the
// identity's policy signature on auth_verify.
type staticSigner string

func (s staticSigner) SignPayload([]byte) (string, error) { return string(s), nil }

// encodeRequest builds a signed request frame.
func encodeRequest(msg Message, signer RequestSigner) ([]byte, error) {
	env := Envelope{Req: &msg}
	if signer != nil {
		payload, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("clearnode/rpc: encode payload: %w", err)
		}
		sig, err := signer.SignPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("clearnode/rpc: sign %s: %w", msg.Method, err)
		}
		env.Sig = []string{sig}
	}
	return json.Marshal(env)
}

// errorMessage extracts the error text from an error response. The
// coordinator sends either {"error": "..."} or a bare string.
func errorMessage(params json.RawMessage) string {
	var ep ErrorParams
	if err := json.Unmarshal(params, &ep); err == nil && ep.Error != "" {
		return ep.Error
	}
	var s string
	if err := json.Unmarshal(params, &s); err == nil && s != "" {
		return s
	}
	return string(params)
}
