// Package wire defines the bidirectional RPC envelope, the message-type
// catalog, and the newline-delimited JSON codec the duplex stream uses to
// frame requests, responses, and server-initiated pushes.
package wire

import "encoding/json"

// Metadata travels alongside every envelope: the declared message type plus
// transport-level context a handler may need (remote IP, arbitrary headers
// an auth plugin inspects).
type Metadata struct {
	Type     string            `json:"type"`
	ClientIP string            `json:"clientIp,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Envelope is the single reusable frame for client requests, server
// responses, and server-initiated pushes, framed one envelope per line by
// the codec. Body is a self-describing serialization — here, a typed JSON payload for the
// message named by Metadata.Type, looked up in the dispatch table by that
// stable string.
type Envelope struct {
	RequestID string          `json:"requestId,omitempty"`
	Metadata  Metadata        `json:"metadata"`
	Body      json.RawMessage `json:"body"`
}

// NewRequest builds an Envelope carrying body marshaled as JSON.
func NewRequest(requestID, msgType string, body any) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		RequestID: requestID,
		Metadata:  Metadata{Type: msgType},
		Body:      raw,
	}, nil
}

// Decode unmarshals the envelope's Body into out.
func (e *Envelope) Decode(out any) error {
	return json.Unmarshal(e.Body, out)
}
