package wirecodec

import "encoding/json"

// ClientMessage is the envelope for every client->server frame sent over the
// rendezvous WebSocket. Only the fields relevant to the message Type are
// populated; the rest are left zero and omitted on the wire.
type ClientMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	AppID     string `json:"appid,omitempty"`
	Side      string `json:"side,omitempty"`
	Nameplate string `json:"nameplate,omitempty"`
	Mailbox   string `json:"mailbox,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Body      string `json:"body,omitempty"`
}

// ServerMessage is the envelope for every server->client frame. Type
// discriminates which of the optional fields are meaningful.
type ServerMessage struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	Error      string   `json:"error,omitempty"`
	Nameplate  string   `json:"nameplate,omitempty"`
	Nameplates []string `json:"nameplates,omitempty"`
	Mailbox    string   `json:"mailbox,omitempty"`
	Side       string   `json:"side,omitempty"`
	Phase      string   `json:"phase,omitempty"`
	Body       string   `json:"body,omitempty"`
}

// Marshal encodes a client message as a single JSON line.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a single JSON line into a server message.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
