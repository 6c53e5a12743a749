package signaling

import "encoding/json"

// Envelope types exchanged over the signaling socket.
const (
	TypeAuth             = "auth"
	TypeAuthResponse     = "auth_response"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeCandidate        = "candidate"
	TypePresence         = "presence"
	TypePeerDisconnect   = "peer_disconnect"
	TypeServerDisconnect = "server_disconnect"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeClose            = "close"
)

// ClientInfo is the presence payload describing one authenticated client.
type ClientInfo struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
}

// Envelope is the JSON control message exchanged over the signaling socket.
// Routed messages (offer/answer/candidate) carry an opaque payload in SDP
// and Candidate so the router never needs to understand WebRTC semantics.
type Envelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
	Token     string          `json:"token,omitempty"`
	Username  string          `json:"username,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Event     string          `json:"event,omitempty"`
	Clients   []ClientInfo    `json:"clients,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	TS        int64           `json:"ts,omitempty"`
}
