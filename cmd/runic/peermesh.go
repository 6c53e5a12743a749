package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/rustyguts/runic/internal/peerlink"
	"github.com/rustyguts/runic/internal/signaling"
)

const authResponseTimeout = 10 * time.Second

// PeerMesh dials a signaling router as one named client and maintains a
// peerlink.Link to every other client it learns about via presence and
// offer/answer/candidate envelopes. Every inbound data-channel frame is
// handed to onFrame, whichever channel label it arrived on, since frame
// kind alone (not the channel) determines how Dispatch Core routes it.
type PeerMesh struct {
	conn   *websocket.Conn
	SelfID string

	rtcAPI *webrtc.API
	rtcCfg webrtc.Configuration

	onFrame    func(fromPeer string, data []byte)
	onPeerUp   func(peerID string, link *peerlink.Link)
	onPeerDown func(peerID string)

	mu    sync.Mutex
	peers map[string]*peerlink.Link
}

// DialPeerMesh connects to wsURL, authenticates with password, and returns
// a mesh that will call onPeerUp for every peer whose link comes up
// (including peers already present at join time) and onFrame for every
// inbound data-channel message.
func DialPeerMesh(
	wsURL, password, username string,
	rtcAPI *webrtc.API, rtcCfg webrtc.Configuration,
	onFrame func(fromPeer string, data []byte),
	onPeerUp func(peerID string, link *peerlink.Link),
	onPeerDown func(peerID string),
) (*PeerMesh, error) {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("peermesh: dial %s: %w", wsURL, err)
	}

	m := &PeerMesh{
		conn:       conn,
		rtcAPI:     rtcAPI,
		rtcCfg:     rtcCfg,
		onFrame:    onFrame,
		onPeerUp:   onPeerUp,
		onPeerDown: onPeerDown,
		peers:      make(map[string]*peerlink.Link),
	}

	if err := conn.WriteJSON(signaling.Envelope{
		Type:     signaling.TypeAuth,
		Token:    password,
		Username: username,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peermesh: send auth: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(authResponseTimeout))
	var resp signaling.Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peermesh: read auth response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if resp.Type != signaling.TypeAuthResponse || !resp.OK {
		conn.Close()
		return nil, fmt.Errorf("peermesh: auth rejected: %s", resp.Reason)
	}
	m.SelfID = resp.ClientID

	go m.readLoop()

	for _, c := range resp.Clients {
		m.getOrCreatePeer(c.ClientID)
	}
	return m, nil
}

func (m *PeerMesh) readLoop() {
	for {
		var env signaling.Envelope
		if err := m.conn.ReadJSON(&env); err != nil {
			slog.Debug("peermesh read loop ended", "err", err)
			return
		}
		switch env.Type {
		case signaling.TypePresence:
			if env.ClientID == m.SelfID {
				continue
			}
			if env.Event == "join" {
				m.getOrCreatePeer(env.ClientID)
			} else if env.Event == "leave" {
				m.removePeer(env.ClientID)
			}
		case signaling.TypeOffer:
			link := m.getOrCreatePeer(env.From)
			sdp, err := decodeSDP(env.SDP)
			if err != nil {
				slog.Warn("peermesh: bad offer sdp", "from", env.From, "err", err)
				continue
			}
			if err := link.HandleRemoteOffer(sdp); err != nil {
				slog.Warn("peermesh: handle remote offer", "from", env.From, "err", err)
			}
		case signaling.TypeAnswer:
			link := m.getOrCreatePeer(env.From)
			sdp, err := decodeSDP(env.SDP)
			if err != nil {
				slog.Warn("peermesh: bad answer sdp", "from", env.From, "err", err)
				continue
			}
			if err := link.HandleRemoteAnswer(sdp); err != nil {
				slog.Warn("peermesh: handle remote answer", "from", env.From, "err", err)
			}
		case signaling.TypeCandidate:
			link := m.getOrCreatePeer(env.From)
			var cand webrtc.ICECandidateInit
			if err := json.Unmarshal(env.Candidate, &cand); err != nil {
				slog.Warn("peermesh: bad candidate payload", "from", env.From, "err", err)
				continue
			}
			if err := link.AddRemoteCandidate(cand); err != nil {
				slog.Warn("peermesh: add remote candidate", "from", env.From, "err", err)
			}
		case signaling.TypePeerDisconnect, signaling.TypeClose:
			if env.From != "" {
				m.removePeer(env.From)
			}
		}
	}
}

func (m *PeerMesh) getOrCreatePeer(peerID string) *peerlink.Link {
	m.mu.Lock()
	if link, ok := m.peers[peerID]; ok {
		m.mu.Unlock()
		return link
	}
	m.mu.Unlock()

	link, err := peerlink.New(m.rtcAPI, m.rtcCfg, peerlink.Config{
		SelfID: m.SelfID,
		PeerID: peerID,
		OnOffer: func(sdp webrtc.SessionDescription) {
			m.send(signaling.Envelope{Type: signaling.TypeOffer, To: peerID, SDP: encodeSDP(sdp)})
		},
		OnAnswer: func(sdp webrtc.SessionDescription) {
			m.send(signaling.Envelope{Type: signaling.TypeAnswer, To: peerID, SDP: encodeSDP(sdp)})
		},
		OnICE: func(c webrtc.ICECandidateInit) {
			raw, err := json.Marshal(c)
			if err != nil {
				return
			}
			m.send(signaling.Envelope{Type: signaling.TypeCandidate, To: peerID, Candidate: raw})
		},
		OnMsg: func(label peerlink.Label, data []byte) {
			if m.onFrame != nil {
				m.onFrame(peerID, data)
			}
		},
	})
	if err != nil {
		slog.Error("peermesh: create peer link failed", "peer_id", peerID, "err", err)
		return nil
	}

	m.mu.Lock()
	m.peers[peerID] = link
	m.mu.Unlock()

	if m.onPeerUp != nil {
		m.onPeerUp(peerID, link)
	}
	return link
}

func (m *PeerMesh) removePeer(peerID string) {
	m.mu.Lock()
	link, ok := m.peers[peerID]
	delete(m.peers, peerID)
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = link.Close()
	if m.onPeerDown != nil {
		m.onPeerDown(peerID)
	}
}

func (m *PeerMesh) send(env signaling.Envelope) {
	if err := m.conn.WriteJSON(env); err != nil {
		slog.Debug("peermesh: write envelope failed", "type", env.Type, "err", err)
	}
}

// Close tears down every peer link and the signaling connection.
func (m *PeerMesh) Close() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*peerlink.Link)
	m.mu.Unlock()
	for _, link := range peers {
		_ = link.Close()
	}
	_ = m.conn.Close()
}

func encodeSDP(sdp webrtc.SessionDescription) string {
	b, err := json.Marshal(sdp)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeSDP(s string) (webrtc.SessionDescription, error) {
	var sdp webrtc.SessionDescription
	err := json.Unmarshal([]byte(s), &sdp)
	return sdp, err
}
