// Package peerlink wraps one WebRTC peer connection and its labeled data
// channels (game, chat, notes, marker_move), buffering remote candidates
// until the remote description lands and picking a deterministic offerer
// to avoid glare — generalized from the epoch arbiter's lexicographic
// peer-id tiebreak into a connection-setup role, since nothing in the
// data model itself dictates who offers.
package peerlink

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Label identifies one of the four data channels every Link opens.
type Label string

const (
	LabelGame       Label = "game"
	LabelChat       Label = "chat"
	LabelNotes      Label = "notes"
	LabelMarkerMove Label = "marker_move"
)

var allLabels = []Label{LabelGame, LabelChat, LabelNotes, LabelMarkerMove}

// State mirrors webrtc.PeerConnectionState with the names spec.md uses.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func fromPCState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// offerer reports whether self should create the offer for a connection
// with peer. The side with the lexicographically smaller id offers.
func offerer(self, peer string) bool {
	return self < peer
}

// OnMessage is invoked for every inbound data-channel message. Handlers
// must not block — they push raw bytes onto a queue for Dispatch Core.
type OnMessage func(label Label, data []byte)

// OnStateChange is invoked whenever the connection's aggregate state
// changes.
type OnStateChange func(s State)

// Link owns one RTCPeerConnection and its four data channels for one
// remote peer.
type Link struct {
	PeerID   string
	selfID   string
	pc       *webrtc.PeerConnection
	onMsg    OnMessage
	onState  OnStateChange
	onOffer  func(sdp webrtc.SessionDescription)
	onAnswer func(sdp webrtc.SessionDescription)
	onICE    func(c webrtc.ICECandidateInit)

	mu               sync.Mutex
	channels         map[Label]*webrtc.DataChannel
	state            State
	remoteDescSet    bool
	pendingCandidate []webrtc.ICECandidateInit
}

// Config wires a Link's callbacks to the surrounding system. onOffer/
// onAnswer/onICE are handed frames to forward through the Signaling
// Router. onICE fires from pion's own goroutines; onOffer fires inside New
// (on the offerer) and onAnswer inside HandleRemoteOffer, on the caller's
// goroutine.
type Config struct {
	SelfID   string
	PeerID   string
	OnOffer  func(sdp webrtc.SessionDescription)
	OnAnswer func(sdp webrtc.SessionDescription)
	OnICE    func(c webrtc.ICECandidateInit)
	OnMsg    OnMessage
	OnState  OnStateChange
}

// New creates a Link and, if this side is the deterministic offerer,
// opens the four data channels and begins the offer/answer handshake.
func New(api *webrtc.API, rtcCfg webrtc.Configuration, cfg Config) (*Link, error) {
	pc, err := api.NewPeerConnection(rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &Link{
		PeerID:   cfg.PeerID,
		selfID:   cfg.SelfID,
		pc:       pc,
		onMsg:    cfg.OnMsg,
		onState:  cfg.OnState,
		onOffer:  cfg.OnOffer,
		onAnswer: cfg.OnAnswer,
		onICE:    cfg.OnICE,
		channels: make(map[Label]*webrtc.DataChannel),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || l.onICE == nil {
			return
		}
		l.onICE(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		st := fromPCState(s)
		l.mu.Lock()
		l.state = st
		l.mu.Unlock()
		slog.Info("peer link state changed", "peer_id", l.PeerID, "state", st)
		if l.onState != nil {
			l.onState(st)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		l.bindChannel(Label(dc.Label()), dc)
	})

	if offerer(cfg.SelfID, cfg.PeerID) {
		for _, label := range allLabels {
			ordered := true
			dc, err := pc.CreateDataChannel(string(label), &webrtc.DataChannelInit{Ordered: &ordered})
			if err != nil {
				return nil, fmt.Errorf("create data channel %s: %w", label, err)
			}
			l.bindChannel(label, dc)
		}
		if err := l.createOffer(); err != nil {
			return nil, err
		}
	}

	return l, nil
}

func (l *Link) bindChannel(label Label, dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.channels[label] = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		slog.Debug("peer link channel open", "peer_id", l.PeerID, "label", label)
	})
	dc.OnClose(func() {
		slog.Debug("peer link channel closed", "peer_id", l.PeerID, "label", label)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if l.onMsg != nil {
			l.onMsg(label, msg.Data)
		}
	})
}

func (l *Link) createOffer() error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if l.onOffer != nil {
		l.onOffer(offer)
	}
	return nil
}

// HandleRemoteOffer applies an incoming offer (this side is the answerer)
// and replies with an answer.
func (l *Link) HandleRemoteOffer(sdp webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	l.flushPendingCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if l.onAnswer != nil {
		l.onAnswer(answer)
	}
	return nil
}

// HandleRemoteAnswer applies an incoming answer (this side was the
// offerer).
func (l *Link) HandleRemoteAnswer(sdp webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	l.flushPendingCandidates()
	return nil
}

// AddRemoteCandidate queues c if the remote description has not yet been
// applied, otherwise adds it immediately.
func (l *Link) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteDescSet {
		l.pendingCandidate = append(l.pendingCandidate, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(c)
}

func (l *Link) flushPendingCandidates() {
	l.mu.Lock()
	l.remoteDescSet = true
	pending := l.pendingCandidate
	l.pendingCandidate = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			slog.Warn("peer link flush candidate failed", "peer_id", l.PeerID, "err", err)
		}
	}
}

// State returns the link's last observed aggregate connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// DCOpen reports whether the named channel is open for sending.
func (l *Link) DCOpen(label Label) bool {
	l.mu.Lock()
	dc, ok := l.channels[label]
	l.mu.Unlock()
	return ok && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send writes bytes on label. A frame is silently dropped if the channel
// is not open — the sender relies on snapshot bootstrap for eventual
// consistency, not per-frame reliability across reconnects.
func (l *Link) Send(label Label, data []byte) {
	l.mu.Lock()
	dc, ok := l.channels[label]
	l.mu.Unlock()
	if !ok || dc.ReadyState() != webrtc.DataChannelStateOpen {
		slog.Debug("peer link dropped send on closed channel", "peer_id", l.PeerID, "label", label)
		return
	}
	if err := dc.Send(data); err != nil {
		slog.Debug("peer link send failed", "peer_id", l.PeerID, "label", label, "err", err)
	}
}

// Close tears down the connection. Dispatch Core should be notified by
// the caller (via OnState StateClosed) so peer-scoped state, like owned
// drags, can be reaped.
func (l *Link) Close() error {
	return l.pc.Close()
}
