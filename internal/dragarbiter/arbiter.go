// Package dragarbiter resolves concurrent marker drags across a partitioned
// peer mesh without a central lock: a per-marker (epoch, seq) state machine
// where the peer with the lexicographically smaller id wins a same-epoch
// ownership challenge, and watchdogs only ever report, never close, a
// session.
package dragarbiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Role distinguishes the GM (hosting peer) from a Player for authority
// checks layered on top of drag arbitration.
type Role uint8

const (
	RolePlayer Role = iota
	RoleGM
)

// Config tunes pacing and the (report-only) watchdog thresholds.
type Config struct {
	SendMoveMinPeriod   time.Duration
	DragInactivityTimeout time.Duration
	DragMaxDuration     time.Duration
}

// DefaultConfig mirrors the constants extracted from the source: ~20Hz move
// pacing, a 2s inactivity watchdog, and a 15s max-duration watchdog.
func DefaultConfig() Config {
	return Config{
		SendMoveMinPeriod:     50 * time.Millisecond,
		DragInactivityTimeout: 2 * time.Second,
		DragMaxDuration:       15 * time.Second,
	}
}

// MoveMsg is an unreliable-style streaming position sample during a drag.
type MoveMsg struct {
	BoardID    uint64
	MarkerID   uint64
	Pos        Pos
	FromPeer   string
	SenderRole Role
	Epoch      uint32
	Seq        uint32
	TsMs       int64
}

// Pos is a 2D integer position, matching the source's EA_Pos.
type Pos struct {
	X, Y int
}

// Moving distinguishes a session boundary's start from its end.
type Moving uint8

const (
	MovingStart Moving = iota
	MovingEnd
)

// FinalMsg is a reliable session boundary (start or end).
type FinalMsg struct {
	BoardID    uint64
	MarkerID   uint64
	Pos        *Pos // nil unless this is an End carrying a final position
	Moving     Moving
	FromPeer   string
	SenderRole Role
	Epoch      uint32
	Seq        uint32
	TsMs       int64
}

// dragState is one marker's arbitration state, per spec.md §3 DragState.
type dragState struct {
	epoch                uint32
	closed               bool
	lastSeq              uint32
	ownerPeerID          string
	lastFinalTsMs        int64
	locallyDragging      bool
	locallyProposedEpoch uint32
	localSeq             uint32

	epochOpenedMs  int64
	lastMoveRxMs   int64
	lastMoveTxMs   int64
	lastActivityMs int64

	limiter *rate.Limiter
}

func newDragState(cfg Config) *dragState {
	return &dragState{
		closed: true,
		// burst of 1: the limiter only answers "may I send now", pacing is
		// enforced by ShouldSendMoveNow's own reservation, not a queue.
		limiter: rate.NewLimiter(rate.Every(cfg.SendMoveMinPeriod), 1),
	}
}

// WatchdogReason explains why a watchdog event fired. Watchdogs are
// report-only: consuming one never closes a drag.
type WatchdogReason uint8

const (
	ReasonInactivity WatchdogReason = iota
	ReasonMaxDuration
	ReasonOwnerDisconnected
)

// WatchdogEvent is a single report-only diagnostic for one marker.
type WatchdogEvent struct {
	MarkerID uint64
	Reason   WatchdogReason
	Epoch    uint32
	OwnerID  string
}

// Arbiter owns per-marker drag state for the local peer's view of the
// table. A single Arbiter is shared table-wide; it is accessed only from
// the main/dispatch thread except for the rate limiter, which is safe for
// concurrent use on its own.
type Arbiter struct {
	cfg Config

	mu sync.Mutex
	st map[uint64]*dragState

	// now is overridable for deterministic tests; defaults to wall clock.
	now func() time.Time
}

// New creates an Arbiter with the given config.
func New(cfg Config) *Arbiter {
	return &Arbiter{
		cfg: cfg,
		st:  make(map[uint64]*dragState),
		now: time.Now,
	}
}

func (a *Arbiter) nowMs() int64 {
	return a.now().UnixMilli()
}

func (a *Arbiter) state(markerID uint64) *dragState {
	s, ok := a.st[markerID]
	if !ok {
		s = newDragState(a.cfg)
		a.st[markerID] = s
	}
	return s
}

// OnLocalDragStart records that the local user began dragging markerID,
// proposing a new epoch if the marker's prior session was closed.
func (a *Arbiter) OnLocalDragStart(markerID uint64, myPeerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.state(markerID)
	s.locallyDragging = true
	if s.closed {
		s.locallyProposedEpoch = s.epoch + 1
	} else {
		s.locallyProposedEpoch = s.epoch
	}
	s.localSeq = 0
	s.ownerPeerID = myPeerID
	s.epochOpenedMs = a.nowMs()
	s.lastActivityMs = s.epochOpenedMs
	s.closed = false
	if s.locallyProposedEpoch > s.epoch {
		s.epoch = s.locallyProposedEpoch
	}
}

// ShouldSendMoveNow reports whether enough time has passed since the last
// outgoing move sample for markerID to send another one now, and if so
// consumes the pacing budget.
func (a *Arbiter) ShouldSendMoveNow(markerID uint64) bool {
	a.mu.Lock()
	s := a.state(markerID)
	a.mu.Unlock()
	return s.limiter.AllowN(a.now(), 1)
}

// BuildOutgoingMove constructs the next outgoing MoveMsg for markerID,
// advancing the local sequence counter.
func (a *Arbiter) BuildOutgoingMove(boardID, markerID uint64, pos Pos, myPeerID string, role Role) MoveMsg {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.state(markerID)
	s.localSeq++
	ts := a.nowMs()
	s.lastMoveTxMs = ts
	s.lastActivityMs = ts
	return MoveMsg{
		BoardID: boardID, MarkerID: markerID, Pos: pos,
		FromPeer: myPeerID, SenderRole: role,
		Epoch: s.locallyProposedEpoch, Seq: s.localSeq, TsMs: ts,
	}
}

// BuildOutgoingFinal constructs the end-of-drag FinalMsg for markerID and
// clears the local dragging flag.
func (a *Arbiter) BuildOutgoingFinal(boardID, markerID uint64, finalPos *Pos, myPeerID string, role Role) FinalMsg {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.state(markerID)
	s.localSeq++
	ts := a.nowMs()
	s.locallyDragging = false
	s.lastActivityMs = ts
	return FinalMsg{
		BoardID: boardID, MarkerID: markerID, Pos: finalPos, Moving: MovingEnd,
		FromPeer: myPeerID, SenderRole: role,
		Epoch: s.locallyProposedEpoch, Seq: s.localSeq, TsMs: ts,
	}
}

// ownerWins reports whether challenger should displace current as the
// epoch's owner: the lexicographically smaller peer id wins.
func ownerWins(challenger, current string) bool {
	return challenger < current
}

func (a *Arbiter) adoptEpoch(s *dragState, newEpoch uint32, owner string) {
	s.epoch = newEpoch
	s.closed = false
	s.lastSeq = 0
	s.ownerPeerID = owner
	s.epochOpenedMs = a.nowMs()
	s.lastMoveRxMs = 0
	s.lastActivityMs = s.epochOpenedMs
}

// AcceptIncomingMove applies the gating rules of §4.5 to an inbound
// MoveMsg, returning whether the receiver should apply the new position.
func (a *Arbiter) AcceptIncomingMove(m MoveMsg) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.state(m.MarkerID)
	if m.Epoch < s.epoch {
		return false
	}
	if m.Epoch > s.epoch {
		a.adoptEpoch(s, m.Epoch, m.FromPeer)
	} else {
		if s.closed {
			return false
		}
		if s.ownerPeerID != m.FromPeer {
			if !ownerWins(m.FromPeer, s.ownerPeerID) {
				return false
			}
			s.ownerPeerID = m.FromPeer
			if s.locallyDragging {
				s.locallyDragging = false
				s.localSeq = 0
			}
		}
	}

	if m.Seq <= s.lastSeq {
		return false
	}
	s.lastSeq = m.Seq

	// Local echo suppression: never apply our own in-flight drag's remote
	// reflection.
	if s.locallyDragging {
		return false
	}

	ts := a.nowMs()
	s.lastMoveRxMs = ts
	s.lastActivityMs = ts
	return true
}

// AcceptIncomingFinal applies the gating rules of §4.5 to an inbound
// FinalMsg (session end), hard-closing the drag on acceptance.
func (a *Arbiter) AcceptIncomingFinal(m FinalMsg) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.state(m.MarkerID)
	if m.Epoch < s.epoch {
		return false
	}
	if m.Epoch > s.epoch {
		a.adoptEpoch(s, m.Epoch, m.FromPeer)
	} else {
		if s.closed {
			return false
		}
		if s.ownerPeerID != m.FromPeer {
			if !ownerWins(m.FromPeer, s.ownerPeerID) {
				return false
			}
			s.ownerPeerID = m.FromPeer
			if s.locallyDragging {
				s.locallyDragging = false
				s.localSeq = 0
			}
		}
		if m.Seq < s.lastSeq {
			return false
		}
		s.lastSeq = m.Seq
	}

	ts := m.TsMs
	if ts == 0 {
		ts = a.nowMs()
	}
	s.closed = true
	s.lastFinalTsMs = ts
	s.lastActivityMs = ts
	s.locallyDragging = false
	s.localSeq = 0
	return true
}

// OnPeerDisconnected force-closes every open drag owned by peerID and
// returns the affected marker ids, matching onPeerDisconnectedSuggest plus
// the force-close the source leaves to its caller.
func (a *Arbiter) OnPeerDisconnected(peerID string) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var affected []uint64
	ts := a.nowMs()
	for markerID, s := range a.st {
		if !s.closed && s.ownerPeerID == peerID {
			s.closed = true
			s.locallyDragging = false
			s.localSeq = 0
			s.lastActivityMs = ts
			affected = append(affected, markerID)
		}
	}
	return affected
}

// ForceClose hard-closes markerID's drag unconditionally, e.g. from a
// local UI cancel.
func (a *Arbiter) ForceClose(markerID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state(markerID)
	s.closed = true
	s.locallyDragging = false
	s.localSeq = 0
	s.lastActivityMs = a.nowMs()
}

// PollWatchdogs reports (without closing) markers whose drag looks stuck:
// no inbound activity within DragInactivityTimeout, or a session open
// longer than DragMaxDuration. Both are diagnostics only.
func (a *Arbiter) PollWatchdogs() []WatchdogEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []WatchdogEvent
	t := a.nowMs()
	for markerID, s := range a.st {
		if s.closed {
			continue
		}
		if t-s.lastMoveRxMs > a.cfg.DragInactivityTimeout.Milliseconds() &&
			t-s.lastActivityMs > a.cfg.DragInactivityTimeout.Milliseconds() {
			out = append(out, WatchdogEvent{markerID, ReasonInactivity, s.epoch, s.ownerPeerID})
		}
		if t-s.epochOpenedMs > a.cfg.DragMaxDuration.Milliseconds() {
			out = append(out, WatchdogEvent{markerID, ReasonMaxDuration, s.epoch, s.ownerPeerID})
		}
	}
	return out
}

// CurrentOwner returns the current epoch owner for markerID, or "" if no
// drag has ever started on it.
func (a *Arbiter) CurrentOwner(markerID uint64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.st[markerID]
	if !ok {
		return ""
	}
	return s.ownerPeerID
}

// CurrentEpoch returns the current epoch for markerID, or 0 if unseen.
func (a *Arbiter) CurrentEpoch(markerID uint64) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.st[markerID]
	if !ok {
		return 0
	}
	return s.epoch
}

// IsLocallyDragging reports whether the local peer believes it is
// currently dragging markerID.
func (a *Arbiter) IsLocallyDragging(markerID uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.st[markerID]
	return ok && s.locallyDragging
}
