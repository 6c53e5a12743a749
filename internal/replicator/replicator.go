// Package replicator implements the State Replicator: encoding and
// applying the full op-frame table of the wire protocol (snapshots,
// per-entity create/update/delete, drag frames, chat frames) against a
// table's in-memory world model, with idempotent create/delete and
// forward-compatible drop-on-unknown-id update semantics.
package replicator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rustyguts/runic/internal/chat"
	"github.com/rustyguts/runic/internal/dragarbiter"
	"github.com/rustyguts/runic/internal/imagetransfer"
	"github.com/rustyguts/runic/internal/wire"
	"github.com/rustyguts/runic/internal/world"
)

// Authority describes the local peer's role for authorization checks.
type Authority struct {
	SelfUserID string
	IsGM       bool
}

// Sender abstracts delivering an encoded frame on a labeled data channel,
// either to one peer or broadcast to all. No type in this module implements
// it; peerlink.Link sends to its single peer with Send(label, data).
type Sender interface {
	Broadcast(label string, frame []byte)
	SendTo(peerID, label string, frame []byte)
}

// Replicator applies decoded frames to one table's world model and builds
// outgoing frames for local mutations. It must only be driven from the
// Dispatch Core's main thread.
type Replicator struct {
	Table     *world.GameTable
	Chat      *chat.Manager
	Drag      *dragarbiter.Arbiter
	Images    *imagetransfer.Receiver
	Authority Authority

	// OnUserNameUpdate, when set, is invoked for a decoded UserNameUpdate
	// frame; identity reconciliation itself lives in internal/identity, so
	// the replicator only recognizes the frame kind and routes it there.
	OnUserNameUpdate func(userID, newName string, rebound bool)

	// OnChatMessage, when set, is invoked after a ChatMessage frame is
	// successfully appended to its group; archiving a message beyond the
	// in-memory Chat Manager's own history lives in internal/chatlog.
	OnChatMessage func(groupID uint64, msg world.ChatMessage)
}

// New builds a Replicator bound to an already-open GameTable.
func New(table *world.GameTable, authority Authority) *Replicator {
	rep := &Replicator{
		Table:     table,
		Chat:      chat.New(),
		Drag:      dragarbiter.New(dragarbiter.DefaultConfig()),
		Authority: authority,
	}
	rep.Images = imagetransfer.NewReceiver(30*time.Second, rep.onImageComplete)
	return rep
}

func (r *Replicator) onImageComplete(key imagetransfer.Key, buf []byte, meta any) {
	switch key.Kind {
	case imagetransfer.OwnerBoard:
		if b, ok := r.Table.Boards[key.ID]; ok {
			b.Image = buf
		}
	case imagetransfer.OwnerMarker:
		for _, b := range r.Table.Boards {
			if m, ok := b.Markers[key.ID]; ok {
				m.Image = buf
				return
			}
		}
	}
}

// discard logs a dropped frame without mutating any state. kind and reason
// are for diagnostics only.
func discard(kind wire.Kind, reason string, args ...any) {
	slog.Debug("replicator: dropping frame", append([]any{"kind", kind, "reason", reason}, args...)...)
}

// ApplyFrame decodes and applies one inbound frame. tableID, when the kind
// carries one, is checked against r.Table before any mutation; a mismatch
// drops the frame silently per spec.
func (r *Replicator) ApplyFrame(kind wire.Kind, body *wire.Reader, fromPeer string) error {
	switch kind {
	case wire.KindSnapshotGameTable:
		return r.applySnapshotGameTable(body)
	case wire.KindCommitBoard:
		return r.applyCommitBoard(body)
	case wire.KindCommitMarker:
		return r.applyCommitMarker(body)
	case wire.KindImageChunk:
		return r.applyImageChunk(body)
	case wire.KindMarkerMove:
		return r.applyMarkerMove(body, fromPeer)
	case wire.KindMarkerMoveState:
		return r.applyMarkerMoveState(body, fromPeer)
	case wire.KindMarkerUpdate:
		return r.applyMarkerUpdate(body, fromPeer)
	case wire.KindMarkerDelete:
		return r.applyMarkerDelete(body, fromPeer)
	case wire.KindFogCreate, wire.KindFogUpdate, wire.KindFogDelete:
		return r.applyFog(kind, body, fromPeer)
	case wire.KindGridUpdate:
		return r.applyGridUpdate(body, fromPeer)
	case wire.KindChatGroupCreate, wire.KindChatGroupUpdate:
		return r.applyChatGroupUpsert(body)
	case wire.KindChatGroupDelete:
		return r.applyChatGroupDelete(body)
	case wire.KindChatMessage:
		return r.applyChatMessage(body)
	case wire.KindChatMsgEdit:
		return r.applyChatMsgEdit(body, fromPeer)
	case wire.KindChatMsgDelete:
		return r.applyChatMsgDelete(body, fromPeer)
	case wire.KindChatReactionAdd:
		return r.applyChatReaction(body, true)
	case wire.KindChatReactionDel:
		return r.applyChatReaction(body, false)
	case wire.KindUserNameUpdate:
		return r.applyUserNameUpdate(body)
	default:
		discard(kind, "unknown kind")
		return fmt.Errorf("replicator: unknown frame kind %d", kind)
	}
}

func (r *Replicator) checkTable(tableID uint64, kind wire.Kind) bool {
	if r.Table == nil || tableID != r.Table.TableID {
		discard(kind, "table id mismatch", "got", tableID, "want", r.tableIDOrZero())
		return false
	}
	return true
}

func (r *Replicator) tableIDOrZero() uint64 {
	if r.Table == nil {
		return 0
	}
	return r.Table.TableID
}

// --- Snapshot / Commit / ImageChunk ---

func (r *Replicator) applySnapshotGameTable(body *wire.Reader) error {
	tableID := body.U64()
	name := body.String()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindSnapshotGameTable, body.Err())
	}
	r.Table = world.NewGameTable(tableID, name)
	return nil
}

func (r *Replicator) applyCommitBoard(body *wire.Reader) error {
	tableID := body.U64()
	boardID := body.U64()
	name := body.String()
	w := body.F32()
	h := body.F32()
	imageBytesTotal := body.U64()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindCommitBoard, body.Err())
	}
	if !r.checkTable(tableID, wire.KindCommitBoard) {
		return nil
	}
	b, ok := r.Table.Boards[boardID]
	if !ok {
		b = world.NewBoard(boardID, name, world.Vec2{X: w, Y: h})
		r.Table.Boards[boardID] = b
	} else {
		b.Name = name
		b.Size = world.Vec2{X: w, Y: h}
	}
	r.Images.RecordCommit(imagetransfer.Key{Kind: imagetransfer.OwnerBoard, ID: boardID}, imageBytesTotal, nil, time.Now())
	return nil
}

func (r *Replicator) applyCommitMarker(body *wire.Reader) error {
	tableID := body.U64()
	boardID := body.U64()
	markerID := body.U64()
	x, y := body.F32(), body.F32()
	w, h := body.F32(), body.F32()
	visible := body.Bool()
	ownerUserID := body.String()
	allowAll := body.Bool()
	locked := body.Bool()
	imageBytesTotal := body.U64()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindCommitMarker, body.Err())
	}
	if !r.checkTable(tableID, wire.KindCommitMarker) {
		return nil
	}
	b, ok := r.Table.Boards[boardID]
	if !ok {
		discard(wire.KindCommitMarker, "unknown board", "board_id", boardID)
		return nil
	}
	m, ok := b.Markers[markerID]
	if !ok {
		m = &world.Marker{MarkerID: markerID, BoardID: boardID}
		b.Markers[markerID] = m
	}
	m.Pos = world.Vec2{X: x, Y: y}
	m.Size = world.Vec2{X: w, Y: h}
	m.Visible = visible
	m.Owner = world.MarkerOwner{OwnerUserID: ownerUserID, AllowAllPlayersMove: allowAll, Locked: locked}
	r.Images.RecordCommit(imagetransfer.Key{Kind: imagetransfer.OwnerMarker, ID: markerID}, imageBytesTotal, nil, time.Now())
	return nil
}

func (r *Replicator) applyImageChunk(body *wire.Reader) error {
	tableID := body.U64()
	ownerKind := body.U8()
	id := body.U64()
	offset := body.U64()
	chunk := body.ByteSlice()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindImageChunk, body.Err())
	}
	if !r.checkTable(tableID, wire.KindImageChunk) {
		return nil
	}
	key := imagetransfer.Key{Kind: imagetransfer.OwnerKind(ownerKind), ID: id}
	if err := r.Images.RecordChunk(key, offset, chunk, time.Now()); err != nil {
		discard(wire.KindImageChunk, "chunk rejected", "err", err)
	}
	return nil
}

// --- Marker move / move-state ---

func (r *Replicator) findMarker(markerID uint64) (*world.Marker, bool) {
	for _, b := range r.Table.Boards {
		if m, ok := b.Markers[markerID]; ok {
			return m, true
		}
	}
	return nil, false
}

func (r *Replicator) applyMarkerMove(body *wire.Reader, fromPeer string) error {
	tableID := body.U64()
	boardID := body.U64()
	markerID := body.U64()
	x, y := body.F32(), body.F32()
	epoch := body.U32()
	seq := body.U32()
	ts := body.U64()
	senderRole := body.U8()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindMarkerMove, body.Err())
	}
	if !r.checkTable(tableID, wire.KindMarkerMove) {
		return nil
	}

	m, ok := r.findMarker(markerID)
	if !ok {
		discard(wire.KindMarkerMove, "unknown marker", "marker_id", markerID)
		return nil
	}
	senderIsGM := dragarbiter.Role(senderRole) == dragarbiter.RoleGM
	if !m.CanMove(fromPeer, senderIsGM) {
		discard(wire.KindMarkerMove, "authority check failed", "marker_id", markerID, "from", fromPeer)
		return nil
	}

	accepted := r.Drag.AcceptIncomingMove(dragarbiter.MoveMsg{
		BoardID: boardID, MarkerID: markerID, Pos: dragarbiter.Pos{X: int(x), Y: int(y)},
		FromPeer: fromPeer, SenderRole: dragarbiter.Role(senderRole), Epoch: epoch, Seq: seq, TsMs: int64(ts),
	})
	if !accepted {
		return nil
	}
	m.Pos = world.Vec2{X: x, Y: y}
	m.Moving = true
	return nil
}

func (r *Replicator) applyMarkerMoveState(body *wire.Reader, fromPeer string) error {
	tableID := body.U64()
	boardID := body.U64()
	markerID := body.U64()
	moving := body.U8()
	hasFinalPos := body.Bool()
	var fx, fy float32
	if hasFinalPos {
		fx, fy = body.F32(), body.F32()
	}
	epoch := body.U32()
	seq := body.U32()
	ts := body.U64()
	senderRole := body.U8()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindMarkerMoveState, body.Err())
	}
	if !r.checkTable(tableID, wire.KindMarkerMoveState) {
		return nil
	}
	m, ok := r.findMarker(markerID)
	if !ok {
		discard(wire.KindMarkerMoveState, "unknown marker", "marker_id", markerID)
		return nil
	}
	senderIsGM := dragarbiter.Role(senderRole) == dragarbiter.RoleGM
	if !m.CanMove(fromPeer, senderIsGM) {
		discard(wire.KindMarkerMoveState, "authority check failed", "marker_id", markerID)
		return nil
	}

	if dragarbiter.Moving(moving) == dragarbiter.MovingStart {
		accepted := r.Drag.AcceptIncomingMove(dragarbiter.MoveMsg{
			BoardID: boardID, MarkerID: markerID, Pos: dragarbiter.Pos{},
			FromPeer: fromPeer, SenderRole: dragarbiter.Role(senderRole), Epoch: epoch, Seq: seq, TsMs: int64(ts),
		})
		if accepted {
			m.Moving = true
		}
		return nil
	}

	var finalPos *dragarbiter.Pos
	if hasFinalPos {
		finalPos = &dragarbiter.Pos{X: int(fx), Y: int(fy)}
	}
	accepted := r.Drag.AcceptIncomingFinal(dragarbiter.FinalMsg{
		BoardID: boardID, MarkerID: markerID, Pos: finalPos, Moving: dragarbiter.MovingEnd,
		FromPeer: fromPeer, SenderRole: dragarbiter.Role(senderRole), Epoch: epoch, Seq: seq, TsMs: int64(ts),
	})
	if !accepted {
		return nil
	}
	m.Moving = false
	if hasFinalPos {
		m.Pos = world.Vec2{X: fx, Y: fy}
	}
	return nil
}

// --- Marker update / delete ---

func (r *Replicator) applyMarkerUpdate(body *wire.Reader, fromPeer string) error {
	tableID := body.U64()
	boardID := body.U64()
	markerID := body.U64()
	hasSize := body.Bool()
	var sw, sh float32
	if hasSize {
		sw, sh = body.F32(), body.F32()
	}
	hasVisible := body.Bool()
	var visible bool
	if hasVisible {
		visible = body.Bool()
	}
	hasComp := body.Bool()
	var ownerUserID string
	var allowAll, locked bool
	if hasComp {
		ownerUserID = body.String()
		allowAll = body.Bool()
		locked = body.Bool()
	}
	senderIsGM := body.Bool()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindMarkerUpdate, body.Err())
	}
	if !r.checkTable(tableID, wire.KindMarkerUpdate) {
		return nil
	}
	_ = boardID
	m, ok := r.findMarker(markerID)
	if !ok {
		// Update ops on unknown ids are dropped (forward-compat).
		discard(wire.KindMarkerUpdate, "unknown marker", "marker_id", markerID)
		return nil
	}

	if hasSize {
		if !senderIsGM {
			discard(wire.KindMarkerUpdate, "size change requires GM", "marker_id", markerID)
		} else {
			m.Size = world.Vec2{X: sw, Y: sh}
		}
	}
	if hasVisible {
		// Anyone may toggle their own marker's visibility; GM may toggle any.
		if senderIsGM || m.Owner.OwnerUserID == fromPeer {
			m.Visible = visible
		} else {
			discard(wire.KindMarkerUpdate, "visibility change requires ownership or GM", "marker_id", markerID)
		}
	}
	if hasComp {
		// Owner/lock component changes are GM-only, same as size.
		if !senderIsGM {
			discard(wire.KindMarkerUpdate, "owner/lock change requires GM", "marker_id", markerID)
		} else {
			m.Owner = world.MarkerOwner{OwnerUserID: ownerUserID, AllowAllPlayersMove: allowAll, Locked: locked}
		}
	}
	return nil
}

func (r *Replicator) applyMarkerDelete(body *wire.Reader, fromPeer string) error {
	tableID := body.U64()
	boardID := body.U64()
	markerID := body.U64()
	senderIsGM := body.Bool()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindMarkerDelete, body.Err())
	}
	if !r.checkTable(tableID, wire.KindMarkerDelete) {
		return nil
	}
	b, ok := r.Table.Boards[boardID]
	if !ok {
		return nil // delete on unknown id: no-op
	}
	m, ok := b.Markers[markerID]
	if !ok {
		return nil // idempotent: already gone
	}
	if !senderIsGM && m.Owner.OwnerUserID != fromPeer {
		discard(wire.KindMarkerDelete, "authority check failed", "marker_id", markerID)
		return nil
	}
	delete(b.Markers, markerID)
	return nil
}

// --- Fog / Grid (GM-authoritative) ---

func (r *Replicator) applyFog(kind wire.Kind, body *wire.Reader, fromPeer string) error {
	tableID := body.U64()
	boardID := body.U64()
	fogID := body.U64()
	senderIsGM := body.Bool()
	var x, y, w, h float32
	var visible bool
	if kind != wire.KindFogDelete {
		x, y = body.F32(), body.F32()
		w, h = body.F32(), body.F32()
		visible = body.Bool()
	}
	if body.Err() != nil {
		return wire.WrapErr(kind, body.Err())
	}
	if !r.checkTable(tableID, kind) {
		return nil
	}
	if !senderIsGM {
		discard(kind, "fog is GM-authoritative", "from", fromPeer)
		return nil
	}
	b, ok := r.Table.Boards[boardID]
	if !ok {
		discard(kind, "unknown board", "board_id", boardID)
		return nil
	}

	switch kind {
	case wire.KindFogDelete:
		delete(b.Fog, fogID) // no-op if already gone
	case wire.KindFogCreate:
		b.Fog[fogID] = &world.Fog{FogID: fogID, BoardID: boardID, Pos: world.Vec2{X: x, Y: y}, Size: world.Vec2{X: w, Y: h}, Visible: visible}
	case wire.KindFogUpdate:
		f, ok := b.Fog[fogID]
		if !ok {
			discard(kind, "unknown fog id", "fog_id", fogID) // update on unknown id: dropped
			return nil
		}
		f.Pos, f.Size, f.Visible = world.Vec2{X: x, Y: y}, world.Vec2{X: w, Y: h}, visible
	}
	return nil
}

func (r *Replicator) applyGridUpdate(body *wire.Reader, fromPeer string) error {
	tableID := body.U64()
	boardID := body.U64()
	senderIsGM := body.Bool()
	offX, offY := body.F32(), body.F32()
	cellSize := body.F32()
	isHex := body.Bool()
	snap := body.Bool()
	visible := body.Bool()
	opacity := body.F32()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindGridUpdate, body.Err())
	}
	if !r.checkTable(tableID, wire.KindGridUpdate) {
		return nil
	}
	if !senderIsGM {
		discard(wire.KindGridUpdate, "grid is GM-authoritative", "from", fromPeer)
		return nil
	}
	b, ok := r.Table.Boards[boardID]
	if !ok {
		discard(wire.KindGridUpdate, "unknown board", "board_id", boardID)
		return nil
	}
	b.Grid = world.Grid{
		Offset: world.Vec2{X: offX, Y: offY}, CellSize: cellSize,
		IsHex: isHex, SnapToGrid: snap, Visible: visible, Opacity: opacity,
	}
	return nil
}

// --- Chat frames ---

func (r *Replicator) applyChatGroupUpsert(body *wire.Reader) error {
	groupID := body.U64()
	name := body.String()
	owner := body.String()
	n := body.I32()
	participants := make([]string, 0, n)
	for i := int32(0); i < n; i++ {
		participants = append(participants, body.String())
	}
	if body.Err() != nil {
		return wire.WrapErr(wire.KindChatGroupCreate, body.Err())
	}
	if groupID == world.GeneralGroupID {
		return nil // General is not created/renamed over the wire
	}
	g := r.Chat.Group(groupID)
	if g == nil {
		r.Chat.CreateOrUpdateGroup(name, participants, owner)
		return nil
	}
	g.Name = name
	return nil
}

func (r *Replicator) applyChatGroupDelete(body *wire.Reader) error {
	groupID := body.U64()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindChatGroupDelete, body.Err())
	}
	if err := r.Chat.DeleteGroup(groupID); err != nil {
		discard(wire.KindChatGroupDelete, "rejected", "err", err)
	}
	return nil
}

func (r *Replicator) applyChatMessage(body *wire.Reader) error {
	groupID := body.U64()
	ts := body.U64()
	senderUserID := body.String()
	displayName := body.String()
	text := body.String()
	replyTo := body.U64()
	msgID := body.U64()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindChatMessage, body.Err())
	}
	msg := world.ChatMessage{
		MsgID: msgID, SenderUserID: senderUserID, DisplayName: displayName,
		Kind: world.ClassifyContent(text), Content: text,
		TimestampSec: int64(ts), ReplyToMsgID: replyTo,
	}
	if err := r.Chat.AppendMessage(groupID, msg, false); err != nil {
		discard(wire.KindChatMessage, "unknown group", "group_id", groupID)
		return nil
	}
	if r.OnChatMessage != nil {
		r.OnChatMessage(groupID, msg)
	}
	return nil
}

func (r *Replicator) applyChatMsgEdit(body *wire.Reader, fromPeer string) error {
	msgID := body.U64()
	newContent := body.String()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindChatMsgEdit, body.Err())
	}
	if err := r.Chat.EditMessage(msgID, fromPeer, newContent); err != nil {
		discard(wire.KindChatMsgEdit, "rejected", "err", err)
	}
	return nil
}

func (r *Replicator) applyChatMsgDelete(body *wire.Reader, fromPeer string) error {
	msgID := body.U64()
	senderIsGM := body.Bool()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindChatMsgDelete, body.Err())
	}
	if err := r.Chat.DeleteMessage(msgID, fromPeer, senderIsGM); err != nil {
		discard(wire.KindChatMsgDelete, "rejected", "err", err)
	}
	return nil
}

func (r *Replicator) applyChatReaction(body *wire.Reader, add bool) error {
	msgID := body.U64()
	userID := body.String()
	emoji := body.String()
	if body.Err() != nil {
		return wire.WrapErr(wire.KindChatReactionAdd, body.Err())
	}
	if add {
		r.Chat.AddReaction(msgID, userID, emoji)
	} else {
		r.Chat.RemoveReaction(msgID, userID, emoji)
	}
	return nil
}

func (r *Replicator) applyUserNameUpdate(body *wire.Reader) error {
	userID := body.String()
	_ = body.String() // oldName: carried for diagnostics, not needed to apply
	newName := body.String()
	rebound := body.U8() != 0
	if body.Err() != nil {
		return wire.WrapErr(wire.KindUserNameUpdate, body.Err())
	}
	if r.OnUserNameUpdate != nil {
		r.OnUserNameUpdate(userID, newName, rebound)
	}
	return nil
}
