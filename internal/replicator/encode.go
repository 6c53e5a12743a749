package replicator

import (
	"github.com/rustyguts/runic/internal/dragarbiter"
	"github.com/rustyguts/runic/internal/imagetransfer"
	"github.com/rustyguts/runic/internal/wire"
	"github.com/rustyguts/runic/internal/world"
)

// EncodeSnapshotGameTable builds the Snapshot_GameTable frame sent first
// to every newly bootstrapped peer.
func EncodeSnapshotGameTable(t *world.GameTable) []byte {
	return wire.Encode(wire.KindSnapshotGameTable, func(w *wire.Writer) {
		w.U64(t.TableID)
		w.String(t.Name)
	})
}

// EncodeCommitBoard builds the CommitBoard meta frame for b.
func EncodeCommitBoard(tableID uint64, b *world.Board) []byte {
	return wire.Encode(wire.KindCommitBoard, func(w *wire.Writer) {
		w.U64(tableID)
		w.U64(b.BoardID)
		w.String(b.Name)
		w.F32(b.Size.X)
		w.F32(b.Size.Y)
		w.U64(uint64(len(b.Image)))
	})
}

// EncodeCommitMarker builds the CommitMarker meta frame for m.
func EncodeCommitMarker(tableID uint64, m *world.Marker) []byte {
	return wire.Encode(wire.KindCommitMarker, func(w *wire.Writer) {
		w.U64(tableID)
		w.U64(m.BoardID)
		w.U64(m.MarkerID)
		w.F32(m.Pos.X)
		w.F32(m.Pos.Y)
		w.F32(m.Size.X)
		w.F32(m.Size.Y)
		w.Bool(m.Visible)
		w.String(m.Owner.OwnerUserID)
		w.Bool(m.Owner.AllowAllPlayersMove)
		w.Bool(m.Owner.Locked)
		w.U64(uint64(len(m.Image)))
	})
}

// EncodeImageChunk builds one ImageChunk frame.
func EncodeImageChunk(tableID uint64, kind imagetransfer.OwnerKind, id, offset uint64, chunk []byte) []byte {
	return wire.Encode(wire.KindImageChunk, func(w *wire.Writer) {
		w.U64(tableID)
		w.U8(uint8(kind))
		w.U64(id)
		w.U64(offset)
		w.ByteSlice(chunk)
	})
}

// EncodeFogCreate builds a FogCreate frame; senderIsGM must be true for any
// receiver to accept it.
func EncodeFogCreate(tableID uint64, f *world.Fog, senderIsGM bool) []byte {
	return encodeFog(wire.KindFogCreate, tableID, f, senderIsGM)
}

// EncodeFogUpdate builds a FogUpdate frame.
func EncodeFogUpdate(tableID uint64, f *world.Fog, senderIsGM bool) []byte {
	return encodeFog(wire.KindFogUpdate, tableID, f, senderIsGM)
}

func encodeFog(kind wire.Kind, tableID uint64, f *world.Fog, senderIsGM bool) []byte {
	return wire.Encode(kind, func(w *wire.Writer) {
		w.U64(tableID)
		w.U64(f.BoardID)
		w.U64(f.FogID)
		w.Bool(senderIsGM)
		w.F32(f.Pos.X)
		w.F32(f.Pos.Y)
		w.F32(f.Size.X)
		w.F32(f.Size.Y)
		w.Bool(f.Visible)
	})
}

// EncodeFogDelete builds a FogDelete frame.
func EncodeFogDelete(tableID, boardID, fogID uint64, senderIsGM bool) []byte {
	return wire.Encode(wire.KindFogDelete, func(w *wire.Writer) {
		w.U64(tableID)
		w.U64(boardID)
		w.U64(fogID)
		w.Bool(senderIsGM)
	})
}

// EncodeGridUpdate builds a GridUpdate frame.
func EncodeGridUpdate(tableID, boardID uint64, g world.Grid, senderIsGM bool) []byte {
	return wire.Encode(wire.KindGridUpdate, func(w *wire.Writer) {
		w.U64(tableID)
		w.U64(boardID)
		w.Bool(senderIsGM)
		w.F32(g.Offset.X)
		w.F32(g.Offset.Y)
		w.F32(g.CellSize)
		w.Bool(g.IsHex)
		w.Bool(g.SnapToGrid)
		w.Bool(g.Visible)
		w.F32(g.Opacity)
	})
}

// EncodeChatGroupUpsert builds a ChatGroupCreate/Update frame describing
// metadata only (no message history).
func EncodeChatGroupUpsert(create bool, groupID uint64, name, owner string, participants []string) []byte {
	kind := wire.KindChatGroupUpdate
	if create {
		kind = wire.KindChatGroupCreate
	}
	return wire.Encode(kind, func(w *wire.Writer) {
		w.U64(groupID)
		w.String(name)
		w.String(owner)
		w.I32(int32(len(participants)))
		for _, p := range participants {
			w.String(p)
		}
	})
}

// EncodeChatGroupDelete builds a ChatGroupDelete frame.
func EncodeChatGroupDelete(groupID uint64) []byte {
	return wire.Encode(wire.KindChatGroupDelete, func(w *wire.Writer) {
		w.U64(groupID)
	})
}

// EncodeChatMessage builds a ChatMessage frame.
func EncodeChatMessage(groupID uint64, msg world.ChatMessage) []byte {
	return wire.Encode(wire.KindChatMessage, func(w *wire.Writer) {
		w.U64(groupID)
		w.U64(uint64(msg.TimestampSec))
		w.String(msg.SenderUserID)
		w.String(msg.DisplayName)
		w.String(msg.Content)
		w.U64(msg.ReplyToMsgID)
		w.U64(msg.MsgID)
	})
}

// EncodeChatMsgEdit builds a ChatMessageEdit frame.
func EncodeChatMsgEdit(msgID uint64, newContent string) []byte {
	return wire.Encode(wire.KindChatMsgEdit, func(w *wire.Writer) {
		w.U64(msgID)
		w.String(newContent)
	})
}

// EncodeChatMsgDelete builds a ChatMessageDelete frame.
func EncodeChatMsgDelete(msgID uint64, senderIsGM bool) []byte {
	return wire.Encode(wire.KindChatMsgDelete, func(w *wire.Writer) {
		w.U64(msgID)
		w.Bool(senderIsGM)
	})
}

// EncodeChatReaction builds a ChatReactionAdd/Remove frame.
func EncodeChatReaction(add bool, msgID uint64, userID, emoji string) []byte {
	kind := wire.KindChatReactionDel
	if add {
		kind = wire.KindChatReactionAdd
	}
	return wire.Encode(kind, func(w *wire.Writer) {
		w.U64(msgID)
		w.String(userID)
		w.String(emoji)
	})
}

// EncodeUserNameUpdate builds a UserNameUpdate frame.
func EncodeUserNameUpdate(userID, oldName, newName string, rebound bool) []byte {
	return wire.Encode(wire.KindUserNameUpdate, func(w *wire.Writer) {
		w.String(userID)
		w.String(oldName)
		w.String(newName)
		if rebound {
			w.U8(1)
		} else {
			w.U8(0)
		}
	})
}

// EncodeMarkerMove builds a MarkerMove frame from an arbiter-produced
// sample.
func EncodeMarkerMove(tableID uint64, mv dragarbiter.MoveMsg) []byte {
	return wire.Encode(wire.KindMarkerMove, func(w *wire.Writer) {
		w.U64(tableID)
		w.U64(mv.BoardID)
		w.U64(mv.MarkerID)
		w.F32(float32(mv.Pos.X))
		w.F32(float32(mv.Pos.Y))
		w.U32(mv.Epoch)
		w.U32(mv.Seq)
		w.U64(uint64(mv.TsMs))
		w.U8(uint8(mv.SenderRole))
	})
}

// EncodeMarkerMoveState builds a MarkerMoveState frame from an
// arbiter-produced session boundary.
func EncodeMarkerMoveState(tableID uint64, fin dragarbiter.FinalMsg) []byte {
	return wire.Encode(wire.KindMarkerMoveState, func(w *wire.Writer) {
		w.U64(tableID)
		w.U64(fin.BoardID)
		w.U64(fin.MarkerID)
		w.U8(uint8(fin.Moving))
		w.Bool(fin.Pos != nil)
		if fin.Pos != nil {
			w.F32(float32(fin.Pos.X))
			w.F32(float32(fin.Pos.Y))
		}
		w.U32(fin.Epoch)
		w.U32(fin.Seq)
		w.U64(uint64(fin.TsMs))
		w.U8(uint8(fin.SenderRole))
	})
}

// EncodeMarkerUpdate builds a MarkerUpdate frame. Pass nil size/visible/comp
// to omit that attribute from the update. comp carries the owner component
// (ownerUserID/allowAllPlayersMove/locked) so a GM can re-lock or
// re-assign a marker without a full CommitMarker re-commit, e.g. scenario
// 4's "GM sends MarkerUpdate setting locked=true".
func EncodeMarkerUpdate(tableID, boardID, markerID uint64, size *world.Vec2, visible *bool, comp *world.MarkerOwner, senderIsGM bool) []byte {
	return wire.Encode(wire.KindMarkerUpdate, func(w *wire.Writer) {
		w.U64(tableID)
		w.U64(boardID)
		w.U64(markerID)
		w.Bool(size != nil)
		if size != nil {
			w.F32(size.X)
			w.F32(size.Y)
		}
		w.Bool(visible != nil)
		if visible != nil {
			w.Bool(*visible)
		}
		w.Bool(comp != nil)
		if comp != nil {
			w.String(comp.OwnerUserID)
			w.Bool(comp.AllowAllPlayersMove)
			w.Bool(comp.Locked)
		}
		w.Bool(senderIsGM)
	})
}

// EncodeMarkerDelete builds a MarkerDelete frame.
func EncodeMarkerDelete(tableID, boardID, markerID uint64, senderIsGM bool) []byte {
	return wire.Encode(wire.KindMarkerDelete, func(w *wire.Writer) {
		w.U64(tableID)
		w.U64(boardID)
		w.U64(markerID)
		w.Bool(senderIsGM)
	})
}
