// Package bootstrap drives the GM-only sequence that brings a newly
// connected peer up to date: a table snapshot, then per-board commits
// with their images, markers with their images, fog, and finally chat
// group metadata. Non-GM peers never initiate this sequence; they only
// consume it.
package bootstrap

import (
	"log/slog"
	"sort"

	"github.com/rustyguts/runic/internal/imagetransfer"
	"github.com/rustyguts/runic/internal/replicator"
	"github.com/rustyguts/runic/internal/world"
)

// Sender delivers one encoded frame to one peer, in order, on the game
// channel. Implemented by internal/peerlink.Link.Send bound to LabelGame.
type Sender func(frame []byte)

// Table groups the sources an Orchestrator reads from; it never mutates
// them.
type Table struct {
	GameTable *world.GameTable
	Groups    []ChatGroupMeta
}

// ChatGroupMeta is the metadata-only view of a chat group sent during
// bootstrap; message history is deliberately not backfilled.
type ChatGroupMeta struct {
	GroupID      uint64
	Name         string
	OwnerUserID  string
	Participants []string
}

// Orchestrator streams one peer's bootstrap sequence.
type Orchestrator struct {
	sender Sender
}

// New returns an Orchestrator that writes every frame to send.
func New(send Sender) *Orchestrator {
	return &Orchestrator{sender: send}
}

// Run executes the full bootstrap sequence for t against the peer bound
// to the Orchestrator's Sender. Run does not return until every frame
// has been handed to the sender; callers invoke it from a background
// goroutine so it never blocks Dispatch Core's drain loop.
func (o *Orchestrator) Run(t Table) {
	gt := t.GameTable
	slog.Info("bootstrap starting", "table_id", gt.TableID, "board_count", len(gt.Boards))

	o.sender(replicator.EncodeSnapshotGameTable(gt))

	for _, b := range gt.Boards {
		o.sendBoard(gt.TableID, b)
	}

	for _, g := range t.Groups {
		o.sender(replicator.EncodeChatGroupUpsert(true, g.GroupID, g.Name, g.OwnerUserID, g.Participants))
	}

	slog.Info("bootstrap complete", "table_id", gt.TableID)
}

func (o *Orchestrator) sendBoard(tableID uint64, b *world.Board) {
	o.sender(replicator.EncodeCommitBoard(tableID, b))
	o.streamImage(tableID, imagetransfer.OwnerBoard, b.BoardID, b.Image)

	// Markers go out in ascending id order so the sequence is deterministic.
	markerIDs := make([]uint64, 0, len(b.Markers))
	for id := range b.Markers {
		markerIDs = append(markerIDs, id)
	}
	sort.Slice(markerIDs, func(i, j int) bool { return markerIDs[i] < markerIDs[j] })
	for _, id := range markerIDs {
		m := b.Markers[id]
		o.sender(replicator.EncodeCommitMarker(tableID, m))
		o.streamImage(tableID, imagetransfer.OwnerMarker, m.MarkerID, m.Image)
	}

	for _, f := range b.Fog {
		o.sender(replicator.EncodeFogCreate(tableID, f, true))
	}
}

func (o *Orchestrator) streamImage(tableID uint64, kind imagetransfer.OwnerKind, id uint64, image []byte) {
	sender := imagetransfer.NewSender(nil)
	key := imagetransfer.Key{Kind: kind, ID: id}
	if err := sender.Send(key, image, func(offset uint64, chunk []byte) error {
		o.sender(replicator.EncodeImageChunk(tableID, kind, id, offset, chunk))
		return nil
	}, func(msg string) {
		slog.Debug(msg)
	}); err != nil {
		slog.Warn("bootstrap image stream failed", "kind", kind, "id", id, "err", err)
	}
}
