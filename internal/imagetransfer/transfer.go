// Package imagetransfer implements the chunked image send/receive protocol
// for board maps and marker tokens: a meta (Commit) frame carrying the
// total byte count, followed by a run of offset-addressed chunks, with
// implicit completion once the accumulated bytes match the announced
// total and the meta frame has been recorded.
package imagetransfer

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// OwnerKind distinguishes which entity kind an image belongs to.
type OwnerKind uint8

const (
	OwnerBoard OwnerKind = iota
	OwnerMarker
)

// DefaultChunkSize is the sender-side chunk size: 8 KiB.
const DefaultChunkSize = 8 * 1024

// YieldEveryNChunks is how often the sender yields to avoid starving the
// channel with a long run of large chunks.
const YieldEveryNChunks = 48

// Key identifies one in-flight image transfer.
type Key struct {
	Kind OwnerKind
	ID   uint64
}

// Pending tracks one (kind,id) image transfer in progress.
type Pending struct {
	Kind            OwnerKind
	ID              uint64
	Total           uint64
	Received        uint64
	Buffer          []byte
	CommitRequested bool
	Meta            any
	LastProgress    time.Time
}

// completed reports whether this transfer is ready to instantiate: either
// the declared total is zero (no chunks expected at all) or every
// announced byte has arrived, and in both cases the meta frame has been
// recorded.
func (p *Pending) completed() bool {
	if !p.CommitRequested {
		return false
	}
	return p.Total == 0 || p.Received == p.Total
}

// CompleteFunc is invoked once a transfer completes; buffer is the
// reassembled image bytes (possibly empty for a zero-byte image).
type CompleteFunc func(key Key, buffer []byte, meta any)

// Receiver accumulates chunks for in-flight image transfers. It is meant
// to be driven only from the main/dispatch thread, matching the rest of
// the world-model state (spec's pending-image map has no lock).
type Receiver struct {
	pending      map[Key]*Pending
	staleTimeout time.Duration
	onComplete   CompleteFunc
}

// NewReceiver builds a Receiver. staleTimeout bounds how long a transfer
// may sit with no new chunk before EvictStale reaps it.
func NewReceiver(staleTimeout time.Duration, onComplete CompleteFunc) *Receiver {
	return &Receiver{
		pending:      make(map[Key]*Pending),
		staleTimeout: staleTimeout,
		onComplete:   onComplete,
	}
}

func (r *Receiver) entry(key Key, now time.Time) *Pending {
	p, ok := r.pending[key]
	if !ok {
		p = &Pending{Kind: key.Kind, ID: key.ID, LastProgress: now}
		r.pending[key] = p
	}
	return p
}

// RecordCommit records a Commit meta frame's total byte count and
// attributes for key. A Commit for an entity that already has a transfer
// in flight replaces its attributes and, when total > 0, re-queues the
// image buffer for a fresh upload.
func (r *Receiver) RecordCommit(key Key, total uint64, meta any, now time.Time) {
	p := r.entry(key, now)
	recommit := p.CommitRequested
	p.Total = total
	p.Meta = meta
	p.CommitRequested = true
	p.LastProgress = now
	switch {
	case total > 0 && recommit:
		p.Buffer = make([]byte, total)
		p.Received = 0
	case uint64(len(p.Buffer)) < total:
		// Keep any chunks that arrived before this first Commit.
		grown := make([]byte, total)
		copy(grown, p.Buffer)
		p.Buffer = grown
	}
	r.tryComplete(key, p)
}

// RecordChunk places an image chunk's bytes at offset and reports whether
// the chunk was accepted. A chunk landing past the declared total is
// rejected without mutating the buffer; a chunk arriving before any Commit
// is buffered until the Commit announces the total.
func (r *Receiver) RecordChunk(key Key, offset uint64, chunk []byte, now time.Time) error {
	p := r.entry(key, now)
	if p.Total == 0 && !p.CommitRequested {
		// No Commit seen yet: grow the buffer optimistically so chunks
		// arriving before their meta frame are not dropped (order of
		// arrival between meta and chunks is not guaranteed).
		need := offset + uint64(len(chunk))
		if uint64(len(p.Buffer)) < need {
			grown := make([]byte, need)
			copy(grown, p.Buffer)
			p.Buffer = grown
		}
	}
	if p.Total > 0 && offset+uint64(len(chunk)) > p.Total {
		return fmt.Errorf("imagetransfer: chunk for %+v overruns total %d", key, p.Total)
	}
	if offset+uint64(len(chunk)) > uint64(len(p.Buffer)) {
		grown := make([]byte, offset+uint64(len(chunk)))
		copy(grown, p.Buffer)
		p.Buffer = grown
	}
	copy(p.Buffer[offset:], chunk)
	p.Received += uint64(len(chunk))
	p.LastProgress = now
	r.tryComplete(key, p)
	return nil
}

func (r *Receiver) tryComplete(key Key, p *Pending) {
	if !p.completed() {
		return
	}
	buffer := p.Buffer
	meta := p.Meta
	delete(r.pending, key)
	if r.onComplete != nil {
		r.onComplete(key, buffer, meta)
	}
}

// EvictStale removes transfers that have made no progress within
// staleTimeout of now, returning the evicted keys so callers can log them.
// The owning entity keeps its last-known attributes without an image
// until a new Commit arrives.
func (r *Receiver) EvictStale(now time.Time) []Key {
	var evicted []Key
	for key, p := range r.pending {
		if now.Sub(p.LastProgress) > r.staleTimeout {
			evicted = append(evicted, key)
			delete(r.pending, key)
		}
	}
	return evicted
}

// InFlight reports how many transfers are currently pending, for metrics.
func (r *Receiver) InFlight() int {
	return len(r.pending)
}

// ChunkSend is called by a Sender for each outgoing chunk.
type ChunkSend func(offset uint64, chunk []byte) error

// Sender streams image bytes as a run of ChunkSend calls, yielding every
// YieldEveryNChunks chunks so a large image upload does not starve other
// traffic on the same data channel.
type Sender struct {
	chunkSize int
	yieldFunc func()
}

// NewSender builds a Sender with the default chunk size and a yield hook.
// yieldFunc is invoked every YieldEveryNChunks chunks; pass nil to disable
// yielding (e.g. in tests).
func NewSender(yieldFunc func()) *Sender {
	return &Sender{chunkSize: DefaultChunkSize, yieldFunc: yieldFunc}
}

// Send streams image in chunkSize pieces via send, logging progress in
// human-readable byte counts.
func (s *Sender) Send(key Key, image []byte, send ChunkSend, logProgress func(msg string)) error {
	total := uint64(len(image))
	if total == 0 {
		return nil
	}
	sent := 0
	for offset := uint64(0); offset < total; offset += uint64(s.chunkSize) {
		end := offset + uint64(s.chunkSize)
		if end > total {
			end = total
		}
		if err := send(offset, image[offset:end]); err != nil {
			return fmt.Errorf("imagetransfer: send chunk at offset %d: %w", offset, err)
		}
		sent++
		if sent%YieldEveryNChunks == 0 {
			if logProgress != nil {
				logProgress(fmt.Sprintf("image transfer progress for %+v: %s/%s",
					key, humanize.Bytes(end), humanize.Bytes(total)))
			}
			if s.yieldFunc != nil {
				s.yieldFunc()
			}
		}
	}
	return nil
}
