// Package dispatch implements the single cooperative drain loop that
// owns all world-model mutation: background I/O (Peer Link callbacks,
// the signaling goroutine) only ever pushes raw bytes into a queue here;
// an optional pre-decode worker turns those into typed ReadyMessage
// records; the main-thread Drain call applies up to a fixed number of
// them per tick.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rustyguts/runic/internal/wire"
)

// MaxPerTick bounds how many frames one Drain call applies, so a burst
// never starves the caller's UI tick.
const MaxPerTick = 32

// RawFrame is a not-yet-decoded message pushed by a Peer Link callback.
type RawFrame struct {
	FromPeer string
	Data     []byte
}

// ReadyMessage is a decoded frame waiting to be applied on the main
// thread.
type ReadyMessage struct {
	FromPeer string
	Kind     wire.Kind
	Body     *wire.Reader
}

// Handler applies one decoded frame to the world model. Implemented by
// internal/replicator.Replicator.
type Handler interface {
	ApplyFrame(kind wire.Kind, body *wire.Reader, fromPeer string) error
}

// Core owns the inbound raw-byte queue and, once decoded, the ready
// queue that Drain consumes. Both queues are lock-protected so Peer
// Link's I/O goroutines and an optional pre-decode worker can produce
// into them without ever touching the world model themselves.
type Core struct {
	handler Handler

	mu  sync.Mutex
	raw []RawFrame

	readyMu sync.Mutex
	ready   []ReadyMessage

	decodeSignal chan struct{}
	stop         chan struct{}
	stopOnce     sync.Once
}

// New builds a Core that applies decoded frames to handler.
func New(handler Handler) *Core {
	return &Core{
		handler:      handler,
		decodeSignal: make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// Enqueue is called from a Peer Link's OnMessage callback (or the
// signaling goroutine, for control-plane frames promoted to the game
// channel). It never blocks on anything but the queue's own mutex.
func (c *Core) Enqueue(fromPeer string, data []byte) {
	c.mu.Lock()
	c.raw = append(c.raw, RawFrame{FromPeer: fromPeer, Data: data})
	c.mu.Unlock()
	select {
	case c.decodeSignal <- struct{}{}:
	default:
	}
}

// RunDecodeWorker pre-decodes raw frames into ReadyMessage records in the
// background, producing only into the lock-protected ready queue. It
// never touches world state and returns when ctx is cancelled.
func (c *Core) RunDecodeWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-c.decodeSignal:
			c.decodeBatch()
		}
	}
}

func (c *Core) decodeBatch() {
	c.mu.Lock()
	batch := c.raw
	c.raw = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	decoded := make([]ReadyMessage, 0, len(batch))
	for _, f := range batch {
		kind, body, err := wire.Decode(f.Data)
		if err != nil {
			slog.Debug("dispatch: dropping undecodable frame", "from", f.FromPeer, "err", err)
			continue
		}
		decoded = append(decoded, ReadyMessage{FromPeer: f.FromPeer, Kind: kind, Body: body})
	}
	c.readyMu.Lock()
	c.ready = append(c.ready, decoded...)
	c.readyMu.Unlock()
}

// Drain applies up to MaxPerTick ready messages to the handler. It is
// meant to be called once per UI tick from the single main thread that
// owns world-model mutation. It returns the number of frames applied.
func (c *Core) Drain() int {
	c.readyMu.Lock()
	n := len(c.ready)
	if n > MaxPerTick {
		n = MaxPerTick
	}
	batch := c.ready[:n]
	c.ready = c.ready[n:]
	c.readyMu.Unlock()

	for _, msg := range batch {
		if err := c.handler.ApplyFrame(msg.Kind, msg.Body, msg.FromPeer); err != nil {
			slog.Debug("dispatch: apply frame failed", "kind", msg.Kind, "from", msg.FromPeer, "err", err)
		}
	}
	return len(batch)
}

// DrainSync decodes and applies raw frames directly, for callers that do
// not run a background decode worker (e.g. tests, or a single-threaded
// embedding). It still respects MaxPerTick.
func (c *Core) DrainSync() int {
	c.decodeBatch()
	return c.Drain()
}

// Pending reports how many frames are queued (raw + decoded-but-not-
// applied), for backpressure metrics.
func (c *Core) Pending() int {
	c.mu.Lock()
	rawN := len(c.raw)
	c.mu.Unlock()
	c.readyMu.Lock()
	readyN := len(c.ready)
	c.readyMu.Unlock()
	return rawN + readyN
}

// RunTicker calls Drain every period until ctx is cancelled, the way the
// teacher's background maintenance goroutines run on a ticker against a
// context.
func (c *Core) RunTicker(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Drain()
		}
	}
}

// Stop signals any running RunDecodeWorker/RunTicker goroutines to exit.
func (c *Core) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
