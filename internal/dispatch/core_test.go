package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rustyguts/runic/internal/wire"
)

type recordingHandler struct {
	mu      sync.Mutex
	applied []string
}

func (h *recordingHandler) ApplyFrame(kind wire.Kind, body *wire.Reader, fromPeer string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied = append(h.applied, fromPeer)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.applied)
}

func pingFrame() []byte {
	return wire.Encode(wire.KindUserNameUpdate, func(w *wire.Writer) {
		w.String("u1")
		w.String("old")
		w.String("new")
		w.U8(0)
	})
}

func TestDrainSyncAppliesEnqueuedFrame(t *testing.T) {
	h := &recordingHandler{}
	c := New(h)
	c.Enqueue("peer-a", pingFrame())

	n := c.DrainSync()
	if n != 1 {
		t.Fatalf("DrainSync applied %d, want 1", n)
	}
	if h.count() != 1 {
		t.Fatalf("handler saw %d frames, want 1", h.count())
	}
}

func TestDrainIsBoundedByMaxPerTick(t *testing.T) {
	h := &recordingHandler{}
	c := New(h)
	for i := 0; i < MaxPerTick+10; i++ {
		c.Enqueue("peer-a", pingFrame())
	}
	c.decodeBatch()

	first := c.Drain()
	if first != MaxPerTick {
		t.Fatalf("first Drain applied %d, want %d", first, MaxPerTick)
	}
	second := c.Drain()
	if second != 10 {
		t.Fatalf("second Drain applied %d, want 10", second)
	}
}

func TestUndecodableFrameIsDroppedNotFatal(t *testing.T) {
	h := &recordingHandler{}
	c := New(h)
	c.Enqueue("peer-a", []byte{}) // too short to decode a kind byte
	c.Enqueue("peer-a", pingFrame())

	n := c.DrainSync()
	if n != 1 {
		t.Fatalf("DrainSync applied %d, want 1 (bad frame silently dropped)", n)
	}
}

func TestRunDecodeWorkerMovesRawIntoReady(t *testing.T) {
	h := &recordingHandler{}
	c := New(h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunDecodeWorker(ctx)

	c.Enqueue("peer-a", pingFrame())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n := c.Drain(); n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("background decode worker never moved the frame into the ready queue")
}
