package imagetransfer

import (
	"bytes"
	"testing"
	"time"
)

func TestSendThenReceiveReassemblesOriginalBytes(t *testing.T) {
	original := make([]byte, 20000)
	for i := range original {
		original[i] = byte(i % 251)
	}

	key := Key{Kind: OwnerBoard, ID: 7}
	now := time.Now()

	var completedBuf []byte
	var completedMeta any
	completed := false
	r := NewReceiver(time.Minute, func(k Key, buf []byte, meta any) {
		if k != key {
			t.Fatalf("unexpected completion key %+v", k)
		}
		completedBuf = append([]byte(nil), buf...)
		completedMeta = meta
		completed = true
	})

	r.RecordCommit(key, uint64(len(original)), "board-meta", now)

	sender := NewSender(nil)
	yieldCount := 0
	sender.yieldFunc = func() { yieldCount++ }

	chunkCount := 0
	err := sender.Send(key, original, func(offset uint64, chunk []byte) error {
		chunkCount++
		return r.RecordChunk(key, offset, chunk, now)
	}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	wantChunks := (len(original) + DefaultChunkSize - 1) / DefaultChunkSize
	if chunkCount != wantChunks {
		t.Fatalf("chunkCount = %d, want %d", chunkCount, wantChunks)
	}
	if !completed {
		t.Fatalf("transfer should have completed")
	}
	if !bytes.Equal(completedBuf, original) {
		t.Fatalf("reassembled bytes do not match original")
	}
	if completedMeta != "board-meta" {
		t.Fatalf("meta = %v, want board-meta", completedMeta)
	}
	if r.InFlight() != 0 {
		t.Fatalf("InFlight = %d, want 0 after completion", r.InFlight())
	}
}

func TestZeroByteImageCompletesOnCommitAlone(t *testing.T) {
	key := Key{Kind: OwnerMarker, ID: 99}
	now := time.Now()

	var got []byte
	completed := false
	r := NewReceiver(time.Minute, func(k Key, buf []byte, meta any) {
		got = buf
		completed = true
	})

	r.RecordCommit(key, 0, "marker-meta", now)
	if !completed {
		t.Fatalf("zero-byte image should complete immediately on Commit")
	}
	if len(got) != 0 {
		t.Fatalf("buffer should be empty, got %d bytes", len(got))
	}
}

func TestChunksArrivingBeforeCommitAreNotLost(t *testing.T) {
	key := Key{Kind: OwnerBoard, ID: 1}
	now := time.Now()
	data := []byte("hello world, this is image data")

	completed := false
	var got []byte
	r := NewReceiver(time.Minute, func(k Key, buf []byte, meta any) {
		completed = true
		got = buf
	})

	// Chunk arrives first.
	if err := r.RecordChunk(key, 0, data, now); err != nil {
		t.Fatalf("RecordChunk: %v", err)
	}
	if completed {
		t.Fatalf("must not complete before the Commit meta frame arrives")
	}
	// Commit arrives after.
	r.RecordCommit(key, uint64(len(data)), "meta", now)
	if !completed {
		t.Fatalf("should complete once Commit arrives matching already-received bytes")
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("reassembled = %q, want %q", got, data)
	}
}

func TestStaleTransferIsEvicted(t *testing.T) {
	key := Key{Kind: OwnerBoard, ID: 5}
	start := time.Now()
	r := NewReceiver(time.Second, nil)

	r.RecordCommit(key, 100, "meta", start)
	if r.InFlight() != 1 {
		t.Fatalf("expected one in-flight transfer")
	}

	later := start.Add(2 * time.Second)
	evicted := r.EvictStale(later)
	if len(evicted) != 1 || evicted[0] != key {
		t.Fatalf("evicted = %v, want [%+v]", evicted, key)
	}
	if r.InFlight() != 0 {
		t.Fatalf("InFlight after eviction = %d, want 0", r.InFlight())
	}
}

func TestOverrunChunkIsRejected(t *testing.T) {
	key := Key{Kind: OwnerBoard, ID: 2}
	now := time.Now()
	r := NewReceiver(time.Minute, nil)
	r.RecordCommit(key, 10, "meta", now)

	err := r.RecordChunk(key, 5, []byte("toolongforthis"), now)
	if err == nil {
		t.Fatalf("chunk overrunning the declared total should be rejected")
	}
}

func TestRecommitReplacesAttributesAndQueuesReupload(t *testing.T) {
	key := Key{Kind: OwnerMarker, ID: 3}
	now := time.Now()

	var completions []string
	r := NewReceiver(time.Minute, func(k Key, buf []byte, meta any) {
		completions = append(completions, meta.(string))
	})

	r.RecordCommit(key, 4, "v1", now)
	r.RecordChunk(key, 0, []byte("abcd"), now)
	if len(completions) != 1 || completions[0] != "v1" {
		t.Fatalf("first completion = %v", completions)
	}

	// A later Commit for the same id with a new image replaces attributes
	// and expects a fresh set of chunks.
	r.RecordCommit(key, 4, "v2", now)
	r.RecordChunk(key, 0, []byte("efgh"), now)
	if len(completions) != 2 || completions[1] != "v2" {
		t.Fatalf("second completion = %v", completions)
	}
}
