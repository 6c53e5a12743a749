package chatlog

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "chatlog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAppendThenRecentReturnsOldestFirst(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	for i, ts := range []int64{100, 200, 300} {
		if err := a.Append(ctx, Entry{
			MsgID: uint64(i + 1), GroupID: 1, SenderUserID: "alice",
			DisplayName: "Alice", Content: "msg", TimestampSec: ts,
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := a.Recent(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 || entries[0].TimestampSec != 100 || entries[2].TimestampSec != 300 {
		t.Fatalf("entries = %+v, want oldest-first 100,200,300", entries)
	}
}

func TestAppendIsUpsertOnEdit(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	a.Append(ctx, Entry{MsgID: 1, GroupID: 1, SenderUserID: "alice", Content: "original", TimestampSec: 1})
	a.Append(ctx, Entry{MsgID: 1, GroupID: 1, SenderUserID: "alice", Content: "edited", TimestampSec: 1})

	entries, err := a.Recent(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "edited" {
		t.Fatalf("entries = %+v, want a single edited row", entries)
	}
}

func TestMarkDeletedTombstonesContent(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	a.Append(ctx, Entry{MsgID: 5, GroupID: 1, SenderUserID: "alice", Content: "secret", TimestampSec: 1})

	if err := a.MarkDeleted(ctx, 5); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	entries, err := a.Recent(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || !entries[0].Deleted || entries[0].Content != "" {
		t.Fatalf("entries = %+v, want tombstoned", entries)
	}
}

func TestSearchIsCaseInsensitiveAndExcludesDeleted(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	a.Append(ctx, Entry{MsgID: 1, GroupID: 1, SenderUserID: "alice", Content: "the Dragon awakens", TimestampSec: 1})
	a.Append(ctx, Entry{MsgID: 2, GroupID: 1, SenderUserID: "bob", Content: "a dragon's hoard", TimestampSec: 2})
	a.Append(ctx, Entry{MsgID: 3, GroupID: 1, SenderUserID: "alice", Content: "dragon gossip", TimestampSec: 3})
	a.MarkDeleted(ctx, 3)

	results, err := a.Search(ctx, 1, "DRAGON", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v, want 2 (tombstoned message excluded)", results)
	}
}

func TestSearchEscapesLikeWildcards(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	a.Append(ctx, Entry{MsgID: 1, GroupID: 1, SenderUserID: "alice", Content: "50% off at the shop", TimestampSec: 1})
	a.Append(ctx, Entry{MsgID: 2, GroupID: 1, SenderUserID: "alice", Content: "5000 gold pieces", TimestampSec: 2})

	results, err := a.Search(ctx, 1, "50%", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].MsgID != 1 {
		t.Fatalf("results = %+v, want only msg 1 (literal '50%%' match)", results)
	}
}
