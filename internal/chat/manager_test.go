package chat

import (
	"testing"

	"github.com/rustyguts/runic/internal/world"
)

func TestGeneralGroupExistsAndCannotBeDeleted(t *testing.T) {
	m := New()
	g := m.Group(world.GeneralGroupID)
	if g == nil || !g.IsGeneral() {
		t.Fatalf("General group must exist after New()")
	}
	if err := m.DeleteGroup(world.GeneralGroupID); err == nil {
		t.Fatalf("deleting General must be forbidden")
	}
	if m.Group(world.GeneralGroupID) == nil {
		t.Fatalf("General must still exist after a rejected delete")
	}
}

func TestStableGroupIDIsOrderIndependent(t *testing.T) {
	a := StableGroupID([]string{"alice", "bob", "carol"})
	b := StableGroupID([]string{"carol", "alice", "bob"})
	if a != b {
		t.Fatalf("StableGroupID should not depend on input order: %d != %d", a, b)
	}
	different := StableGroupID([]string{"alice", "bob"})
	if different == a {
		t.Fatalf("different participant sets should not collide (in this test)")
	}
}

func TestCreateGroupWithSameParticipantsCoercesToUpdate(t *testing.T) {
	m := New()
	g1 := m.CreateOrUpdateGroup("Party A", []string{"alice", "bob"}, "alice")
	g2 := m.CreateOrUpdateGroup("Party A Renamed", []string{"bob", "alice"}, "alice")
	if g1.GroupID != g2.GroupID {
		t.Fatalf("same participant set (reordered) should resolve to the same group")
	}
	if m.Group(g1.GroupID).Name != "Party A Renamed" {
		t.Fatalf("second create with same participants should rename, not duplicate")
	}
}

func TestDeliveryForGeneralIsBroadcast(t *testing.T) {
	m := New()
	if m.DeliveryFor(world.GeneralGroupID) != DeliveryBroadcast {
		t.Fatalf("General must always be broadcast delivery")
	}
	g := m.CreateOrUpdateGroup("DM", []string{"a", "b"}, "a")
	if m.DeliveryFor(g.GroupID) != DeliveryTargeted {
		t.Fatalf("ad-hoc group with participants must be targeted delivery")
	}
}

func TestEditRequiresOwnership(t *testing.T) {
	m := New()
	msg := world.ChatMessage{MsgID: 1, SenderUserID: "alice", DisplayName: "Alice", Content: "hello"}
	if err := m.AppendMessage(world.GeneralGroupID, msg, true); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := m.EditMessage(1, "bob", "hijacked"); err == nil {
		t.Fatalf("non-owner edit must be rejected")
	}
	if err := m.EditMessage(1, "alice", "hello (edited)"); err != nil {
		t.Fatalf("owner edit should succeed: %v", err)
	}
	if got := m.Preview(1).Message; got != "hello (edited)" {
		t.Fatalf("preview after edit = %q", got)
	}
}

func TestDeleteTombstonesForReplyPreview(t *testing.T) {
	m := New()
	msg := world.ChatMessage{MsgID: 5, SenderUserID: "alice", DisplayName: "Alice", Content: "secret"}
	m.AppendMessage(world.GeneralGroupID, msg, true)

	if err := m.DeleteMessage(5, "bob", false); err == nil {
		t.Fatalf("non-owner, non-GM delete must be rejected")
	}
	if err := m.DeleteMessage(5, "alice", false); err != nil {
		t.Fatalf("owner delete should succeed: %v", err)
	}
	preview := m.Preview(5)
	if preview == nil || !preview.Deleted || preview.Message != "" {
		t.Fatalf("deleted message preview = %+v, want tombstoned", preview)
	}
}

func TestGMCanDeleteAnyMessage(t *testing.T) {
	m := New()
	msg := world.ChatMessage{MsgID: 9, SenderUserID: "alice", DisplayName: "Alice", Content: "x"}
	m.AppendMessage(world.GeneralGroupID, msg, true)
	if err := m.DeleteMessage(9, "gm-user", true); err != nil {
		t.Fatalf("GM delete should succeed: %v", err)
	}
}

func TestReactionsAggregateByEmoji(t *testing.T) {
	m := New()
	msg := world.ChatMessage{MsgID: 2, SenderUserID: "alice", DisplayName: "Alice", Content: "hi"}
	m.AppendMessage(world.GeneralGroupID, msg, true)

	if !m.AddReaction(2, "bob", "👍") {
		t.Fatalf("first reaction should be recorded")
	}
	if m.AddReaction(2, "bob", "👍") {
		t.Fatalf("duplicate reaction from same user+emoji should be rejected")
	}
	m.AddReaction(2, "carol", "👍")
	m.AddReaction(2, "carol", "🎉")

	reactions := m.Reactions(2)
	if len(reactions) != 2 {
		t.Fatalf("expected 2 distinct emoji groups, got %d", len(reactions))
	}

	if !m.RemoveReaction(2, "bob", "👍") {
		t.Fatalf("removing an existing reaction should succeed")
	}
	if m.RemoveReaction(2, "bob", "👍") {
		t.Fatalf("removing an already-removed reaction should fail")
	}
}

func TestExpandSlashCommandRoll(t *testing.T) {
	fakeRoll := func(n, sides, modifier int) (int, []int) {
		rolls := make([]int, n)
		total := 0
		for i := range rolls {
			rolls[i] = sides // deterministic stand-in for a real dice roller
			total += sides
		}
		return total + modifier, rolls
	}

	out, ok := ExpandSlashCommand("/roll 2d6+3", fakeRoll)
	if !ok {
		t.Fatalf("expected /roll to be recognized")
	}
	want := "rolled 2d6 + 3: [6, 6] = 15"
	if out != want {
		t.Fatalf("out = %q, want %q", out, want)
	}

	if _, ok := ExpandSlashCommand("not a command", fakeRoll); ok {
		t.Fatalf("plain text must not be treated as a command")
	}
}

func TestExpandSlashCommandInvalidExpr(t *testing.T) {
	_, ok := ExpandSlashCommand("/roll garbage", func(n, sides, modifier int) (int, []int) { return 0, nil })
	if !ok {
		t.Fatalf("a malformed /roll should still be recognized as a command (to render the error)")
	}
}
