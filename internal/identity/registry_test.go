package identity

import (
	"path/filepath"
	"testing"
)

func TestResolveUsernamePriority(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "identity.bin"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if got := r.ResolveUsername(1, ""); got != DefaultUsername {
		t.Fatalf("no override, no saved: got %q, want %q", got, DefaultUsername)
	}

	r.SetUsername(1, "Alex")
	if got := r.ResolveUsername(1, ""); got != "Alex" {
		t.Fatalf("saved entry: got %q, want Alex", got)
	}

	if got := r.ResolveUsername(1, "Override"); got != "Override" {
		t.Fatalf("explicit override should win: got %q", got)
	}

	if got := r.ResolveUsername(2, ""); got != DefaultUsername {
		t.Fatalf("different table with no saved entry: got %q, want %q", got, DefaultUsername)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.bin")

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.SetUsername(100, "Alex")
	r.SetUsername(200, "Jamie")
	if err := r.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := r2.ResolveUsername(100, ""); got != "Alex" {
		t.Errorf("table 100: got %q, want Alex", got)
	}
	if got := r2.ResolveUsername(200, ""); got != "Jamie" {
		t.Errorf("table 200: got %q, want Jamie", got)
	}
}

// TestUsernameCollisionScenario exercises spec scenario 6: U2 renames to a
// name already held by U1 on the same table; the receiver must suffix it
// and ask for exactly one rebound broadcast.
func TestUsernameCollisionScenario(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "identity.bin"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const table = uint64(1)
	applied, rebroadcast := r.ApplyRemoteUsernameUpdate(table, "U1", "Alex", false)
	if applied != "Alex" || rebroadcast {
		t.Fatalf("first arrival: applied=%q rebroadcast=%v, want Alex/false", applied, rebroadcast)
	}
	applied, _ = r.ApplyRemoteUsernameUpdate(table, "U2", "Jamie", false)
	if applied != "Jamie" {
		t.Fatalf("U2 initial name: got %q", applied)
	}

	applied, rebroadcast = r.ApplyRemoteUsernameUpdate(table, "U2", "Alex", false)
	if applied != "Alex (2)" {
		t.Fatalf("collision: applied = %q, want %q", applied, "Alex (2)")
	}
	if !rebroadcast {
		t.Fatalf("collision should trigger exactly one rebound broadcast")
	}

	name, ok := r.RemoteDisplayName(table, "U2")
	if !ok || name != "Alex (2)" {
		t.Fatalf("RemoteDisplayName(U2) = %q, %v, want Alex (2), true", name, ok)
	}

	// The rebound frame itself must never trigger another rebind.
	applied, rebroadcast = r.ApplyRemoteUsernameUpdate(table, "U2", "Alex (2)", true)
	if applied != "Alex (2)" || rebroadcast {
		t.Fatalf("rebound application: applied=%q rebroadcast=%v, want Alex (2)/false", applied, rebroadcast)
	}
}

func TestLoadMissingFileIsEmptyNotError(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "does-not-exist.bin"))
	if err != nil {
		t.Fatalf("Open on missing file should not error: %v", err)
	}
	if got := r.ResolveUsername(1, ""); got != DefaultUsername {
		t.Fatalf("got %q, want %q", got, DefaultUsername)
	}
}
