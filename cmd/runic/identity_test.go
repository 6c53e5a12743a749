package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	w.Close()
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func TestIdentitySetThenShowRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")

	captureStdout(t, func() {
		runIdentity([]string{"-identity", path, "set", "42", "Alice"})
	})

	out := captureStdout(t, func() {
		runIdentity([]string{"-identity", path, "show", "42"})
	})
	if strings.TrimSpace(out) != "Alice" {
		t.Errorf("show output = %q, want Alice", out)
	}
}

func TestIdentityShowUnknownTableReturnsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")

	out := captureStdout(t, func() {
		runIdentity([]string{"-identity", path, "show", "7"})
	})
	if strings.TrimSpace(out) != "Player" {
		t.Errorf("show output = %q, want Player (default username)", out)
	}
}
