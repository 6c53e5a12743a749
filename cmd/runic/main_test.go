package main

import "testing"

func TestRunCLIReturnsFalseForUnknownSubcommand(t *testing.T) {
	if RunCLI([]string{"frobnicate"}) {
		t.Error("RunCLI should return false for an unrecognized subcommand")
	}
}

func TestRunCLIReturnsFalseForEmptyArgs(t *testing.T) {
	if RunCLI(nil) {
		t.Error("RunCLI should return false with no args")
	}
}

func TestRunCLIRecognizesVersion(t *testing.T) {
	if !RunCLI([]string{"version"}) {
		t.Error("RunCLI should handle the version subcommand")
	}
}
