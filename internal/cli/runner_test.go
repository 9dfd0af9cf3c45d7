package cli

import (
	"bytes"
	"strings"
	"testing"

	nferr "github.com/ggonzalez94/nameflow/internal/errors"
)

func TestVersionCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	runner := NewRunnerWithWriters(&stdout, &stderr)
	if code := runner.Run([]string{"version"}); code != 0 {
		t.Fatalf("version exited %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "0.1.0") {
		t.Fatalf("unexpected version output: %s", stdout.String())
	}
}

func TestConversationFlagsAreRequired(t *testing.T) {
	var stdout, stderr bytes.Buffer
	runner := NewRunnerWithWriters(&stdout, &stderr)
	code := runner.Run([]string{"cancel"})
	if code != int(nferr.CodeUsage) {
		t.Fatalf("expected usage exit code, got %d", code)
	}
	if !strings.Contains(stderr.String(), "--user") {
		t.Fatalf("expected the missing-flag message, got: %s", stderr.String())
	}
}
