package backend

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeTool writes an executable shell script acting as the external tool.
func writeTool(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "tool.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write tool script: %v", err)
	}
	return path
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script tool not available on windows")
	}
}

func TestLocal_Success(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	j := makeJob(t, dir)
	tool := writeTool(t, dir, "touch "+j.Artifacts[0].Path)

	b, err := NewLocal(LocalConfig{Tool: []string{tool}})
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}

	h, err := b.Submit(context.Background(), j)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.ExitCode != 0 || res.Err != nil {
		t.Errorf("result = %+v, want clean exit", res)
	}

	// The resolved graph document is handed to the tool.
	if _, err := os.Stat(j.GraphPath); err != nil {
		t.Errorf("graph document not written: %v", err)
	}
}

func TestLocal_NonZeroExit(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	j := makeJob(t, dir)
	tool := writeTool(t, dir, "exit 3")

	b, _ := NewLocal(LocalConfig{Tool: []string{tool}})
	h, err := b.Submit(context.Background(), j)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	var ee *ExecutionError
	if !errors.As(res.Err, &ee) {
		t.Fatalf("expected *ExecutionError, got %v", res.Err)
	}
	if ee.ExitCode != 3 || res.ExitCode != 3 {
		t.Errorf("exit code = %d/%d, want 3", ee.ExitCode, res.ExitCode)
	}
}

func TestLocal_MissingOutputIsFailure(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	j := makeJob(t, dir)
	tool := writeTool(t, dir, "exit 0")

	b, _ := NewLocal(LocalConfig{Tool: []string{tool}})
	h, err := b.Submit(context.Background(), j)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	var ee *ExecutionError
	if !errors.As(res.Err, &ee) {
		t.Fatalf("expected *ExecutionError for missing output, got %v", res.Err)
	}
	if !strings.Contains(ee.Reason, "missing") {
		t.Errorf("reason = %q, want missing-output explanation", ee.Reason)
	}
}

func TestLocal_Cancel(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	j := makeJob(t, dir)
	tool := writeTool(t, dir, "sleep 60")

	b, _ := NewLocal(LocalConfig{Tool: []string{tool}, StopGrace: 2 * time.Second})
	h, err := b.Submit(context.Background(), j)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := h.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := h.Wait(waitCtx)
	if err != nil {
		t.Fatalf("Wait after cancel failed: %v", err)
	}
	if res.Err == nil {
		t.Error("expected a terminated attempt to report an error")
	}
}

func TestLocal_Logs(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	j := makeJob(t, dir)
	tool := writeTool(t, dir, "echo reconstructing; touch "+j.Artifacts[0].Path)

	b, _ := NewLocal(LocalConfig{Tool: []string{tool}})
	h, err := b.Submit(context.Background(), j)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	rc, err := h.Logs(context.Background())
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	out, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading logs failed: %v", err)
	}
	rc.Close()
	rc.Close() // repeated close is safe

	if !strings.Contains(string(out), "reconstructing") {
		t.Errorf("logs = %q, want tool output", out)
	}

	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestNewLocal_RequiresTool(t *testing.T) {
	if _, err := NewLocal(LocalConfig{}); err == nil {
		t.Error("expected error for empty tool command")
	}
}
