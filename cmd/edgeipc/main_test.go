package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgeipc/internal/ipcerr"
	"github.com/danmuck/edgeipc/internal/testutil/testlog"
)

func run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestConfigTemplateAndValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "edge.toml")

	out, err := run(t, context.Background(), "config", "template", "-o", path, "--endpoint-id", "world")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := run(t, context.Background(), "config", "template", "-o", path); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	out, err = run(t, context.Background(), "config", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "Validated") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestConfigValidateRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("id = \"x\"\nbogus = 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, context.Background(), "config", "validate", path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestConfigTemplateStdout(t *testing.T) {
	testlog.Start(t)
	out, err := run(t, context.Background(), "config", "template")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if !strings.Contains(out, `id = 'edgeipc'`) && !strings.Contains(out, `id = "edgeipc"`) {
		t.Fatalf("template missing id: %q", out)
	}
}

func TestServeAndCall(t *testing.T) {
	testlog.Start(t)
	root, err := os.MkdirTemp("", "eipc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(root) })
	endpoint := []string{"--id", "world", "--socket-root", root + "/"}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		_, err := run(t, ctx, append([]string{"serve"}, endpoint...)...)
		served <- err
	}()

	out, err := run(t, context.Background(), append([]string{"call", "echo", `{"n":1}`}, endpoint...)...)
	if err != nil {
		t.Fatalf("call echo: %v", err)
	}
	if strings.TrimSpace(out) != `{"n":1}` {
		t.Fatalf("echo = %q", out)
	}

	out, err = run(t, context.Background(), append([]string{"call", "missing"}, endpoint...)...)
	if err == nil {
		t.Fatalf("expected missing route error, got %q", out)
	}
	if ipcerr.KindOf(err) != ipcerr.KindMissingRoute {
		t.Fatalf("unexpected error %v", err)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestCallRejectsInvalidBody(t *testing.T) {
	testlog.Start(t)
	if _, err := run(t, context.Background(), "call", "echo", "{nope"); err == nil {
		t.Fatalf("expected invalid body error")
	}
}
