package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func newTestSandbox(t *testing.T, watch bool) *Local {
	t.Helper()
	s, err := NewLocal(Config{
		WorkDir:         t.TempDir(),
		EnforceBoundary: true,
		WatchFiles:      watch,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Dispose() })
	return s
}

func TestReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox(t, false)

	if err := s.Write(ctx, "notes/hello.txt", []byte("hi")); err != nil {
		t.Fatal(err)
	}
	data, err := s.Read(ctx, "notes/hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hi" {
		t.Errorf("read back %q", data)
	}
}

func TestBoundaryEnforcement(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox(t, false)

	escapes := []string{
		"../outside.txt",
		"a/../../outside.txt",
		"/etc/passwd",
	}
	for _, path := range escapes {
		if _, err := s.Read(ctx, path); !errors.Is(err, ErrBoundary) {
			t.Errorf("Read(%q) err = %v, want ErrBoundary", path, err)
		}
		if err := s.Write(ctx, path, []byte("x")); !errors.Is(err, ErrBoundary) {
			t.Errorf("Write(%q) err = %v, want ErrBoundary", path, err)
		}
	}

	// interior .. that stays inside is fine
	if err := s.Write(ctx, "a/b/../c.txt", []byte("ok")); err != nil {
		t.Errorf("interior dotdot rejected: %v", err)
	}
}

func TestBoundaryDisabled(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(Config{WorkDir: t.TempDir(), EnforceBoundary: false})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Dispose()

	outside := filepath.Join(t.TempDir(), "free.txt")
	if err := os.WriteFile(outside, []byte("free"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(ctx, outside); err != nil {
		t.Errorf("unenforced sandbox rejected outside path: %v", err)
	}
}

func TestEditRequiresUniqueMatch(t *testing.T) {
	ctx := context.Background()
	s := newTestSandbox(t, false)

	if err := s.Write(ctx, "f.txt", []byte("aaa bbb aaa")); err != nil {
		t.Fatal(err)
	}
	if err := s.Edit(ctx, "f.txt", "aaa", "xxx"); err == nil {
		t.Error("ambiguous edit accepted")
	}
	if err := s.Edit(ctx, "f.txt", "bbb", "yyy"); err != nil {
		t.Fatal(err)
	}
	data, _ := s.Read(ctx, "f.txt")
	if string(data) != "aaa yyy aaa" {
		t.Errorf("after edit: %q", data)
	}
	if err := s.Edit(ctx, "f.txt", "zzz", "w"); err == nil {
		t.Error("missing target accepted")
	}
}

func TestExecRunsInWorkDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell test")
	}
	ctx := context.Background()
	s := newTestSandbox(t, false)

	if err := s.Write(ctx, "marker.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	out, err := s.Exec(ctx, "ls", nil, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "marker.txt\n" {
		t.Errorf("ls output %q", out)
	}
}

func TestExecTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell test")
	}
	ctx := context.Background()
	s := newTestSandbox(t, false)

	_, err := s.Exec(ctx, "sleep", []string{"5"}, 100*time.Millisecond)
	if err == nil {
		t.Fatal("timed-out command returned nil error")
	}
}

func TestWatchReportsChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestSandbox(t, true)

	changes, err := s.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, "watched.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-changes:
			if filepath.Base(ev.Path) == "watched.txt" {
				if ev.Kind != "create" && ev.Kind != "write" {
					t.Errorf("kind = %s", ev.Kind)
				}
				return
			}
		case <-timeout:
			t.Fatal("no file event observed")
		}
	}
}

func TestWatchDisabled(t *testing.T) {
	s := newTestSandbox(t, false)
	if _, err := s.Watch(context.Background()); err == nil {
		t.Error("watch succeeded with watching disabled")
	}
}
