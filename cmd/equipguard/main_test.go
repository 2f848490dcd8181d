package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/equipguard/internal/config"
)

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_FollowsLevelVar(t *testing.T) {
	t.Parallel()
	for _, format := range []config.LogFormat{config.LogFormatText, config.LogFormatJSON, config.LogFormatConsole} {
		var level slog.LevelVar
		level.Set(slog.LevelWarn)
		logger := newLogger(format, &level)

		if logger.Enabled(context.Background(), slog.LevelInfo) {
			t.Errorf("%s: info enabled at warn level", format)
		}
		level.Set(slog.LevelDebug)
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			t.Errorf("%s: debug not enabled after lowering the level", format)
		}
	}
}

// fakeService blocks in Run until its context is done.
type fakeService struct {
	runErr    error
	ran       atomic.Bool
	shutdowns atomic.Int32
}

func (s *fakeService) Run(ctx context.Context) error {
	s.ran.Store(true)
	if s.runErr != nil {
		return s.runErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeService) Shutdown(context.Context) error {
	s.shutdowns.Add(1)
	return nil
}

func TestServe_WatcherStartFailureShutsDown(t *testing.T) {
	t.Parallel()
	svc := &fakeService{}
	failing := func() (*config.Watcher, error) {
		return nil, errors.New("config file vanished")
	}

	done := make(chan int, 1)
	go func() { done <- serve(context.Background(), svc, failing, time.Second) }()

	select {
	case code := <-done:
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve kept running after the watcher failed to start")
	}
	if !svc.ran.Load() {
		t.Error("service never ran")
	}
	if n := svc.shutdowns.Load(); n != 1 {
		t.Errorf("Shutdown calls = %d, want 1", n)
	}
}

func TestServe_CancelIsCleanExit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "equipguard.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	svc := &fakeService{}
	watcher := func() (*config.Watcher, error) {
		return config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- serve(ctx, svc, watcher, time.Second) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		if code != 0 {
			t.Errorf("exit code = %d, want 0", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	if n := svc.shutdowns.Load(); n != 1 {
		t.Errorf("Shutdown calls = %d, want 1", n)
	}
}

func TestServe_RunErrorIsReported(t *testing.T) {
	t.Parallel()
	svc := &fakeService{runErr: errors.New("listen tcp: address in use")}
	if code := serve(context.Background(), svc, nil, time.Second); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if n := svc.shutdowns.Load(); n != 1 {
		t.Errorf("Shutdown calls = %d, want 1", n)
	}
}
