package engine

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subcheck/speedtest/model"
)

func testNode() *model.Node {
	return &model.Node{
		Name:     "t",
		Protocol: model.ProtocolShadowsocks,
		Server:   "ss.example.com",
		Port:     8388,
		Auth:     model.Auth{Method: "aes-256-gcm", Password: "pw"},
	}
}

// fakeEngine writes a shell script standing in for the engine binary.
func fakeEngine(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755))
	return path
}

func engineConfigCount(t *testing.T) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "subcheck-engine-*.json"))
	require.NoError(t, err)
	return len(matches)
}

func TestStart_ImmediateExitIsStartupFailed(t *testing.T) {
	before := engineConfigCount(t)
	r := NewRunner(fakeEngine(t, "exit 3"), 2*time.Second)

	_, err := r.Start(context.Background(), testNode(), 21900)

	require.ErrorIs(t, err, ErrStartupFailed)
	// The temp config must be gone on the failure path.
	assert.Equal(t, before, engineConfigCount(t))
}

func TestStart_NeverBindsIsReadinessTimeout(t *testing.T) {
	before := engineConfigCount(t)
	r := NewRunner(fakeEngine(t, "sleep 60"), 600*time.Millisecond)

	start := time.Now()
	_, err := r.Start(context.Background(), testNode(), 21901)

	require.ErrorIs(t, err, ErrReadinessTimeout)
	// The sleeping process must have been torn down, not waited out.
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, before, engineConfigCount(t))
}

func TestStart_UnsupportedProtocolBeforeSpawn(t *testing.T) {
	r := NewRunner("/does/not/exist", time.Second)
	node := testNode()
	node.Protocol = "hysteria2"

	_, err := r.Start(context.Background(), node, 21902)

	require.ErrorIs(t, err, ErrUnsupportedProtocol)
}

func TestStart_CancelledContextTearsDown(t *testing.T) {
	before := engineConfigCount(t)
	r := NewRunner(fakeEngine(t, "sleep 60"), 30*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := r.Start(ctx, testNode(), 21903)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, before, engineConfigCount(t))
}

func TestAwaitReady_SucceedsOnceSomethingListens(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	s := &Session{Port: port, waitCh: make(chan error, 1)}

	require.NoError(t, s.awaitReady(context.Background(), 2*time.Second))
}

func TestClose_IsIdempotent(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(cfg, []byte("{}"), 0644))

	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())

	s := &Session{
		Port:       21904,
		cmd:        cmd,
		configPath: cfg,
		waitCh:     make(chan error, 1),
	}
	go func() { s.waitCh <- cmd.Wait() }()

	s.Close()
	s.Close()

	_, err := os.Stat(cfg)
	assert.True(t, os.IsNotExist(err))
	// The process is dead; a second wait-channel read would block, so
	// verify via the OS instead.
	require.Error(t, cmd.Process.Signal(syscall.Signal(0)))
}
