package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/matheus3301/mtx/internal/session"
	"github.com/matheus3301/mtx/internal/tui"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName, err := session.ResolveValid(*sessionFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	socketPath := session.SocketPath(sessionName)

	// Probe daemon health; auto-start if needed.
	if !daemonAnswers(socketPath) {
		fmt.Fprintf(os.Stderr, "daemon not running for session %q, starting...\n", sessionName)
		if err := startDaemon(sessionName); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start daemon: %v\n", err)
			os.Exit(1)
		}
		if !waitForDaemon(socketPath, 10*time.Second) {
			fmt.Fprintf(os.Stderr, "daemon did not become ready, see %s\n", session.LogPath(sessionName))
			os.Exit(1)
		}
	}

	c, err := rpc.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if err := tui.NewApp(c).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// daemonAnswers checks that a daemon answers a status call on the socket.
func daemonAnswers(socketPath string) bool {
	c, err := rpc.Dial(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Status(ctx)
	return err == nil
}

// startDaemon launches mtxd from next to this binary, falling back to PATH.
func startDaemon(sessionName string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	mtxd := filepath.Join(filepath.Dir(executable), "mtxd")
	if _, err := os.Stat(mtxd); err != nil {
		mtxd = "mtxd"
	}

	cmd := exec.Command(mtxd, "--session", sessionName)
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

func waitForDaemon(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if daemonAnswers(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}
