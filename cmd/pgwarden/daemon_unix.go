//go:build darwin || linux

package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/FairForge/pgwarden/internal/pidfile"
)

const daemonChildEnv = "PGWARDEN_DAEMON_CHILD"

func isDaemonChild() bool {
	return os.Getenv(daemonChildEnv) == "1"
}

// detach re-executes pgwarden in a new session with output sent to
// pgwarden.log under the state directory.
func (a *app) detach() int {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitFailed
	}
	if err := os.MkdirAll(a.cfg.StateDir, 0o750); err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitFailed
	}
	logPath := filepath.Join(a.cfg.StateDir, "pgwarden.log")
	out, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitFailed
	}
	defer out.Close()

	cmd := exec.Command(exe, a.argv...)
	cmd.Env = append(os.Environ(), daemonChildEnv+"=1")
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(a.stderr, "start daemon: %v\n", err)
		return exitFailed
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	a.logger.Info("monitor detached", zap.Int("pid", pid), zap.String("log", logPath))
	fmt.Fprintf(a.stdout, "pgwarden monitor running as pid %d, logging to %s\n", pid, logPath)
	return exitOK
}

func holdPidfile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := pidfile.Create(path)
	if errors.Is(err, pidfile.ErrRunning) {
		pid, _ := pidfile.Read(path)
		return nil, fmt.Errorf("monitor already running as pid %d (%s)", pid, path)
	}
	if err != nil {
		return nil, err
	}
	return func() { _ = f.Remove() }, nil
}
