//go:build !darwin && !linux

package main

import (
	"errors"
	"fmt"
)

var errNoDaemon = errors.New("daemon mode is not supported on this platform")

func isDaemonChild() bool { return false }

func (a *app) detach() int {
	fmt.Fprintln(a.stderr, errNoDaemon)
	return exitUsage
}

func holdPidfile(string) (func(), error) { return nil, errNoDaemon }
