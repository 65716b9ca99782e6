// Copyright (C) 2025 The Lance Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/lancesync/lance/lib/locations"
	"github.com/lancesync/lance/lib/sync"
)

// ErrNoIdentity means the daemon home has no generated keys and
// configuration yet.
var ErrNoIdentity = errors.New("daemon identity not generated")

const (
	stopGrace       = 10 * time.Second
	generateTimeout = time.Minute
)

// Process owns the child daemon process. Start and Stop are explicit; the
// handler stops the process around configuration file writes and restarts
// it afterwards. Output is teed to the debug log, with panic output
// captured to a timestamped panic log.
type Process struct {
	binary     string
	home       string
	guiAddress string

	mut    sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
}

func NewProcess(binary, home, guiAddress string) *Process {
	return &Process{
		binary:     binary,
		home:       home,
		guiAddress: guiAddress,
		mut:        sync.NewMutex(),
	}
}

func (p *Process) args(extra ...string) []string {
	args := []string{
		"-home=" + p.home,
		"-no-browser",
		"-no-restart",
		"-gui-address=" + p.guiAddress,
	}
	return append(args, extra...)
}

// Start launches the daemon. It is a no-op when the daemon is already
// running.
func (p *Process) Start() error {
	p.mut.Lock()
	defer p.mut.Unlock()

	if p.runningLocked() {
		return nil
	}

	cmd := exec.Command(p.binary, p.args()...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	l.Infoln("Started sync daemon, pid", cmd.Process.Pid)
	metricStarts.Inc()

	wg := sync.NewWaitGroup()
	wg.Add(1)
	go func() {
		p.tee("stdout", stdout)
		wg.Done()
	}()
	wg.Add(1)
	go func() {
		p.tee("stderr", stderr)
		wg.Done()
	}()

	exited := make(chan struct{})
	go func() {
		wg.Wait()
		if err := cmd.Wait(); err != nil {
			l.Infoln("Sync daemon exited:", err)
		} else {
			l.Infoln("Sync daemon exited")
		}
		close(exited)
	}()

	p.cmd = cmd
	p.exited = exited
	return nil
}

// Stop terminates the daemon and waits for it to exit, escalating to a hard
// kill after a grace period. It is a no-op when the daemon is not running.
func (p *Process) Stop() {
	p.mut.Lock()
	cmd, exited := p.cmd, p.exited
	p.cmd = nil
	p.mut.Unlock()

	if cmd == nil {
		return
	}

	select {
	case <-exited:
		return
	default:
	}

	l.Debugln("Stopping sync daemon, pid", cmd.Process.Pid)
	terminate(cmd.Process)
	select {
	case <-exited:
	case <-time.After(stopGrace):
		l.Warnln("Sync daemon did not stop within", stopGrace, "- killing")
		cmd.Process.Kill()
		<-exited
	}
	metricStops.Inc()
}

// Running reports whether the daemon process is currently alive.
func (p *Process) Running() bool {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.runningLocked()
}

func (p *Process) runningLocked() bool {
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.exited:
		p.cmd = nil
		return false
	default:
		return true
	}
}

// DeviceID asks the daemon binary for the device ID of the keys in the home
// directory. ErrNoIdentity is returned when no keys exist yet.
func (p *Process) DeviceID(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, p.binary, p.args("-device-id")...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoIdentity, err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" || strings.ContainsAny(id, " \t") {
		return "", fmt.Errorf("%w: unexpected output %q", ErrNoIdentity, id)
	}
	return id, nil
}

// GenerateConfig runs the daemon just long enough for it to write its
// default configuration and keys, then stops it. The daemon announces the
// write on stdout.
func (p *Process) GenerateConfig(ctx context.Context) error {
	p.mut.Lock()
	defer p.mut.Unlock()

	if p.runningLocked() {
		return errors.New("daemon is running")
	}

	cmd := exec.Command(p.binary, p.args("-paused")...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	found := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			line := sc.Text()
			l.Debugln("[generate]", line)
			if strings.Contains(line, "Default config saved") {
				close(found)
				return
			}
		}
	}()

	var genErr error
	select {
	case <-found:
	case <-ctx.Done():
		genErr = ctx.Err()
	case <-time.After(generateTimeout):
		genErr = errors.New("timed out waiting for the daemon to write its initial configuration")
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	terminate(cmd.Process)
	select {
	case <-done:
	case <-time.After(stopGrace):
		cmd.Process.Kill()
		<-done
	}

	return genErr
}

func terminate(proc *os.Process) {
	if runtime.GOOS == "windows" {
		proc.Kill()
		return
	}
	proc.Signal(syscall.SIGTERM)
}

func (p *Process) tee(name string, r io.Reader) {
	br := bufio.NewReader(r)
	var panicFd *os.File
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if panicFd != nil {
				panicFd.WriteString(line)
			} else {
				l.Debugf("[daemon %s] %s", name, strings.TrimRight(line, "\r\n"))
				if strings.HasPrefix(line, "panic:") || strings.HasPrefix(line, "fatal error:") {
					fd, ferr := os.Create(locations.GetTimestamped(locations.PanicLog))
					if ferr != nil {
						l.Warnln("Create panic log:", ferr)
					} else {
						l.Warnf("Daemon panic detected, writing to %q", fd.Name())
						fd.WriteString(line)
						panicFd = fd
					}
				}
			}
		}
		if err != nil {
			if panicFd != nil {
				panicFd.Close()
			}
			return
		}
	}
}
