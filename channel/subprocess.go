package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

const (
	// maxLineSize bounds a single protocol line; media payloads travel base64 encoded
	maxLineSize = 32 * 1024 * 1024

	gracefulExitTimeout = 5 * time.Second
	readerDrainTimeout  = 2 * time.Second
)

// Subprocess drives a client process over stdin/stdout JSON lines.
type Subprocess struct {
	*rpc

	command string
	args    []string
	opts    Options

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	connected bool
	closed    bool
	mu        sync.RWMutex
	writeMu   sync.Mutex

	exited chan struct{}
	wg     sync.WaitGroup

	// Set before the process is asked to exit so its exit is not reported as a disconnect
	shuttingDown atomic.Bool
}

// NewSubprocess creates a handle that will run command with args when initialized.
// The tenant id and working directory are appended as flags.
func NewSubprocess(command string, args []string, opts Options) *Subprocess {
	s := &Subprocess{
		command: command,
		args:    args,
		opts:    opts,
		exited:  make(chan struct{}),
	}
	s.rpc = newRPC(opts.TenantID, s.writeLine)
	return s
}

func (s *Subprocess) buildArgs() []string {
	args := make([]string, 0, len(s.args)+4)
	args = append(args, s.args...)
	args = append(args, "--session-dir", s.opts.WorkDir, "--tenant", s.opts.TenantID)
	return args
}

// Initialize starts the process and asks it to launch the client.
// The process outlives ctx; ctx only bounds the launch handshake.
func (s *Subprocess) Initialize(ctx context.Context) error {
	if err := s.start(); err != nil {
		return err
	}
	if err := s.call(ctx, "initialize", nil, nil); err != nil {
		return fmt.Errorf("failed to initialize client: %w", err)
	}
	return nil
}

func (s *Subprocess) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return ErrAlreadyConnected
	}
	if s.closed {
		return ErrClosed
	}

	if err := os.MkdirAll(s.opts.WorkDir, 0755); err != nil {
		return &ConnectionError{Message: "failed to create working directory", Cause: err}
	}

	args := s.buildArgs()
	log.Info().
		Str("tenantId", s.opts.TenantID).
		Str("command", s.command).
		Strs("args", args).
		Msg("starting channel client process")

	s.cmd = exec.Command(s.command, args...)
	s.cmd.Dir = s.opts.WorkDir
	s.cmd.Env = append(os.Environ(), "FLEET_TENANT_ID="+s.opts.TenantID)
	s.cmd.SysProcAttr = sysProcAttr()

	var err error
	s.stdin, err = s.cmd.StdinPipe()
	if err != nil {
		return &ConnectionError{Message: "failed to create stdin pipe", Cause: err}
	}
	s.stdout, err = s.cmd.StdoutPipe()
	if err != nil {
		return &ConnectionError{Message: "failed to create stdout pipe", Cause: err}
	}
	s.stderr, err = s.cmd.StderrPipe()
	if err != nil {
		return &ConnectionError{Message: "failed to create stderr pipe", Cause: err}
	}

	if err := s.cmd.Start(); err != nil {
		return &ConnectionError{Message: "failed to start client process", Cause: err}
	}
	s.connected = true

	log.Info().
		Str("tenantId", s.opts.TenantID).
		Int("pid", s.cmd.Process.Pid).
		Msg("channel client process started")

	stdoutDone := make(chan struct{})
	s.wg.Add(3)
	go s.readStdout(stdoutDone)
	go s.readStderr()
	go s.monitorProcess(stdoutDone)

	return nil
}

// readStdout is the only goroutine that feeds the event stream
func (s *Subprocess) readStdout(done chan<- struct{}) {
	defer s.wg.Done()
	defer close(done)

	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(line)
	}

	reason := "client process exited"
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Str("tenantId", s.opts.TenantID).Msg("channel: stdout read error")
		reason = err.Error()
	}

	if s.shuttingDown.Load() {
		s.finish(nil)
		return
	}
	s.finish(&Event{Type: EventDisconnected, Reason: reason})
}

func (s *Subprocess) readStderr() {
	defer s.wg.Done()

	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		log.Debug().Str("tenantId", s.opts.TenantID).Str("stderr", scanner.Text()).Msg("channel client stderr")
	}
}

// monitorProcess reaps the process once its stdout is drained
func (s *Subprocess) monitorProcess(stdoutDone <-chan struct{}) {
	defer s.wg.Done()
	defer close(s.exited)

	<-stdoutDone
	err := s.cmd.Wait()

	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	event := log.Info()
	if err != nil && !s.shuttingDown.Load() {
		event = log.Error().Err(err)
	}
	if s.cmd.ProcessState != nil {
		event = event.Int("exitCode", s.cmd.ProcessState.ExitCode())
	}
	event.Str("tenantId", s.opts.TenantID).Msg("channel client process exited")
}

func (s *Subprocess) writeLine(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	if !s.connected {
		s.mu.RUnlock()
		return ErrNotConnected
	}
	s.mu.RUnlock()

	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		return &ConnectionError{Message: "failed to write to stdin", Cause: err}
	}
	return nil
}

// IsConnected reports whether the process is running
func (s *Subprocess) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected && !s.closed
}

// Destroy asks the client to shut down, then interrupts and finally kills its process group.
//
// Sequence:
//  1. "destroy" request, bounded by ctx
//  2. close stdin
//  3. SIGINT to the group, wait up to 5 seconds
//  4. SIGKILL to the group
//  5. wait for the readers (up to 2 seconds)
func (s *Subprocess) Destroy(ctx context.Context) error {
	s.shuttingDown.Store(true)

	s.mu.RLock()
	started := s.cmd != nil && s.cmd.Process != nil
	alreadyClosed := s.closed
	s.mu.RUnlock()
	if alreadyClosed {
		return nil
	}

	if started && s.IsConnected() {
		callCtx, cancel := context.WithTimeout(ctx, gracefulExitTimeout)
		if err := s.call(callCtx, "destroy", nil, nil); err != nil {
			log.Debug().Err(err).Str("tenantId", s.opts.TenantID).Msg("channel: destroy request failed")
		}
		cancel()
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if !started {
		s.finish(nil)
		return nil
	}

	s.writeMu.Lock()
	s.stdin.Close()
	s.writeMu.Unlock()

	if err := signalGroup(s.cmd.Process, os.Interrupt); err == nil {
		select {
		case <-s.exited:
		case <-time.After(gracefulExitTimeout):
			log.Warn().Str("tenantId", s.opts.TenantID).Int("pid", s.cmd.Process.Pid).Msg("client didn't exit gracefully, sending SIGKILL")
			signalGroup(s.cmd.Process, syscall.SIGKILL)
		}
	} else {
		signalGroup(s.cmd.Process, syscall.SIGKILL)
	}

	wgDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(wgDone)
	}()

	select {
	case <-wgDone:
	case <-time.After(readerDrainTimeout):
		log.Warn().Str("tenantId", s.opts.TenantID).Msg("channel readers did not finish in time, proceeding with destroy")
	}

	s.shutdown()
	log.Debug().Str("tenantId", s.opts.TenantID).Msg("channel client destroyed")
	return nil
}
