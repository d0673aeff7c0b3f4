package testserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"vawter.tech/stopper"
)

// State is the lifecycle state of a supervised server.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateStopping
	StateStopped
	StateFailedToStart
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailedToStart:
		return "failed to start"
	default:
		return "unknown"
	}
}

const (
	DefaultStartTimeout = 15 * time.Second

	// outputDrainTimeout bounds how long stop waits for the output stream to
	// close after the process exited; descendants may still hold it open.
	outputDrainTimeout = 5 * time.Second
)

type serverConfig struct {
	executable                       string
	setupPasswordsExecutable         string
	installationDirectory            string
	esJavaOpts                       string
	env                              []string
	javaHome                         JavaHome
	startTimeout                     time.Duration
	cleanInstallationDirectoryOnStop bool
}

// server supervises one Elasticsearch process. The output reader is the only
// writer of started, pid and the ports; everything else reads them under mu.
type server struct {
	cfg        serverConfig
	log        logr.Logger
	outputLog  logr.Logger
	metrics    *instruments
	hooks      *ExitHooks
	classifier lineClassifier
	creds      credentialStore

	mu            sync.Mutex
	state         State
	started       bool
	pid           int
	httpPort      int
	transportPort int
	exitCode      int
	parseErr      error
	ready         chan struct{}
	failed        chan struct{}

	// Process handle, valid between launch and the end of shutdown.
	cmd        *exec.Cmd
	output     *os.File
	exited     chan struct{}
	readerDone chan struct{}
	tasks      *stopper.Context
	deregister func() bool
}

func newServer(cfg serverConfig, log logr.Logger, metrics *instruments, hooks *ExitHooks) *server {
	s := &server{
		cfg:        cfg,
		log:        log,
		outputLog:  log.WithName("elasticsearch"),
		metrics:    metrics,
		hooks:      hooks,
		classifier: elasticsearchClassifier,
		state:      StateNotStarted,
	}
	s.resetLocked()
	s.creds.command = s.passwordSetupCommand
	return s
}

func (s *server) resetLocked() {
	s.started = false
	s.pid = -1
	s.httpPort = -1
	s.transportPort = -1
	s.exitCode = -1
	s.parseErr = nil
	s.ready = make(chan struct{})
	s.failed = make(chan struct{})
}

func (s *server) environ() ([]string, error) {
	env := os.Environ()
	if s.cfg.esJavaOpts != "" {
		env = append(env, "ES_JAVA_OPTS="+s.cfg.esJavaOpts)
	}
	env = append(env, s.cfg.env...)
	return s.cfg.javaHome.environ(env)
}

// start launches the server and blocks until it reports it started, exits,
// breaks the log contract or the start timeout elapses.
func (s *server) start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateNotStarted, StateStopped, StateFailedToStart:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("testserver: cannot start server that is %s", state)
	}
	s.state = StateStarting
	s.resetLocked()
	s.mu.Unlock()

	launched := time.Now()
	if err := s.launch(); err != nil {
		s.setState(StateFailedToStart)
		return err
	}
	deregister := s.hooks.Register(func() {
		if err := s.stop(); err != nil {
			s.log.Error(err, "Stopping elasticsearch at exit")
		}
	})
	s.mu.Lock()
	s.deregister = deregister
	s.mu.Unlock()

	if err := s.waitForStart(ctx); err != nil {
		s.metrics.recordStartup(ctx, time.Since(launched).Seconds(), "failed")
		s.abort()
		return err
	}

	s.metrics.recordStartup(ctx, time.Since(launched).Seconds(), "ready")
	s.setState(StateReady)
	s.log.Info("Elasticsearch started", "httpPort", s.getHTTPPort(), "transportPort", s.getTransportPort())
	return nil
}

func (s *server) launch() error {
	env, err := s.environ()
	if err != nil {
		return fmt.Errorf("resolving java home: %w", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating output pipe: %w", err)
	}

	cmd := exec.Command(s.cfg.executable)
	cmd.Env = env
	cmd.Dir = s.cfg.installationDirectory
	cmd.Stdout = w
	cmd.Stderr = w

	s.log.Info("Starting elasticsearch", "executable", s.cfg.executable, "javaHome", s.cfg.javaHome)
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return fmt.Errorf("starting %s: %w", s.cfg.executable, err)
	}
	// The child holds its own copy; ours must go for the reader to see EOF.
	_ = w.Close()

	exited := make(chan struct{})
	readerDone := make(chan struct{})
	tasks := stopper.WithContext(context.Background())

	s.mu.Lock()
	s.cmd = cmd
	s.output = r
	s.exited = exited
	s.readerDone = readerDone
	s.tasks = tasks
	s.mu.Unlock()

	tasks.Go(func(*stopper.Context) error {
		defer close(readerDone)
		s.readOutput(r)
		return nil
	})
	tasks.Go(func(*stopper.Context) error {
		err := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		s.mu.Lock()
		s.exitCode = code
		s.mu.Unlock()
		if err != nil {
			s.log.V(1).Info("Elasticsearch process ended", "err", err.Error())
		}
		close(exited)
		return nil
	})
	return nil
}

// readOutput consumes the merged output until end of stream. Read errors
// count as end of stream so shutdown can always proceed.
func (s *server) readOutput(r io.ReadCloser) {
	defer func() { _ = r.Close() }()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			s.handleLine(line)
		}
		if err != nil {
			return
		}
	}
}

func (s *server) handleLine(line string) {
	s.outputLog.Info(line)
	s.metrics.outputLines.Add(context.Background(), 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.parseErr != nil {
		return
	}
	event, value, err := s.classifier.classify(line)
	if err != nil {
		s.parseErr = err
		close(s.failed)
		return
	}

	switch event {
	case eventStarted:
		s.started = true
		close(s.ready)
	case eventPID:
		s.pid = value
		s.log.Info("Detected Elasticsearch PID", "pid", value)
	case eventHTTPPort:
		if s.httpPort == -1 {
			s.httpPort = value
			s.log.Info("Detected Elasticsearch http port", "port", value)
		}
	case eventTransportPort:
		if s.transportPort == -1 {
			s.transportPort = value
			s.log.Info("Detected Elasticsearch transport tcp port", "port", value)
		}
	}
}

func (s *server) waitForStart(ctx context.Context) error {
	s.log.Info("Waiting for Elasticsearch to start...", "timeout", s.cfg.startTimeout)

	s.mu.Lock()
	ready, failed, exited, readerDone := s.ready, s.failed, s.exited, s.readerDone
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.startTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-failed:
		return s.contractViolation()
	case <-exited:
		// Lines printed right before exiting may still be buffered.
		select {
		case <-readerDone:
		case <-time.After(time.Second):
		}
		if s.isStarted() {
			return nil
		}
		if err := s.contractViolation(); err != nil {
			return err
		}
		return fmt.Errorf("%w (exit code %d)", ErrStartupFailed, s.getExitCode())
	case <-timer.C:
		if s.isStarted() {
			return nil
		}
		return fmt.Errorf("%w of %s", ErrStartupTimeout, s.cfg.startTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *server) contractViolation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parseErr
}

// abort tears down a process that failed to start.
func (s *server) abort() {
	s.dropExitHook()
	s.shutdownProcess(true)
	s.setState(StateFailedToStart)
}

// stop terminates the server, waits for it and its output reader, and
// removes the installation directory when configured to.
func (s *server) stop() error {
	s.mu.Lock()
	switch s.state {
	case StateNotStarted, StateStopping, StateStopped:
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.dropExitHook()

	s.log.Info("Stopping elasticsearch server...")
	s.shutdownProcess(false)
	err := s.finalize()

	s.mu.Lock()
	s.resetLocked()
	s.state = StateStopped
	s.mu.Unlock()
	return err
}

// dropExitHook removes the exit hook so an explicit stop cannot race it.
func (s *server) dropExitHook() {
	s.mu.Lock()
	deregister := s.deregister
	s.deregister = nil
	s.mu.Unlock()
	if deregister != nil {
		deregister()
	}
}

func (s *server) shutdownProcess(force bool) {
	s.mu.Lock()
	pid := s.pid
	s.pid = -1
	cmd, output, exited, tasks := s.cmd, s.output, s.exited, s.tasks
	s.mu.Unlock()

	if cmd == nil {
		return
	}

	switch {
	case force:
		s.kill(cmd)
	case pid > -1:
		s.terminate(cmd, pid)
	default:
		s.log.Info("Elasticsearch PID was never detected, killing the process")
		s.kill(cmd)
	}

	<-exited
	s.log.Info("Elasticsearch exited", "rc", s.getExitCode())

	tasks.Stop(outputDrainTimeout)
	done := make(chan error, 1)
	go func() { done <- tasks.Wait() }()
	select {
	case <-done:
	case <-time.After(outputDrainTimeout):
		s.log.Info("Output stream still open after exit, closing it")
		_ = output.Close()
		<-done
	}

	s.mu.Lock()
	s.cmd = nil
	s.output = nil
	s.tasks = nil
	s.mu.Unlock()
}

func (s *server) terminate(cmd *exec.Cmd, pid int) {
	if runtime.GOOS == "windows" {
		if err := exec.Command("taskkill", "/f", "/pid", strconv.Itoa(pid)).Run(); err != nil {
			s.log.Error(err, "taskkill failed", "pid", pid)
		}
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Error(err, "Sending SIGTERM failed", "pid", cmd.Process.Pid)
	}
}

func (s *server) kill(cmd *exec.Cmd) {
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Error(err, "Killing elasticsearch failed", "pid", cmd.Process.Pid)
	}
}

func (s *server) finalize() error {
	if s.cfg.cleanInstallationDirectoryOnStop && s.cfg.installationDirectory != "" {
		s.log.Info("Removing installation directory...", "dir", s.cfg.installationDirectory)
		if err := os.RemoveAll(s.cfg.installationDirectory); err != nil {
			return fmt.Errorf("%w: %w", ErrCleanupFailed, err)
		}
	}
	s.log.Info("Finishing...")
	return nil
}

func (s *server) passwordSetupCommand(context.Context) (*exec.Cmd, error) {
	if s.cfg.setupPasswordsExecutable == "" {
		return nil, errors.New("no password setup executable configured")
	}
	env, err := s.environ()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(s.cfg.setupPasswordsExecutable, "auto", "-b")
	cmd.Env = env
	cmd.Dir = s.cfg.installationDirectory
	return cmd, nil
}

func (s *server) password(ctx context.Context, user string) (string, error) {
	return s.creds.password(ctx, user)
}

func (s *server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *server) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *server) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *server) getPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

func (s *server) getHTTPPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpPort
}

func (s *server) getTransportPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportPort
}

func (s *server) getExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}
