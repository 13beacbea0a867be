package agent

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flotilla-run/flotilla/pkg/ipc"
	"github.com/flotilla-run/flotilla/pkg/log"
	"github.com/flotilla-run/flotilla/pkg/protocol"
	"github.com/flotilla-run/flotilla/pkg/utils"
)

type SupervisorState string

const (
	StateStarting     SupervisorState = "starting"
	StateRunning      SupervisorState = "running"
	StateShuttingDown SupervisorState = "shutting_down"
	StateClosed       SupervisorState = "closed"
)

// Participant arguments chosen by the decision function when
// an offer was accepted.
type JobAcceptArgs struct {
	Identity string
	Name     string
	Metadata string
}

// Everything a process needs to run a job: the job descriptor,
// the accept-time arguments and the assignment credentials.
// Owned exclusively by the supervisor the job was launched on.
type RunningJobInfo struct {
	Job   protocol.Job
	Args  JobAcceptArgs
	Url   string
	Token string
}

func (info *RunningJobInfo) startRequest() *ipc.StartRequest {
	return &ipc.StartRequest{
		JobId:               info.Job.Id,
		RoomName:            info.Job.RoomName,
		Url:                 info.Url,
		Token:               info.Token,
		ParticipantIdentity: info.Args.Identity,
		ParticipantName:     info.Args.Name,
		ParticipantMetadata: info.Args.Metadata,
	}
}

type supervisorOptions struct {
	startTimeout      time.Duration
	pingInterval      time.Duration
	pongDeadline      time.Duration
	shutdownTimeout   time.Duration
	highPingThreshold time.Duration
}

func (c *Config) supervisorOptions() supervisorOptions {
	return supervisorOptions{
		startTimeout:      c.StartTimeout,
		pingInterval:      c.PingInterval,
		pongDeadline:      c.PongDeadline,
		shutdownTimeout:   c.ShutdownTimeout,
		highPingThreshold: c.HighPingThreshold,
	}
}

// Supervisor owns one spawned process and drives it through
// Starting, Running, ShuttingDown and Closed. A failing process
// never affects the pool or other supervisors; failures surface
// through logs and the supervisor's Failure accessor only.
type Supervisor struct {
	logger *log.Logger
	opts   supervisorOptions
	proc   Process
	output io.Closer
	logId  string

	mu      sync.Mutex
	state   SupervisorState
	info    *RunningJobInfo
	failure error

	assign    chan *RunningJobInfo
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Take ownership of a freshly spawned process. info is nil for a
// warm, job-less process. output, if not nil, is closed once the
// process has exited.
func startSupervisor(proc Process, info *RunningJobInfo, output io.Closer, logId string, opts supervisorOptions, logger *log.Logger) *Supervisor {
	s := &Supervisor{
		logger:  logger,
		opts:    opts,
		proc:    proc,
		output:  output,
		logId:   logId,
		state:   StateStarting,
		info:    info,
		assign:  make(chan *RunningJobInfo, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	go s.run()

	return s
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer func() {
		if s.output != nil {
			s.output.Close()
		}
	}()

	startTimer := time.NewTimer(s.opts.startTimeout)
	defer startTimer.Stop()

	pingTicker := time.NewTicker(s.opts.pingInterval)
	defer pingTicker.Stop()

	// Armed while Running only, reset on every pong.
	pongTimer := newStoppedTimer()
	defer pongTimer.Stop()

	// Armed once a shutdown has been requested.
	shutdownTimer := newStoppedTimer()
	defer shutdownTimer.Stop()

	// Set when the process announced its exit with UserExit or
	// ShutdownResponse; a non-zero exit is not an error then.
	exiting := false

	msgs := s.proc.Messages()
	closing := s.closing

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			s.dispatch(msg, startTimer, pongTimer, &exiting)

		case <-startTimer.C:
			if s.State() != StateStarting {
				continue
			}
			s.fail(utils.ErrStartTimeout, startTimer, pongTimer)

		case <-pingTicker.C:
			if s.State() == StateStarting || s.State() == StateRunning {
				s.proc.Send(ipc.NewPing(time.Now()))
			}

		case <-pongTimer.C:
			s.fail(utils.ErrHeartbeatTimeout, startTimer, pongTimer)

		case info := <-s.assign:
			// Warm assignment: the job payload travels over the
			// IPC channel and the start timeout applies anew.
			stopTimer(pongTimer)
			resetTimer(startTimer, s.opts.startTimeout)
			s.setState(StateStarting)
			s.logger.Info("Starting job:", info.Job.Id)
			if err := s.proc.Send(ipc.NewStartRequest(info.startRequest())); err != nil {
				s.fail(fmt.Errorf("failed to deliver job to process: %w", err), startTimer, pongTimer)
			}

		case <-closing:
			closing = nil
			stopTimer(startTimer)
			stopTimer(pongTimer)
			s.setState(StateShuttingDown)
			s.logger.Debug("Requesting shutdown, pid:", s.proc.Pid())
			s.proc.Send(ipc.NewShutdownRequest())
			resetTimer(shutdownTimer, s.opts.shutdownTimeout)

		case <-shutdownTimer.C:
			s.logger.Warn("Process did not honor shutdown request, killing, pid:", s.proc.Pid())
			s.proc.Kill()

		case <-s.proc.Done():
			if err := s.proc.Err(); err != nil && !exiting && s.Failure() == nil {
				s.setFailure(err)
				s.logger.Warn("Process exited unexpectedly:", err)
			}
			s.setState(StateClosed)
			return
		}
	}
}

// Handle one message from the process.
func (s *Supervisor) dispatch(msg *ipc.Message, startTimer, pongTimer *time.Timer, exiting *bool) {
	switch msg.Kind {
	case ipc.KindStartResponse:
		if msg.StartResponse != nil && msg.StartResponse.Error != "" {
			s.fail(utils.NewDetailedError("Job failed to start", msg.StartResponse.Error), startTimer, pongTimer)
			return
		}
		if s.State() != StateStarting {
			return
		}
		stopTimer(startTimer)
		resetTimer(pongTimer, s.opts.pongDeadline)
		s.setState(StateRunning)
		if job := s.Job(); job != nil {
			s.logger.Info("Job running:", job.Job.Id)
		} else {
			s.logger.Debug("Process ready, pid:", s.proc.Pid())
		}

	case ipc.KindPong:
		if msg.Pong == nil {
			return
		}
		if delay := msg.Pong.Delay(time.Now()); delay > s.opts.highPingThreshold {
			s.logger.Warnf("High ping round trip: %v, pid: %d", delay, s.proc.Pid())
		}
		if s.State() == StateRunning {
			resetTimer(pongTimer, s.opts.pongDeadline)
		}

	case ipc.KindUserExit:
		*exiting = true
		stopTimer(startTimer)
		stopTimer(pongTimer)
		s.logger.Info("Process exiting on its own, pid:", s.proc.Pid())

	case ipc.KindShutdownResponse:
		*exiting = true
		stopTimer(startTimer)
		stopTimer(pongTimer)
		s.logger.Debug("Shutdown acknowledged, pid:", s.proc.Pid())

	default:
		s.logger.Debug("Ignoring unexpected message from process:", msg.Kind)
	}
}

// Record a fatal per-process failure and kill the process.
// All timers are cleared first so that a kill in progress cannot
// trigger a second kill.
func (s *Supervisor) fail(err error, startTimer, pongTimer *time.Timer) {
	stopTimer(startTimer)
	stopTimer(pongTimer)
	s.setFailure(err)

	if job := s.Job(); job != nil {
		s.logger.Errorf("Job %s failed: %v", job.Job.Id, err)
	} else {
		s.logger.Errorf("Process %d failed: %v", s.proc.Pid(), err)
	}

	if detailed, ok := err.(utils.DetailedError); ok && detailed.Details() != "" {
		s.logger.Debug(detailed.Details())
	}

	s.proc.Kill()
}

// Attach a job to an idle supervisor. The job payload is delivered
// over the IPC channel. Fails if a job is already attached or the
// supervisor is no longer usable.
func (s *Supervisor) StartJob(info *RunningJobInfo) error {
	s.mu.Lock()
	if s.info != nil {
		s.mu.Unlock()
		return fmt.Errorf("a job is already attached to this process")
	}
	if s.state != StateStarting && s.state != StateRunning {
		s.mu.Unlock()
		return utils.ErrClosed
	}
	s.info = info
	s.mu.Unlock()

	select {
	case s.assign <- info:
		return nil
	case <-s.done:
		return utils.ErrClosed
	}
}

// Request a graceful shutdown. Idempotent; the shutdown request
// is sent to the process at most once.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
}

// Forcibly terminate the process.
func (s *Supervisor) Kill() {
	s.proc.Kill()
}

// Closed when the process has fully exited, regardless of cause.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Wait until the process has exited or the context expires.
func (s *Supervisor) Join(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state SupervisorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// The job running on this process, or nil while idle.
func (s *Supervisor) Job() *RunningJobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Supervisor) JobId() string {
	if job := s.Job(); job != nil {
		return job.Job.Id
	}
	return ""
}

// The per-process failure observed, if any.
func (s *Supervisor) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Supervisor) setFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
}

func (s *Supervisor) Pid() int {
	return s.proc.Pid()
}

// Identifier of this process's entry in the job log stash.
func (s *Supervisor) LogId() string {
	return s.logId
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
