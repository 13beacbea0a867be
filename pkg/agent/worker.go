package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flotilla-run/flotilla/pkg/auth"
	"github.com/flotilla-run/flotilla/pkg/joblog"
	"github.com/flotilla-run/flotilla/pkg/log"
	"github.com/flotilla-run/flotilla/pkg/protocol"
	"github.com/flotilla-run/flotilla/pkg/transport"
	"github.com/flotilla-run/flotilla/pkg/utils"
	"github.com/labstack/echo/v4"
)

// DecisionFunc decides whether the worker handles an offered job.
// It must call exactly one of req.Accept or req.Reject before
// returning; returning without a decision rejects the offer.
type DecisionFunc func(req *JobRequest)

// LoadFunc samples the worker load as a value in [0, 1].
type LoadFunc func() float64

type jobDecision struct {
	accepted bool
	args     JobAcceptArgs
}

// An availability offer awaiting a decision. The first call to
// Accept or Reject wins; later calls are ignored.
type JobRequest struct {
	offer   *protocol.AvailabilityRequest
	once    sync.Once
	decided chan jobDecision
}

func (r *JobRequest) Job() protocol.Job {
	return r.offer.Job
}

// True if this offer was previously extended to another worker.
func (r *JobRequest) Resuming() bool {
	return r.offer.Resuming
}

func (r *JobRequest) Accept(args JobAcceptArgs) {
	r.once.Do(func() {
		r.decided <- jobDecision{accepted: true, args: args}
	})
}

func (r *JobRequest) Reject() {
	r.once.Do(func() {
		r.decided <- jobDecision{}
	})
}

type workerStats struct {
	offersAccepted atomic.Int64
	offersRejected atomic.Int64
	offersLapsed   atomic.Int64
	jobsLaunched   atomic.Int64
	reconnects     atomic.Int64
}

// Worker maintains the control-plane session: registration,
// availability offers, assignment delivery, load reporting,
// draining and reconnects. Accepted jobs are handed to the
// process pool; the worker never touches a process directly.
type Worker struct {
	logger *log.Logger
	config *Config
	dialer transport.Dialer
	decide DecisionFunc
	loadFn LoadFunc
	pool   *Pool
	stash  joblog.Stash
	events *utils.Broadcast[*WorkerEvent]
	stats  workerStats

	mu       sync.Mutex
	conn     transport.Conn
	workerId string
	status   protocol.WorkerStatus
	draining bool
	closed   bool
	pending  map[string]chan *protocol.JobAssignment
	http     *echo.Echo

	handlers  sync.WaitGroup
	closeCh   chan struct{}
	closeOnce sync.Once
	startedAt time.Time
}

// Create a new worker. Credentials are validated immediately;
// a missing API key or secret fails construction.
func NewWorker(config *Config, dialer transport.Dialer, launcher ProcessLauncher, decide DecisionFunc, logger *log.Logger) (*Worker, error) {
	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	fs, err := config.JobLog.CreateFs()
	if err != nil {
		return nil, err
	}
	stash := joblog.NewStash(fs, config.JobLog.MaxSize(), logger)

	w := &Worker{
		logger:  logger,
		config:  config,
		dialer:  dialer,
		decide:  decide,
		stash:   stash,
		events:  utils.NewBroadcast[*WorkerEvent](logger),
		pending: map[string]chan *protocol.JobAssignment{},
		closeCh: make(chan struct{}),
	}

	w.pool = NewPool(launcher, stash, config, logger)
	w.loadFn = defaultLoadFunc(w.pool, config.MaxJobs)

	return w, nil
}

// Replace the load function. Must be called before Run.
func (w *Worker) SetLoadFunc(fn LoadFunc) {
	w.loadFn = fn
}

// Run the worker until it is closed or a fatal error occurs:
// a protocol violation, or the reconnect budget is exhausted.
func (w *Worker) Run(ctx context.Context) error {
	w.startedAt = time.Now()
	w.pool.Start()

	if w.config.ListenHttp != "" {
		if err := w.serveHttp(); err != nil {
			return err
		}
	}

	attempt := 0
	for {
		if w.isClosed() {
			return nil
		}

		conn, err := w.connect(ctx)
		if err == nil {
			attempt = 0

			err = w.session(ctx, conn)
			if w.isClosed() || err == nil {
				return nil
			}
			w.logger.Warn("Connection to control plane lost:", err)
		} else {
			if errors.Is(err, utils.ErrProtocol) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.DebugError(err)
		}

		attempt++
		if attempt > w.config.MaxRetry {
			return fmt.Errorf("%w (%d attempts)", utils.ErrReconnectFailed, w.config.MaxRetry)
		}

		delay := time.Duration(attempt) * w.config.RetryDelay
		if delay > w.config.RetryDelayMax {
			delay = w.config.RetryDelayMax
		}

		w.logger.Warnf("Reconnecting to control plane in %v (attempt %d/%d)", delay, attempt, w.config.MaxRetry)
		w.stats.reconnects.Add(1)
		w.emit(&WorkerEvent{Kind: EventReconnecting})

		select {
		case <-time.After(delay):
		case <-w.closeCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Open a session and perform the register handshake. The first
// message from the control plane must acknowledge registration;
// anything else is a fatal protocol violation.
func (w *Worker) connect(ctx context.Context) (transport.Conn, error) {
	token, err := auth.NewAccessToken(w.config.ApiKey, w.config.ApiSecret)
	if err != nil {
		return nil, err
	}

	jwt, err := token.SetIdentity(w.config.AgentName).ToJWT()
	if err != nil {
		return nil, err
	}

	conn, err := w.dialer.Dial(ctx, jwt)
	if err != nil {
		return nil, err
	}

	register := &protocol.WorkerMessage{
		Kind: protocol.WorkerMessageRegister,
		Register: &protocol.RegisterRequest{
			WorkerType:      protocol.WorkerType(w.config.WorkerType),
			AgentName:       w.config.AgentName,
			Permissions:     []string{"agent"},
			ProtocolVersion: protocol.Version,
		},
	}
	if err := conn.Send(register); err != nil {
		conn.Close()
		return nil, err
	}

	msg, err := conn.Recv()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if msg.Kind != protocol.ServerMessageRegister || msg.Register == nil {
		conn.Close()
		return nil, fmt.Errorf("%w: expected register acknowledgement, got %q", utils.ErrProtocol, msg.Kind)
	}

	ack := msg.Register
	if ack.ProtocolVersion != "" && utils.VersionLessThan(protocol.Version, ack.ProtocolVersion) {
		w.logger.Warnf("Control plane speaks protocol %s, this worker speaks %s", ack.ProtocolVersion, protocol.Version)
	}

	w.mu.Lock()
	w.workerId = ack.WorkerId
	w.mu.Unlock()

	w.logger.Info("Registered with control plane, worker id:", ack.WorkerId)
	w.emit(&WorkerEvent{Kind: EventRegistered, WorkerId: ack.WorkerId})

	return conn, nil
}

// Serve one session until the transport fails or the worker closes.
func (w *Worker) session(ctx context.Context, conn transport.Conn) error {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()
		conn.Close()
	}()

	msgs := make(chan *protocol.ServerMessage)
	recvErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			msg, err := conn.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-w.closeCh:
				return
			}
		}
	}()

	ticker := time.NewTicker(w.config.StatusInterval)
	defer ticker.Stop()

	w.sendStatus(conn)

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				select {
				case err := <-recvErr:
					return err
				default:
					return nil
				}
			}
			w.dispatch(conn, msg)

		case <-ticker.C:
			w.sendStatus(conn)

		case <-w.closeCh:
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handle one message from the control plane.
func (w *Worker) dispatch(conn transport.Conn, msg *protocol.ServerMessage) {
	switch msg.Kind {
	case protocol.ServerMessageAvailability:
		if msg.Availability == nil {
			return
		}
		w.handlers.Add(1)
		go func() {
			defer w.handlers.Done()
			w.handleAvailability(conn, msg.Availability)
		}()

	case protocol.ServerMessageAssignment:
		if msg.Assignment == nil {
			return
		}
		w.handleAssignment(msg.Assignment)

	case protocol.ServerMessageTermination:
		if msg.Termination == nil {
			return
		}
		w.handleTermination(msg.Termination)

	default:
		w.logger.Debug("Ignoring unexpected message from control plane:", msg.Kind)
	}
}

func (w *Worker) handleAvailability(conn transport.Conn, offer *protocol.AvailabilityRequest) {
	job := offer.Job

	if w.isDraining() || w.isClosed() {
		w.sendAvailability(conn, job.Id, false, JobAcceptArgs{})
		return
	}

	req := &JobRequest{
		offer:   offer,
		decided: make(chan jobDecision, 1),
	}
	w.decide(req)

	var decision jobDecision
	select {
	case decision = <-req.decided:
	default:
		w.logger.Warn("Decision function returned without accepting or rejecting, rejecting job:", job.Id)
	}

	if !decision.accepted {
		w.stats.offersRejected.Add(1)
		w.sendAvailability(conn, job.Id, false, JobAcceptArgs{})
		return
	}

	// At most one pending assignment may exist per job id.
	w.mu.Lock()
	if _, exists := w.pending[job.Id]; exists {
		w.mu.Unlock()
		w.logger.Warn("Duplicate availability for job with a pending assignment, ignoring:", job.Id)
		return
	}
	assigned := make(chan *protocol.JobAssignment, 1)
	w.pending[job.Id] = assigned
	w.mu.Unlock()

	w.stats.offersAccepted.Add(1)
	if err := w.sendAvailability(conn, job.Id, true, decision.args); err != nil {
		w.removePending(job.Id)
		return
	}

	timeout := time.NewTimer(w.config.AssignmentTimeout)
	defer timeout.Stop()

	select {
	case assignment := <-assigned:
		info := &RunningJobInfo{
			Job:   job,
			Args:  decision.args,
			Url:   assignment.Url,
			Token: assignment.Token,
		}
		if err := w.pool.LaunchJob(info); err != nil {
			w.logger.Error("Failed to launch job:", err)
			return
		}
		w.stats.jobsLaunched.Add(1)
		w.logger.Info("Launched job:", job.Id)
		w.emit(&WorkerEvent{Kind: EventJobLaunched, JobId: job.Id})
		w.watchJob(job.Id)

	case <-timeout.C:
		w.removePending(job.Id)
		w.stats.offersLapsed.Add(1)
		w.logger.Warnf("Assignment for job %s did not arrive within %v, abandoning offer",
			job.Id, w.config.AssignmentTimeout)
		w.emit(&WorkerEvent{Kind: EventOfferLapsed, JobId: job.Id})

	case <-w.closeCh:
		w.removePending(job.Id)
	}
}

func (w *Worker) handleAssignment(assignment *protocol.JobAssignment) {
	id := assignment.Job.Id

	w.mu.Lock()
	assigned, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()

	if !ok {
		// The offer may have lapsed already.
		w.logger.Debug("Ignoring assignment for unknown job:", id)
		return
	}

	assigned <- assignment
}

func (w *Worker) handleTermination(termination *protocol.JobTermination) {
	sup, ok := w.pool.GetByJobId(termination.JobId)
	if !ok {
		// The job may have finished locally already.
		w.logger.Debug("Ignoring termination for unknown job:", termination.JobId)
		return
	}

	w.logger.Info("Terminating job:", termination.JobId)
	sup.Close()
}

// Emit a job-ended event once the job's process has exited.
func (w *Worker) watchJob(jobId string) {
	sup, ok := w.pool.GetByJobId(jobId)
	if !ok {
		return
	}

	go func() {
		<-sup.Done()
		w.emit(&WorkerEvent{Kind: EventJobEnded, JobId: jobId})
	}()
}

func (w *Worker) sendAvailability(conn transport.Conn, jobId string, available bool, args JobAcceptArgs) error {
	msg := &protocol.WorkerMessage{
		Kind: protocol.WorkerMessageAvailability,
		Availability: &protocol.AvailabilityResponse{
			JobId:               jobId,
			Available:           available,
			ParticipantIdentity: args.Identity,
			ParticipantName:     args.Name,
			ParticipantMetadata: args.Metadata,
		},
	}

	err := conn.Send(msg)
	if err != nil {
		w.logger.Debug("Failed to answer availability:", err)
	}
	return err
}

// Sample the load, derive the status and report both.
// Transitions are logged; regular ticks are not.
func (w *Worker) sendStatus(conn transport.Conn) {
	load := w.loadFn()

	w.mu.Lock()
	status := protocol.StatusFromLoad(load, w.config.LoadThreshold, w.draining)
	changed := status != w.status
	w.status = status
	w.mu.Unlock()

	if changed {
		w.logger.Info("Worker status:", status)
		w.emit(&WorkerEvent{Kind: EventStatus, Status: status, Load: load})
	}

	msg := &protocol.WorkerMessage{
		Kind: protocol.WorkerMessageUpdateWorker,
		UpdateWorker: &protocol.UpdateWorkerStatus{
			Load:     load,
			Status:   status,
			JobCount: w.pool.ActiveJobs(),
		},
	}
	if err := conn.Send(msg); err != nil {
		w.logger.Debug("Failed to report status:", err)
	}
}

// Stop accepting new jobs and wait for running ones to finish
// naturally. Idle processes are closed immediately. Exceeding the
// configured drain timeout is a fatal error.
func (w *Worker) Drain(ctx context.Context) error {
	w.mu.Lock()
	if w.draining {
		w.mu.Unlock()
		return nil
	}
	w.draining = true
	conn := w.conn
	w.mu.Unlock()

	w.logger.Info("Draining: waiting for running jobs to finish")
	w.emit(&WorkerEvent{Kind: EventDraining})

	if conn != nil {
		w.sendStatus(conn)
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.DrainTimeout)
	defer cancel()

	if err := w.pool.Close(ctx); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrDrainTimeout, err)
	}
	return nil
}

// Close the worker: stop accepting offers, close the process pool
// and the auxiliary HTTP server, wait for in-flight handlers, then
// close the transport. Idempotent.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		conn := w.conn
		httpServer := w.http
		w.mu.Unlock()

		close(w.closeCh)

		ctx, cancel := context.WithTimeout(context.Background(), w.config.ShutdownTimeout)
		defer cancel()

		if err := w.pool.Close(ctx); err != nil {
			w.logger.Warn("Process pool did not close cleanly:", err)
		}

		if httpServer != nil {
			httpServer.Shutdown(ctx)
		}

		w.handlers.Wait()

		if conn != nil {
			conn.Close()
		}

		w.events.Close()
	})
	return nil
}

// Send a simulated job request to the control plane (dev/test aid).
func (w *Worker) SimulateJob(req *protocol.SimulateJobRequest) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return utils.ErrClosed
	}

	return conn.Send(&protocol.WorkerMessage{
		Kind:        protocol.WorkerMessageSimulateJob,
		SimulateJob: req,
	})
}

// Subscribe to worker events. The consumer must be closed.
func (w *Worker) Events() *utils.BroadcastConsumer[*WorkerEvent] {
	return w.events.NewConsumer()
}

func (w *Worker) emit(event *WorkerEvent) {
	if !w.events.HasConsumer() {
		return
	}
	event.Time = time.Now()
	w.events.Send(event)
}

func (w *Worker) WorkerId() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workerId
}

func (w *Worker) Status() protocol.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) ActiveJobs() int {
	return w.pool.ActiveJobs()
}

// The pool owning this worker's job processes.
func (w *Worker) Pool() *Pool {
	return w.pool
}

// The stash holding archived job process output.
func (w *Worker) JobLogs() joblog.Stash {
	return w.stash
}

func (w *Worker) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Worker) isDraining() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draining
}

func (w *Worker) removePending(jobId string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, jobId)
}
