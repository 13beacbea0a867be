package agent

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/flotilla-run/flotilla/pkg/ipc"
	"github.com/flotilla-run/flotilla/pkg/joblog"
	"github.com/flotilla-run/flotilla/pkg/log"
	"github.com/flotilla-run/flotilla/pkg/utils"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Pool keeps a target number of warm, job-less supervisors ready for
// instant assignment, assigns jobs to them, indexes running jobs by
// id, and drains on shutdown. The pool is the sole owner of its
// supervisors; failures inside one process never propagate past the
// pool boundary.
type Pool struct {
	mu       sync.Mutex
	logger   *log.Logger
	launcher ProcessLauncher
	stash    joblog.Stash
	opts     supervisorOptions
	numIdle  int

	idle    []*Supervisor
	running map[string]*Supervisor
	all     map[*Supervisor]struct{}
	closed  bool
}

func NewPool(launcher ProcessLauncher, stash joblog.Stash, config *Config, logger *log.Logger) *Pool {
	return &Pool{
		logger:   logger,
		launcher: launcher,
		stash:    stash,
		opts:     config.supervisorOptions(),
		numIdle:  config.NumIdleProcesses,
		running:  map[string]*Supervisor{},
		all:      map[*Supervisor]struct{}{},
	}
}

// Pre-spawn the target number of idle supervisors.
func (p *Pool) Start() {
	for i := 0; i < p.numIdle; i++ {
		go p.replenish()
	}
}

// Assign a job to an idle supervisor, or spawn one cold if none is
// idle. Never blocks waiting for a supervisor to become idle, and
// never queues. Returns once the job is attached; job start is
// supervised independently and its failure surfaces via logs and
// the job's absence from the running index.
func (p *Pool) LaunchJob(info *RunningJobInfo) error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return utils.ErrClosed
	}

	if _, ok := p.running[info.Job.Id]; ok {
		p.mu.Unlock()
		return fmt.Errorf("job %s is already running", info.Job.Id)
	}

	// Pop one idle supervisor if available.
	var sup *Supervisor
	if n := len(p.idle); n > 0 {
		sup = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}

	if sup != nil {
		if err := sup.StartJob(info); err != nil {
			// The warm process is no longer usable. Fall back
			// to a cold spawn below.
			p.logger.Debug("Idle process unusable, spawning cold:", err)
			sup.Close()
			sup = nil
		}
	}

	if sup == nil {
		var err error
		sup, err = p.spawnLocked(info)
		if err != nil {
			p.mu.Unlock()
			return err
		}
	}

	p.running[info.Job.Id] = sup
	p.mu.Unlock()

	// Restore the idle target in the background.
	go p.replenish()

	return nil
}

// Look up the supervisor running a job. A miss is not an error;
// the job may have finished before the control plane noticed.
func (p *Pool) GetByJobId(id string) (*Supervisor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sup, ok := p.running[id]
	return sup, ok
}

// Read-only snapshot of all supervisors, idle and running.
func (p *Pool) Processes() []*Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()

	procs := make([]*Supervisor, 0, len(p.all))
	for sup := range p.all {
		procs = append(procs, sup)
	}
	return procs
}

// Number of jobs currently running.
func (p *Pool) ActiveJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Number of idle supervisors currently available.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close the pool. Idle supervisors are closed immediately; busy ones
// are joined so their jobs can finish naturally. When the context
// expires first, the remaining processes are killed and the context
// error is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	idle := p.idle
	p.idle = nil

	busy := make([]*Supervisor, 0, len(p.running))
	for _, sup := range p.running {
		busy = append(busy, sup)
	}
	p.mu.Unlock()

	for _, sup := range idle {
		sup.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sup := range append(busy, idle...) {
		sup := sup
		g.Go(func() error {
			return sup.Join(gctx)
		})
	}

	err := g.Wait()
	if err != nil {
		for _, sup := range p.Processes() {
			sup.Kill()
		}
	}
	return err
}

// Spawn one supervisor. info is nil for a warm, job-less process.
// Callers must hold the pool lock.
func (p *Pool) spawnLocked(info *RunningJobInfo) (*Supervisor, error) {
	var logId string
	if info != nil {
		logId = info.Job.Id
	} else {
		logId = "proc-" + uuid.NewString()
	}

	var output io.WriteCloser
	if p.stash != nil {
		if w, err := p.stash.Create(logId); err == nil {
			output = w
		} else {
			p.logger.Warn("Failed to create job log:", err)
		}
	}

	var req *ipc.StartRequest
	if info != nil {
		req = info.startRequest()
	}

	var out io.Writer
	if output != nil {
		out = output
	}

	proc, err := p.launcher.Spawn(req, out)
	if err != nil {
		if output != nil {
			output.Close()
		}
		return nil, err
	}

	sup := startSupervisor(proc, info, output, logId, p.opts, p.logger)
	p.all[sup] = struct{}{}

	go p.reap(sup)

	return sup, nil
}

// Remove a supervisor from the indexes once its process has exited,
// and restore the idle target if it held an idle slot.
func (p *Pool) reap(sup *Supervisor) {
	<-sup.Done()

	p.mu.Lock()
	delete(p.all, sup)
	if id := sup.JobId(); id != "" && p.running[id] == sup {
		delete(p.running, id)
	}

	wasIdle := false
	for i, s := range p.idle {
		if s == sup {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			wasIdle = true
			break
		}
	}
	closed := p.closed
	p.mu.Unlock()

	if wasIdle && !closed {
		go p.replenish()
	}
}

// Spawn warm supervisors until the idle target is met.
func (p *Pool) replenish() {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle) >= p.numIdle {
			p.mu.Unlock()
			return
		}

		sup, err := p.spawnLocked(nil)
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn("Failed to spawn idle process:", err)
			return
		}
		p.idle = append(p.idle, sup)
		p.mu.Unlock()
	}
}
