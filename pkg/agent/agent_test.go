package agent

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/flotilla-run/flotilla/pkg/ipc"
	"github.com/flotilla-run/flotilla/pkg/log"
	"github.com/flotilla-run/flotilla/pkg/protocol"
)

func testLogger() *log.Logger {
	return log.New(log.DisabledLevel)
}

func testConfig() *Config {
	return &Config{
		ServerUri:         "tcp://localhost:9090",
		ApiKey:            "key",
		ApiSecret:         "secret",
		AgentName:         "worker-test",
		Runner:            []string{"/bin/true"},
		NumIdleProcesses:  1,
		MaxJobs:           4,
		LoadThreshold:     0.8,
		PingInterval:      10 * time.Millisecond,
		PongDeadline:      time.Second,
		HighPingThreshold: time.Second,
		StartTimeout:      time.Second,
		ShutdownTimeout:   time.Second,
		AssignmentTimeout: time.Second,
		StatusInterval:    10 * time.Millisecond,
		MaxRetry:          3,
		RetryDelay:        time.Millisecond,
		RetryDelayMax:     3 * time.Millisecond,
		DrainTimeout:      time.Second,
	}
}

func testJobInfo(id string) *RunningJobInfo {
	return &RunningJobInfo{
		Job:   protocol.Job{Id: id, RoomName: "room"},
		Url:   "wss://example.com",
		Token: "token",
	}
}

var errFakeKilled = errors.New("killed")

// A scriptable in-memory stand-in for a spawned job process.
type fakeProcess struct {
	msgs chan *ipc.Message
	done chan struct{}

	// When set, the process answers pings, start requests and
	// shutdown requests like a healthy job runner would.
	autoPong     bool
	autoStart    bool
	autoShutdown bool

	mu       sync.Mutex
	sent     []*ipc.Message
	sendErr  error
	err      error
	killed   bool
	exitOnce sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		msgs: make(chan *ipc.Message, 16),
		done: make(chan struct{}),
	}
}

func (p *fakeProcess) Messages() <-chan *ipc.Message {
	return p.msgs
}

func (p *fakeProcess) Send(msg *ipc.Message) error {
	p.mu.Lock()
	if p.sendErr != nil {
		err := p.sendErr
		p.mu.Unlock()
		return err
	}
	p.sent = append(p.sent, msg)
	autoPong, autoStart, autoShutdown := p.autoPong, p.autoStart, p.autoShutdown
	p.mu.Unlock()

	switch msg.Kind {
	case ipc.KindPing:
		if autoPong {
			p.deliver(ipc.NewPong(msg.Ping, time.Now()))
		}
	case ipc.KindStartRequest:
		if autoStart {
			p.deliver(ipc.NewStartResponse(nil))
		}
	case ipc.KindShutdownRequest:
		if autoShutdown {
			p.deliver(ipc.NewShutdownResponse())
			p.exit(nil)
		}
	}
	return nil
}

func (p *fakeProcess) deliver(msg *ipc.Message) {
	select {
	case p.msgs <- msg:
	case <-p.done:
	}
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errFakeKilled)
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Done() <-chan struct{} {
	return p.done
}

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProcess) Pid() int {
	return 12345
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) sentKinds() []ipc.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()

	kinds := make([]ipc.Kind, 0, len(p.sent))
	for _, msg := range p.sent {
		kinds = append(kinds, msg.Kind)
	}
	return kinds
}

func (p *fakeProcess) sentOfKind(kind ipc.Kind) []*ipc.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	var msgs []*ipc.Message
	for _, msg := range p.sent {
		if msg.Kind == kind {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// A launcher handing out fake processes and recording every spawn.
type fakeLauncher struct {
	autoPong     bool
	autoStart    bool
	autoShutdown bool

	mu       sync.Mutex
	procs    []*fakeProcess
	reqs     []*ipc.StartRequest
	spawnErr error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		autoPong:     true,
		autoStart:    true,
		autoShutdown: true,
	}
}

func (l *fakeLauncher) Spawn(req *ipc.StartRequest, out io.Writer) (Process, error) {
	l.mu.Lock()
	if l.spawnErr != nil {
		err := l.spawnErr
		l.mu.Unlock()
		return nil, err
	}

	p := newFakeProcess()
	p.autoPong = l.autoPong
	p.autoStart = l.autoStart
	p.autoShutdown = l.autoShutdown

	l.procs = append(l.procs, p)
	l.reqs = append(l.reqs, req)
	autoStart := l.autoStart
	l.mu.Unlock()

	// A healthy process reports readiness once initialized.
	if autoStart {
		p.deliver(ipc.NewStartResponse(nil))
	}

	return p, nil
}

func (l *fakeLauncher) spawnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *fakeLauncher) req(i int) *ipc.StartRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reqs[i]
}
