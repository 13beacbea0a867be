package agent

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/flotilla-run/flotilla/pkg/ipc"
	"github.com/flotilla-run/flotilla/pkg/log"
	"github.com/flotilla-run/flotilla/pkg/utils"
)

// A handle to one spawned job process.
type Process interface {
	// Messages received from the process over the IPC channel.
	// Closed when the channel tears down.
	Messages() <-chan *ipc.Message

	// Send a message to the process.
	Send(*ipc.Message) error

	// Forcibly terminate the process.
	Kill() error

	// Closed when the OS process has exited.
	Done() <-chan struct{}

	// The process exit error, if any. Valid after Done is closed.
	Err() error

	Pid() int
}

// ProcessLauncher spawns job processes. Abstracted so that the pool
// and supervisor are portable and testable with a fake launcher.
type ProcessLauncher interface {
	// Spawn a process. A nil request spawns a warm, job-less
	// process; otherwise the job payload is passed through the
	// process environment. Process output is copied to out when
	// not nil.
	Spawn(req *ipc.StartRequest, out io.Writer) (Process, error)
}

type execLauncher struct {
	args   []string
	logger *log.Logger
}

// Create a launcher running the given command for every process.
// The IPC channel uses the child's stdin/stdout pipes; stderr
// carries the job's own output.
func NewExecLauncher(args []string, logger *log.Logger) ProcessLauncher {
	return &execLauncher{
		args:   args,
		logger: logger,
	}
}

func (l *execLauncher) Spawn(req *ipc.StartRequest, out io.Writer) (Process, error) {
	cmd := utils.NewCommand(l.args...)

	if req != nil {
		cmd.AppendEnv(req.Environ())
	}

	if out != nil {
		cmd.SetStderr(io.MultiWriter(os.Stderr, out))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Spawning", strings.Join(cmd.Args(), " "))

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{
		cmd:  cmd,
		conn: ipc.NewConn(stdout, stdin),
		msgs: make(chan *ipc.Message),
		done: make(chan struct{}),
	}

	go p.readLoop()
	go p.wait()

	return p, nil
}

type execProcess struct {
	cmd  *utils.Command
	conn *ipc.Conn
	msgs chan *ipc.Message
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) readLoop() {
	defer close(p.msgs)

	for {
		msg, err := p.conn.Recv()
		if err != nil {
			return
		}

		select {
		case p.msgs <- msg:
		case <-p.done:
			return
		}
	}
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	if err != nil {
		p.err = utils.NewDetailedError(
			fmt.Sprintf("Process exited: %v", err), strings.Join(p.cmd.Args(), " "))
	}
	p.mu.Unlock()

	close(p.done)
}

func (p *execProcess) Messages() <-chan *ipc.Message {
	return p.msgs
}

func (p *execProcess) Send(msg *ipc.Message) error {
	return p.conn.Send(msg)
}

func (p *execProcess) Kill() error {
	return p.cmd.Kill()
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Pid() int {
	return p.cmd.GetPid()
}
