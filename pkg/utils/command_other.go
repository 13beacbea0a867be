//go:build !linux

package utils

import (
	"io"
	"os"
	"os/exec"
)

// A child process handle.
type Command struct {
	cmd *exec.Cmd
}

func NewCommand(args ...string) *Command {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return &Command{cmd: cmd}
}

func (c *Command) Start() error {
	return c.cmd.Start()
}

func (c *Command) Wait() error {
	return c.cmd.Wait()
}

func (c *Command) Interrupt() error {
	return c.Process().Signal(os.Interrupt)
}

func (c *Command) Kill() error {
	return c.cmd.Process.Kill()
}

func (c *Command) StdinPipe() (io.WriteCloser, error) {
	return c.cmd.StdinPipe()
}

func (c *Command) StdoutPipe() (io.ReadCloser, error) {
	return c.cmd.StdoutPipe()
}

func (c *Command) SetStderr(w io.Writer) {
	c.cmd.Stderr = w
}

func (c *Command) SetDir(dir string) {
	c.cmd.Dir = dir
}

// Append variables to the inherited environment.
func (c *Command) AppendEnv(env []string) {
	if c.cmd.Env == nil {
		c.cmd.Env = os.Environ()
	}
	c.cmd.Env = append(c.cmd.Env, env...)
}

func (c *Command) Args() []string {
	return c.cmd.Args
}

func (c *Command) GetPid() int {
	return c.cmd.Process.Pid
}

func (c *Command) Process() *os.Process {
	return c.cmd.Process
}
