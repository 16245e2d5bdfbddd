package enginehost

import (
	"io"
	"os/exec"
)

// Transport is the byte-stream boundary to an engine. The default
// transport launches a child process; tests substitute an in-memory
// script so no engine binary is needed.
type Transport interface {
	// Start opens the engine's stdin and stdout streams.
	Start() (stdin io.WriteCloser, stdout io.ReadCloser, err error)

	// Kill forcefully terminates the engine side. Safe to call after
	// the engine has already exited.
	Kill() error

	// Done is closed once the engine side has exited.
	Done() <-chan struct{}
}

// procTransport runs an engine binary as a child process wired up
// through stdio pipes.
type procTransport struct {
	command string
	args    []string

	cmd  *exec.Cmd
	done chan struct{}
}

func newProcTransport(command string, args []string) *procTransport {
	return &procTransport{
		command: command,
		args:    args,
		done:    make(chan struct{}),
	}
}

func (t *procTransport) Start() (io.WriteCloser, io.ReadCloser, error) {
	cmd := exec.Command(t.command, t.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	t.cmd = cmd
	go func() {
		_ = cmd.Wait()
		close(t.done)
	}()
	return stdin, stdout, nil
}

func (t *procTransport) Kill() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}

func (t *procTransport) Done() <-chan struct{} { return t.done }
