package pool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"

	"github.com/lysyi3m/feedpool/app/ipc"
)

// WorkerFlag is appended to the parent's arguments when spawning a worker
const WorkerFlag = "--worker"

// Process is a running worker as seen by the pool
type Process interface {
	Pid() int
	Conn() *ipc.Conn
	// Terminate asks the worker to finish its current task and exit
	Terminate() error
	Kill() error
	// Wait blocks until the worker has exited. It is called once, after
	// the channel reported EOF.
	Wait() error
}

type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// ExecSpawner starts workers by re-executing the current binary with
// WorkerFlag. The child's stdin and stdout carry the message channel and
// its stderr is shared with the parent so worker logs end up in one place.
type ExecSpawner struct {
	Path string
	Args []string
	Env  []string
}

func NewExecSpawner() (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}

	args := slices.DeleteFunc(slices.Clone(os.Args[1:]), func(arg string) bool {
		return arg == WorkerFlag
	})

	return &ExecSpawner{
		Path: path,
		Args: append(args, WorkerFlag),
	}, nil
}

func (s *ExecSpawner) Spawn(ctx context.Context) (Process, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Stderr = os.Stderr
	cmd.Env = s.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	return &execProcess{
		cmd:  cmd,
		conn: ipc.NewConn(stdout, stdin),
	}, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	conn *ipc.Conn
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Conn() *ipc.Conn {
	return p.conn
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(terminateSignal)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	p.conn.Close()
	return p.cmd.Wait()
}
