package supervisor

import (
	"context"
	baseerrors "errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/networkoptix/nx-system-tests-sub010/queue"
)

// ProcessLauncher runs every worker as a child process executing the
// "worker" subcommand of Executable. Disk requests reach the child as JSON
// lines on its standard input.
type ProcessLauncher struct {
	Executable string
	// Args are appended to the worker command line.
	Args   []string
	Logger log.Logger
}

type processHandle struct {
	cmd   *exec.Cmd
	stdin io.Closer
	// cancel ends forwarding; forwarded is closed once the forwarder returned.
	cancel    context.CancelFunc
	forwarded chan struct{}
	done      chan struct{}
	err       error
}

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Err() error { return h.err }

func (h *processHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	// Requests still in the queue belong to the next worker.
	h.cancel()
	_ = h.stdin.Close()
	<-h.forwarded
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !baseerrors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, "failed to signal worker")
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	}
	if err := h.cmd.Process.Kill(); err != nil && !baseerrors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, "failed to kill worker")
	}
	<-h.done
	return nil
}

// WorkerArgs is the command line running spec's worker. The worker reads
// ahead a single request so that pending requests stay in the supervisor's
// queue, where its bound applies.
func WorkerArgs(spec AdapterSpec) []string {
	return []string{
		"worker",
		"--name", spec.Name,
		"--address", spec.Address,
		"--port", strconv.Itoa(spec.Port),
		"--queue-size", "1",
	}
}

func (l *ProcessLauncher) Launch(spec AdapterSpec, q queue.Queue) (Handle, error) {
	logger := l.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cmd := exec.Command(l.Executable, append(WorkerArgs(spec), l.Args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker stdin")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start worker for %s", spec)
	}
	_ = level.Info(logger).Log("msg", "worker started", "adapter", spec.Name, "pid", cmd.Process.Pid)

	ctx, cancel := context.WithCancel(context.Background())
	h := &processHandle{cmd: cmd, stdin: stdin, cancel: cancel, forwarded: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(h.forwarded)
		if err := queue.Forward(ctx, q, stdin); err != nil {
			_ = level.Warn(logger).Log("msg", "stopped forwarding disk requests", "adapter", spec.Name, "err", err)
		}
	}()
	go func() {
		defer close(h.done)
		h.err = cmd.Wait()
		cancel()
	}()
	return h, nil
}
