package model

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Brownie44l1/segcam/internal/config"
)

// maxMessage caps a single framed message read from the worker.
const maxMessage = 256 << 20

// Request is one inference call sent to a worker process.
type Request struct {
	Shape []int64   `msgpack:"shape"`
	Data  []float32 `msgpack:"data"`
}

// Response is the worker's answer. A non-empty Error reports a model failure
// without ending the worker.
type Response struct {
	Data  []float32 `msgpack:"data"`
	Error string    `msgpack:"error,omitempty"`
}

// WriteMessage writes v as a 4-byte big-endian length followed by its
// msgpack encoding.
func WriteMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v.
func ReadMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessage {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

// Worker runs the model in a child process speaking length-prefixed msgpack
// over stdin and stdout. A call that overruns the timeout kills the process;
// the next call starts a fresh one.
type Worker struct {
	argv    []string
	timeout time.Duration
	spec    TensorSpec
	log     *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	pipe   *os.File // read end of the worker's stdout, owned by us
	stdout *bufio.Reader
	exited chan struct{}
}

func NewWorker(cfg config.InferenceConfig, spec TensorSpec, logger *slog.Logger) (*Worker, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("worker command is empty")
	}
	w := &Worker{
		argv:    cfg.Command,
		timeout: cfg.Timeout,
		spec:    spec,
		log:     logger.With("backend", "subprocess"),
	}
	if err := w.start(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Worker) Name() string { return "subprocess/" + w.argv[0] }

func (w *Worker) start() error {
	cmd := exec.Command(w.argv[0], w.argv[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// Wait closes pipes made by StdoutPipe, which could drop a reply the
	// worker wrote just before exiting. An os.Pipe stays open until stop.
	stdout, child, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stdout = child
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		child.Close()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	err = cmd.Start()
	child.Close()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("failed to start worker process: %w", err)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.pipe = stdout
	w.stdout = bufio.NewReader(stdout)
	w.exited = make(chan struct{})

	go w.logStderr(stderr)
	go func(cmd *exec.Cmd, exited chan struct{}) {
		err := cmd.Wait()
		w.log.Debug("worker process exited", "pid", cmd.Process.Pid, "error", err)
		close(exited)
	}(cmd, w.exited)

	w.log.Info("worker process spawned", "pid", cmd.Process.Pid)
	return nil
}

func (w *Worker) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		w.log.Debug("worker log", "line", scanner.Text())
	}
}

func (w *Worker) stop() {
	if w.cmd == nil {
		return
	}
	w.stdin.Close()
	w.cmd.Process.Kill()
	<-w.exited
	w.pipe.Close()
	w.cmd = nil
}

func (w *Worker) Infer(input []float32) ([]float32, error) {
	if err := w.spec.checkInput(input); err != nil {
		return nil, err
	}
	if w.cmd == nil {
		if err := w.start(); err != nil {
			return nil, err
		}
	}

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	stdin, stdout := w.stdin, w.stdout
	go func() {
		var r result
		r.err = WriteMessage(stdin, Request{Shape: w.spec.InputShape(), Data: input})
		if r.err == nil {
			r.err = ReadMessage(stdout, &r.resp)
		}
		done <- r
	}()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			// The stream is out of sync or the process is gone.
			w.stop()
			return nil, fmt.Errorf("worker exchange: %w", r.err)
		}
		if r.resp.Error != "" {
			return nil, fmt.Errorf("worker: %s", r.resp.Error)
		}
		if err := w.spec.checkOutput(r.resp.Data); err != nil {
			return nil, err
		}
		return r.resp.Data, nil
	case <-timer.C:
		w.log.Warn("worker timed out, killing it", "timeout", w.timeout)
		w.stop()
		<-done
		return nil, fmt.Errorf("%w: worker gave no answer within %s", ErrTimeout, w.timeout)
	}
}

func (w *Worker) Close() error {
	w.stop()
	return nil
}
