package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/roasbeef/revbroker/internal/build"
)

// LaunchSpec describes a single reviewer subprocess to start.
type LaunchSpec struct {
	// ReviewerID is the fully qualified reviewer identity, stamped into
	// every worker log line.
	ReviewerID string

	// Project is the review bucket this worker was spawned for, if any.
	Project string

	// Argv is the full command line, program first.
	Argv []string

	// Dir is the working directory for the subprocess.
	Dir string

	// Prompt is written to the worker's stdin and then stdin is closed.
	Prompt string

	// LogDir is where the per-worker JSONL log is written. Empty disables
	// worker logging.
	LogDir string

	// LogMaxBytes caps the worker log file size before rotation.
	LogMaxBytes int64

	// LogBackups is how many rotated worker log files to keep.
	LogBackups int
}

// WorkerProcess is a live handle on a spawned reviewer subprocess.
type WorkerProcess interface {
	// PID returns the operating system process id.
	PID() int

	// Running reports whether the process has not yet exited.
	Running() bool

	// ExitCode returns the exit code once the process has exited.
	ExitCode() (int, bool)

	// Terminate asks the process to exit via SIGTERM.
	Terminate() error

	// Kill force kills the process.
	Kill() error

	// WaitExit blocks until the process exits or the timeout elapses,
	// reporting whether it exited.
	WaitExit(timeout time.Duration) bool
}

// Launcher abstracts subprocess creation so tests can substitute a fake.
type Launcher interface {
	// Launch starts the described worker. The returned handle is valid
	// even after the process exits.
	Launch(ctx context.Context, spec LaunchSpec) (WorkerProcess, error)
}

// ExecLauncher launches real subprocesses via os/exec.
type ExecLauncher struct{}

// Compile time check that ExecLauncher implements Launcher.
var _ Launcher = (*ExecLauncher)(nil)

// Launch starts the worker process, feeds it the prompt on stdin, and pumps
// its stdout/stderr into a rotating JSONL log.
func (l *ExecLauncher) Launch(_ context.Context,
	spec LaunchSpec) (WorkerProcess, error) {

	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty worker argv")
	}

	// Workers outlive the request that spawned them, so the command is
	// deliberately not bound to the caller's context.
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("unable to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("unable to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("unable to open worker stderr: %w", err)
	}

	sink, err := newWorkerLog(spec)
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		sink.close()
		return nil, fmt.Errorf("unable to start worker: %w", err)
	}

	log.Debugf("Launched worker %s (pid %d): %v", spec.ReviewerID,
		cmd.Process.Pid, spec.Argv)

	// The prompt is handed over on stdin, then stdin is closed so the
	// worker knows the request is complete.
	go func() {
		if _, err := io.WriteString(stdin, spec.Prompt); err != nil {
			log.Warnf("Unable to write prompt to worker %s: %v",
				spec.ReviewerID, err)
		}
		_ = stdin.Close()
	}()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		sink.pump("stdout", stdout)
	}()
	go func() {
		defer pumps.Done()
		sink.pump("stderr", stderr)
	}()

	w := &execWorker{
		pid:  cmd.Process.Pid,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		pumps.Wait()
		err := cmd.Wait()

		w.mu.Lock()
		w.exited = true
		w.exitCode = exitCodeFromErr(cmd, err)
		w.mu.Unlock()

		sink.close()
		close(w.done)
	}()

	return w, nil
}

// exitCodeFromErr extracts the process exit code after Wait returns.
func exitCodeFromErr(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// execWorker is the WorkerProcess implementation backing ExecLauncher.
type execWorker struct {
	pid  int
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exited   bool
	exitCode int
}

// PID returns the worker's process id.
func (w *execWorker) PID() int {
	return w.pid
}

// Running reports whether the worker process is still alive.
func (w *execWorker) Running() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code once the worker has exited.
func (w *execWorker) ExitCode() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.exitCode, w.exited
}

// Terminate sends SIGTERM to the worker.
func (w *execWorker) Terminate() error {
	if !w.Running() {
		return nil
	}
	return w.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill force kills the worker.
func (w *execWorker) Kill() error {
	if !w.Running() {
		return nil
	}
	return w.cmd.Process.Kill()
}

// WaitExit blocks until the worker exits or the timeout elapses.
func (w *execWorker) WaitExit(timeout time.Duration) bool {
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// workerLogEntry is one line of the per-worker JSONL log.
type workerLogEntry struct {
	TS         string `json:"ts"`
	ReviewerID string `json:"reviewer_id"`
	Stream     string `json:"stream"`
	Line       string `json:"line"`
}

// workerLog serializes worker output into a rotating JSONL file. A nil
// workerLog discards everything.
type workerLog struct {
	reviewerID string

	mu     sync.Mutex
	writer *build.RotatingLogWriter
}

// newWorkerLog opens the rotating log sink for a worker. Returns nil when
// the spec disables worker logging.
func newWorkerLog(spec LaunchSpec) (*workerLog, error) {
	if spec.LogDir == "" {
		return nil, nil
	}

	maxMB := int(spec.LogMaxBytes / (1024 * 1024))
	if maxMB < 1 {
		maxMB = 1
	}

	writer := build.NewRotatingLogWriter()
	err := writer.InitLogRotator(&build.LogRotatorConfig{
		LogDir:         spec.LogDir,
		MaxLogFiles:    spec.LogBackups,
		MaxLogFileSize: maxMB,
		Filename:       spec.ReviewerID + ".jsonl",
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open worker log: %w", err)
	}

	return &workerLog{
		reviewerID: spec.ReviewerID,
		writer:     writer,
	}, nil
}

// pump reads r line by line and appends each line to the log. It returns
// when r is exhausted.
func (l *workerLog) pump(stream string, r io.Reader) {
	if l == nil {
		_, _ = io.Copy(io.Discard, r)
		return
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		entry := workerLogEntry{
			TS:         time.Now().UTC().Format(time.RFC3339Nano),
			ReviewerID: l.reviewerID,
			Stream:     stream,
			Line:       sc.Text(),
		}
		b, err := json.Marshal(entry)
		if err != nil {
			continue
		}

		l.mu.Lock()
		_, _ = l.writer.Write(append(b, '\n'))
		l.mu.Unlock()
	}
}

// close flushes and closes the underlying rotating writer.
func (l *workerLog) close() {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.writer.Close()
}
