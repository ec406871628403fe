// Package bridge runs the out-of-process scraping engine.
//
// The engine is invoked as [runtime, script, action, jsonParams]. It writes
// exactly one JSON document to stdout and free-text progress to stderr.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/livinlefevreloca/catalogsync/internal/joblog"
	"github.com/livinlefevreloca/catalogsync/internal/metrics"
)

// Engine actions
const (
	ActionScrapeAll      = "scrape_all"
	ActionScrapeCategory = "scrape_category"
	ActionScrapeProduct  = "scrape_product"
)

// Default per-action timeouts
const (
	DefaultFullTimeout     = 3600 * time.Second
	DefaultCategoryTimeout = 1800 * time.Second
	DefaultTimeout         = 300 * time.Second
)

// Config holds engine invocation settings
type Config struct {
	Runtime         string        `toml:"runtime"`
	WorkDir         string        `toml:"work_dir"`
	FullTimeout     time.Duration `toml:"full_timeout"`
	CategoryTimeout time.Duration `toml:"category_timeout"`
	DefaultTimeout  time.Duration `toml:"default_timeout"`
	// WaitDelay bounds how long output is drained after the process is killed
	WaitDelay time.Duration `toml:"wait_delay"`
}

// DefaultConfig returns the stock timeouts with a node runtime
func DefaultConfig() Config {
	return Config{
		Runtime:         "node",
		FullTimeout:     DefaultFullTimeout,
		CategoryTimeout: DefaultCategoryTimeout,
		DefaultTimeout:  DefaultTimeout,
		WaitDelay:       5 * time.Second,
	}
}

// Bridge invokes one engine script
type Bridge struct {
	config Config
	script string
	logger *slog.Logger
}

// New creates a bridge for script. Zero timeouts fall back to the defaults.
func New(config Config, script string, logger *slog.Logger) *Bridge {
	if config.FullTimeout <= 0 {
		config.FullTimeout = DefaultFullTimeout
	}
	if config.CategoryTimeout <= 0 {
		config.CategoryTimeout = DefaultCategoryTimeout
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{config: config, script: script, logger: logger}
}

// Script returns the engine script path
func (b *Bridge) Script() string {
	return b.script
}

// TimeoutFor returns the wall-clock and idle timeout of an action
func (b *Bridge) TimeoutFor(action string) time.Duration {
	switch action {
	case ActionScrapeAll:
		return b.config.FullTimeout
	case ActionScrapeCategory:
		return b.config.CategoryTimeout
	default:
		return b.config.DefaultTimeout
	}
}

// Run invokes the engine and returns its validated output.
// Non-zero exit and timeouts return *SubprocessError; undecodable or
// unexpected output returns *MalformedOutputError. A nil logger discards
// stderr progress lines.
func (b *Bridge) Run(ctx context.Context, action string, params map[string]any, logger *joblog.Logger) (*Result, error) {
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}

	timeout := b.TimeoutFor(action)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	idle := newIdleWatch(timeout, cancel)
	defer idle.stop()

	stdout := &activityWriter{idle: idle}
	stderr := &lineWriter{idle: idle, emit: func(line string) {
		if logger != nil {
			logger.Debug(ctx, line)
		}
	}}

	cmd := exec.CommandContext(runCtx, b.config.Runtime, b.script, action, string(encoded))
	cmd.Dir = b.config.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = b.config.WaitDelay

	b.logger.Debug("starting engine", "action", action, "script", b.script, "timeout", timeout)
	started := time.Now()
	runErr := cmd.Run()
	stderr.flush()
	elapsed := time.Since(started)

	if runErr != nil {
		metrics.BridgeRun(action, false, elapsed)
		return nil, b.subprocessError(ctx, runCtx, action, timeout, idle.fired(), stderr.String(), runErr)
	}

	result, err := Decode(action, stdout.Bytes())
	metrics.BridgeRun(action, err == nil, elapsed)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("engine finished", "action", action, "duration", elapsed, "records", len(result.Records))
	return result, nil
}

func (b *Bridge) subprocessError(parent, runCtx context.Context, action string, timeout time.Duration,
	idleFired bool, stderr string, runErr error) error {
	subErr := &SubprocessError{
		Action:   action,
		ExitCode: -1,
		Stderr:   strings.TrimSpace(stderr),
		Err:      runErr,
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		subErr.ExitCode = exitErr.ExitCode()
	}

	switch {
	case parent.Err() != nil:
		subErr.Err = parent.Err()
	case idleFired:
		subErr.TimedOut = true
		subErr.Err = fmt.Errorf("no output for %s", timeout)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		subErr.TimedOut = true
		subErr.Err = fmt.Errorf("timed out after %s", timeout)
	}

	b.logger.Warn("engine failed", "action", action, "exitCode", subErr.ExitCode, "error", subErr.Err)
	return subErr
}

// idleWatch cancels the run once no output has been seen for the timeout
type idleWatch struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	hit     bool
}

func newIdleWatch(timeout time.Duration, cancel context.CancelFunc) *idleWatch {
	w := &idleWatch{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		w.hit = true
		w.mu.Unlock()
		cancel()
	})
	return w
}

func (w *idleWatch) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.hit {
		w.timer.Reset(w.timeout)
	}
}

func (w *idleWatch) fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hit
}

func (w *idleWatch) stop() {
	w.timer.Stop()
}

// activityWriter buffers stdout and feeds the idle watch
type activityWriter struct {
	buf  bytes.Buffer
	idle *idleWatch
}

func (a *activityWriter) Write(p []byte) (int, error) {
	a.idle.touch()
	return a.buf.Write(p)
}

func (a *activityWriter) Bytes() []byte {
	return a.buf.Bytes()
}

// lineWriter keeps the full stderr and emits each non-empty line as it completes
type lineWriter struct {
	all     bytes.Buffer
	partial []byte
	idle    *idleWatch
	emit    func(string)
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.idle.touch()
	l.all.Write(p)
	l.partial = append(l.partial, p...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		l.send(l.partial[:i])
		l.partial = l.partial[i+1:]
	}
	return len(p), nil
}

func (l *lineWriter) flush() {
	if len(l.partial) > 0 {
		l.send(l.partial)
		l.partial = nil
	}
}

func (l *lineWriter) send(line []byte) {
	if s := strings.TrimSpace(string(line)); s != "" {
		l.emit(s)
	}
}

func (l *lineWriter) String() string {
	return l.all.String()
}
