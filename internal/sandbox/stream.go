package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by Streamer.Run.
const (
	EventStdout  = "stdout"
	EventStderr  = "stderr"
	EventExit    = "exit"
	EventTimeout = "timeout"
	EventError   = "error"
)

// Event is one element of the execution event stream. ExitCode and
// Success are always serialized so a zero exit code and a failed run
// survive the wire intact.
type Event struct {
	Type     string    `json:"type"`
	Data     string    `json:"data,omitempty"`
	ExitCode int       `json:"exitCode"`
	Success  bool      `json:"success"`
	Time     time.Time `json:"time"`
}

// partialFlushInterval is how long a line fragment without a newline
// sits before it is emitted anyway. Progress bars and prompts often
// never terminate their line.
const partialFlushInterval = 2 * time.Second

// devServerBanners match dev-server startup lines and capture the port
// the server actually bound. Ordered most-specific first; the first
// match on any line updates the sandbox's active port.
var devServerBanners = []*regexp.Regexp{
	regexp.MustCompile(`Local:\s+https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0):(\d{2,5})`),
	regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0):(\d{2,5})`),
	regexp.MustCompile(`(?i)listening\s+(?:on|at)\s+(?:port\s+)?:?(\d{2,5})`),
	regexp.MustCompile(`(?i)running\s+(?:on|at)\s+port\s+(\d{2,5})`),
	regexp.MustCompile(`(?i)started\s+server\s+on\s+.*:(\d{2,5})`),
}

// Streamer validates commands and executes them as structured event
// streams, scraping dev-server banners for active-port detection.
type Streamer struct {
	manager *Manager
	guard   *Guard
	logger  *slog.Logger
}

// NewStreamer builds a Streamer over the given manager and guard.
func NewStreamer(m *Manager, g *Guard, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{manager: m, guard: g, logger: logger.With("component", "exec")}
}

// Run validates the command and executes it in the project's sandbox,
// creating the sandbox first if absent. The returned channel is a lazy,
// finite, non-restartable event sequence ending with an exit or timeout
// event. A blocked command returns an error immediately and the runtime
// is never contacted.
func (s *Streamer) Run(ctx context.Context, projectID, userID string, kind Kind, command string, timeout time.Duration) (<-chan Event, error) {
	verdict := s.guard.Validate(command)
	if !verdict.Valid {
		return nil, fmt.Errorf("command rejected: %s", verdict.Reason)
	}

	sb, err := s.manager.Create(ctx, projectID, userID, kind, nil)
	if err != nil {
		return nil, err
	}
	sb.Touch()

	if timeout <= 0 {
		timeout = sb.Config.CommandTimeout
	}

	// $0 marker so the in-container process can be found and killed if
	// the stream times out.
	marker := "appbox-exec-" + uuid.NewString()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	sess, err := s.manager.Execute(execCtx, projectID, verdict.Sanitized, marker)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start command: %w", err)
	}

	events := make(chan Event, 64)
	go s.pump(execCtx, cancel, sb, sess, projectID, marker, events)
	return events, nil
}

// pump drains the exec session into the event channel.
func (s *Streamer) pump(ctx context.Context, cancel context.CancelFunc, sb *Sandbox, sess ExecSession, projectID, marker string, events chan<- Event) {
	defer close(events)
	defer cancel()
	defer sess.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.scanLines(ctx, sess.Stdout(), EventStdout, sb, events)
	}()
	go func() {
		defer wg.Done()
		s.scanLines(ctx, sess.Stderr(), EventStderr, sb, events)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	exitCode, err := sess.Wait(ctx)
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		// The stream ends here but the process may still be running;
		// best-effort kill it via its marker.
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.manager.KillExec(killCtx, projectID, marker)
		killCancel()
		events <- Event{Type: EventTimeout, Data: "command timed out", Time: time.Now()}
	case err != nil:
		events <- Event{Type: EventError, Data: err.Error(), Time: time.Now()}
	default:
		events <- Event{Type: EventExit, ExitCode: exitCode, Success: exitCode == 0, Time: time.Now()}
	}
}

// scanLines turns a byte stream into line events: one event per
// completed line, with partial fragments flushed periodically so
// newline-less output still surfaces.
func (s *Streamer) scanLines(ctx context.Context, r io.Reader, eventType string, sb *Sandbox, events chan<- Event) {
	type chunk struct {
		data []byte
		err  error
	}
	chunks := make(chan chunk, 8)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				chunks <- chunk{data: data}
			}
			if err != nil {
				chunks <- chunk{err: err}
				return
			}
		}
	}()

	var partial bytes.Buffer
	flush := time.NewTicker(partialFlushInterval)
	defer flush.Stop()

	emit := func(line string) {
		if line == "" {
			return
		}
		s.detectPort(line, sb)
		select {
		case events <- Event{Type: eventType, Data: line, Time: time.Now()}:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			if partial.Len() > 0 {
				emit(partial.String())
				partial.Reset()
			}
		case c, ok := <-chunks:
			if !ok {
				return
			}
			if len(c.data) > 0 {
				partial.Write(c.data)
				for {
					idx := bytes.IndexByte(partial.Bytes(), '\n')
					if idx < 0 {
						break
					}
					line := string(bytes.TrimRight(partial.Bytes()[:idx], "\r"))
					partial.Next(idx + 1)
					emit(line)
				}
			}
			if c.err != nil {
				if partial.Len() > 0 {
					emit(partial.String())
				}
				return
			}
		}
	}
}

// detectPort matches a line against the dev-server banners and records
// the first captured port on the sandbox.
func (s *Streamer) detectPort(line string, sb *Sandbox) {
	for _, banner := range devServerBanners {
		match := banner.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		port, err := strconv.Atoi(match[1])
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		before := sb.ActivePort()
		sb.SetActivePort(port)
		if sb.ActivePort() != before {
			s.logger.Info("detected dev-server port", "project", sb.ProjectID, "port", port)
		}
		return
	}
}

// Validate exposes the guard verdict without executing anything.
func (s *Streamer) Validate(command string) ValidationResult {
	return s.guard.Validate(command)
}
