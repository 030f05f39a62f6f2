package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeRuntime is an in-memory Runtime for tests. Exec output is served
// from canned responses keyed by a command substring.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	responses  []fakeResponse

	createErr  error
	execErr    error
	listErr    error
	execCalls  int
	statsValue UsageStats
}

type fakeContainer struct {
	id      string
	spec    CreateSpec
	running bool
	created time.Time
}

type fakeResponse struct {
	match    string
	stdout   string
	stderr   string
	exitCode int
	delay    time.Duration
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeContainer),
		statsValue: UsageStats{CPUPercent: 2.5, MemoryBytes: 128 << 20, MemoryLimit: 1 << 30},
	}
}

func (f *fakeRuntime) respond(match, stdout string, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeResponse{match: match, stdout: stdout, exitCode: exitCode})
}

func (f *fakeRuntime) respondSlow(match string, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeResponse{match: match, delay: delay})
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *fakeRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	id := "ctr-" + uuid.NewString()[:8]
	f.containers[id] = &fakeContainer{id: id, spec: spec, running: true, created: time.Now()}
	return id, nil
}

func (f *fakeRuntime) List(ctx context.Context) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []ContainerInfo
	for _, c := range f.containers {
		info := ContainerInfo{
			ID:        c.id,
			Labels:    c.spec.Labels,
			Running:   c.running,
			CreatedAt: c.created,
			Ports:     make(map[int]int),
		}
		for cp, hp := range c.spec.PortBindings {
			info.Ports[cp] = hp
		}
		out = append(out, info)
	}
	return out, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.running = false
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) Restart(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) Stats(ctx context.Context, id string) (UsageStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return UsageStats{}, fmt.Errorf("no such container %s", id)
	}
	return f.statsValue, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, id string, cmd []string, workDir string) (ExecSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls++
	if f.execErr != nil {
		return nil, f.execErr
	}
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container %s", id)
	}
	if !c.running {
		return nil, fmt.Errorf("container %s is not running", id)
	}

	full := strings.Join(cmd, " ")
	for _, resp := range f.responses {
		if strings.Contains(full, resp.match) {
			return newFakeSession(resp), nil
		}
	}
	// Default: succeed silently, like `echo ok` or pkill.
	return newFakeSession(fakeResponse{exitCode: 0}), nil
}

// fakeSession replays canned output.
type fakeSession struct {
	stdout   io.Reader
	stderr   io.Reader
	exitCode int
	delay    time.Duration
	closed   bool
}

func newFakeSession(resp fakeResponse) *fakeSession {
	return &fakeSession{
		stdout:   strings.NewReader(resp.stdout),
		stderr:   strings.NewReader(resp.stderr),
		exitCode: resp.exitCode,
		delay:    resp.delay,
	}
}

func (s *fakeSession) Stdout() io.Reader { return s.stdout }
func (s *fakeSession) Stderr() io.Reader { return s.stderr }

func (s *fakeSession) Wait(ctx context.Context) (int, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	default:
	}
	return s.exitCode, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}
