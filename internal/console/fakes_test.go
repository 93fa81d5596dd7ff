package console

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeConn records sent frames in memory.
type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []Envelope
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(v any) bool {
	env, ok := v.(Envelope)
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.frames = append(f.frames, env)
	return true
}

func (f *fakeConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) sent() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, len(f.frames))
	copy(out, f.frames)
	return out
}

// waitForFrame polls until a sent frame satisfies match or the deadline
// passes, returning the first match.
func waitForFrame(t *testing.T, f *fakeConn, match func(Envelope) bool) Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, env := range f.sent() {
			if match(env) {
				return env
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no matching frame sent; got %d frames", len(f.sent()))
	return Envelope{}
}

func decodePayload[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return v
}

// fakeDirectory serves a fixed workload set keyed by id.
type fakeDirectory struct {
	workloads map[string]*Workload
}

func (d *fakeDirectory) FindByID(_ context.Context, id, userID string, workloadAdmin bool) (*Workload, error) {
	w, ok := d.workloads[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !workloadAdmin && w.OwnerID != userID {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (d *fakeDirectory) ListForIdentity(_ context.Context, ident *Identity) ([]Workload, error) {
	var out []Workload
	for _, w := range d.workloads {
		if ident.WorkloadAdmin || w.OwnerID == ident.UserID {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (d *fakeDirectory) UpdateStatus(_ context.Context, id, status string) (*Workload, error) {
	w, ok := d.workloads[id]
	if !ok {
		return nil, ErrNotFound
	}
	w.Status = status
	cp := *w
	return &cp, nil
}

// fakeSource emits scripted chunks and then returns endErr. A nil chunks
// slice with blockUntilCancel set streams nothing until cancelled.
type fakeSource struct {
	chunks           []string
	endErr           error
	blockUntilCancel bool

	mu      sync.Mutex
	streams int
}

func (s *fakeSource) DisplayCommand(_ context.Context, w *Workload, lines int) (string, error) {
	return "docker logs --tail 100 --follow " + w.ContainerID, nil
}

func (s *fakeSource) Stream(ctx context.Context, _ *Workload, _ int, out chan<- string) error {
	s.mu.Lock()
	s.streams++
	s.mu.Unlock()

	for _, chunk := range s.chunks {
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.blockUntilCancel {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.endErr
}

func (s *fakeSource) streamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams
}
