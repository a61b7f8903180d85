package monitor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/vadiminshakov/sniper/internal/domain"
)

// closedLimit bounds how many finished positions the registry remembers.
const closedLimit = 100

type task struct {
	monitor *Monitor
	cancel  context.CancelFunc
	done    chan struct{}
}

// Registry indexes running monitors by position id so they can all be cancelled and joined.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*task
	closed map[string]Snapshot
	order  []string
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tasks:  make(map[string]*task),
		closed: make(map[string]Snapshot),
		logger: logger,
	}
}

// Start runs m in its own goroutine under a child of ctx.
func (r *Registry) Start(ctx context.Context, m *Monitor) {
	ctx, cancel := context.WithCancel(ctx)
	t := &task{monitor: m, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.tasks[m.ID()] = t
	r.mu.Unlock()

	go func() {
		defer close(t.done)
		defer cancel()

		final := m.Run(ctx)

		r.mu.Lock()
		delete(r.tasks, m.ID())
		r.remember(m.Snapshot())
		r.mu.Unlock()

		r.logger.Info("monitor finished", zap.String("position", m.ID()), zap.Stringer("state", final))
	}()
}

// remember stores a finished snapshot, evicting the oldest past closedLimit.
func (r *Registry) remember(s Snapshot) {
	id := s.Position.ID
	if _, ok := r.closed[id]; !ok {
		r.order = append(r.order, id)
	}
	r.closed[id] = s
	for len(r.order) > closedLimit {
		delete(r.closed, r.order[0])
		r.order = r.order[1:]
	}
}

// CancelAll cancels every running monitor and waits for them to exit.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	tasks := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

// Active returns the number of running monitors.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Snapshots returns running and finished positions.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.tasks)+len(r.closed))
	for _, t := range r.tasks {
		out = append(out, t.monitor.Snapshot())
	}
	for _, s := range r.closed {
		out = append(out, s)
	}
	return out
}

// Get returns the snapshot for a position id.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		return t.monitor.Snapshot(), true
	}
	s, ok := r.closed[id]
	return s, ok
}

// States counts positions by state.
func (r *Registry) States() map[domain.PositionState]int {
	out := make(map[domain.PositionState]int)
	for _, s := range r.Snapshots() {
		out[s.State]++
	}
	return out
}
