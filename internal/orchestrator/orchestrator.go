package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vaultagent/internal/events"
	"vaultagent/internal/llm"
	"vaultagent/internal/permission"
	"vaultagent/internal/queue"
	"vaultagent/internal/scanner"
	"vaultagent/internal/session"
	"vaultagent/internal/usage"
	"vaultagent/internal/vault"
)

var ErrDepthExceeded = errors.New("spawn depth limit reached")

// contextFileTokenCap bounds the configured context files inlined into the
// system prompt.
const contextFileTokenCap = 8000

// Orchestrator 组合各子系统：即时/流式/排队执行、触发循环、队列泄洪。
// Orchestrator composes the subsystems: immediate, streaming, and queued
// execution, the trigger loop, and the queue drain.
type Orchestrator struct {
	store    *vault.Store
	sessions *session.Store
	builder  *session.Builder
	queue    *queue.Queue
	scanner  *scanner.Scanner
	broker   *permission.Broker
	bus      *events.Bus
	client   llm.Client
	tracker  *usage.Tracker
	logger   *slog.Logger

	maxConcurrent int
	maxDepth      int
	drainPeriod   time.Duration
	triggerPeriod time.Duration
	streamLinger  time.Duration
	sessionIdle   time.Duration
	sessionMaxAge int

	nudgeCh  chan struct{}
	runningN int
	runMu    sync.Mutex
	inflight sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Store    *vault.Store
	Sessions *session.Store
	Builder  *session.Builder
	Queue    *queue.Queue
	Scanner  *scanner.Scanner
	Broker   *permission.Broker
	Bus      *events.Bus
	Client   llm.Client
	Tracker  *usage.Tracker
	Logger   *slog.Logger

	MaxConcurrent int
	MaxDepth      int
	DrainPeriod   time.Duration
	TriggerPeriod time.Duration
	StreamLinger  time.Duration
	SessionIdle   time.Duration
	SessionMaxAge int
}

func New(opts Options) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 3
	}
	if opts.DrainPeriod <= 0 {
		opts.DrainPeriod = 5 * time.Second
	}
	if opts.TriggerPeriod <= 0 {
		opts.TriggerPeriod = 60 * time.Second
	}
	if opts.StreamLinger <= 0 {
		opts.StreamLinger = 5 * time.Second
	}
	if opts.SessionIdle <= 0 {
		opts.SessionIdle = 30 * time.Minute
	}
	if opts.SessionMaxAge <= 0 {
		opts.SessionMaxAge = 90
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	builder := opts.Builder
	if builder == nil {
		builder = session.NewBuilder()
	}
	return &Orchestrator{
		store:         opts.Store,
		sessions:      opts.Sessions,
		builder:       builder,
		queue:         opts.Queue,
		scanner:       opts.Scanner,
		broker:        opts.Broker,
		bus:           opts.Bus,
		client:        opts.Client,
		tracker:       opts.Tracker,
		logger:        logger.With("component", "orchestrator"),
		maxConcurrent: opts.MaxConcurrent,
		maxDepth:      opts.MaxDepth,
		drainPeriod:   opts.DrainPeriod,
		triggerPeriod: opts.TriggerPeriod,
		streamLinger:  opts.StreamLinger,
		sessionIdle:   opts.SessionIdle,
		sessionMaxAge: opts.SessionMaxAge,
		nudgeCh:       make(chan struct{}, 1),
	}
}

// EnqueueRun appends a work item at the given depth; the drain loop claims
// it when a slot frees up.
func (o *Orchestrator) EnqueueRun(req Request, priority queue.Priority, depth int, spawnedBy string, scheduledFor *time.Time) (string, error) {
	if depth >= o.maxDepth {
		return "", ErrDepthExceeded
	}
	id, err := o.queue.Enqueue(queue.Item{
		AgentPath: req.AgentPath,
		Context: queue.Context{
			Message:      req.Message,
			DocumentPath: req.DocumentPath,
			SessionID:    req.SessionID,
			ParentAgent:  spawnedBy,
		},
		Priority:     priority,
		Depth:        depth,
		SpawnedBy:    spawnedBy,
		ScheduledFor: scheduledFor,
	})
	if err != nil {
		return "", err
	}
	o.Nudge()
	return id, nil
}

// Nudge wakes the drain loop without waiting for the next tick.
func (o *Orchestrator) Nudge() {
	select {
	case o.nudgeCh <- struct{}{}:
	default:
	}
}

// Start launches the background loops.
func (o *Orchestrator) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	o.cancel = cancel
	go o.drainLoop(ctx)
	go o.triggerLoop(ctx)
	go o.cleanupLoop(ctx)
}

// Shutdown stops intake, waits for in-flight executions up to the grace
// window, and persists dirty state.
func (o *Orchestrator) Shutdown(grace time.Duration) {
	if o.cancel != nil {
		o.cancel()
	}
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		o.logger.Warn("shutdown grace window elapsed with work in flight")
	}
	o.queue.Save()
}
