package orchestrator

import (
	"context"
	"time"

	"vaultagent/internal/events"
	"vaultagent/internal/queue"
	"vaultagent/internal/scanner"
)

// drainLoop claims pending items up to the concurrency cap. It wakes every
// drainPeriod and on every nudge.
func (o *Orchestrator) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(o.drainPeriod)
	defer ticker.Stop()
	for {
		o.claim(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.nudgeCh:
		}
	}
}

func (o *Orchestrator) claim(ctx context.Context) {
	for {
		o.runMu.Lock()
		if o.runningN >= o.maxConcurrent {
			o.runMu.Unlock()
			return
		}
		item := o.queue.Next()
		if item == nil {
			o.runMu.Unlock()
			return
		}
		if err := o.queue.MarkRunning(item.ID); err != nil {
			o.runMu.Unlock()
			o.logger.Warn("claim failed", "id", item.ID, "error", err)
			return
		}
		o.runningN++
		o.runMu.Unlock()

		o.inflight.Add(1)
		go func(it queue.Item) {
			defer o.inflight.Done()
			o.executeQueueItem(context.WithoutCancel(ctx), it)
			o.runMu.Lock()
			o.runningN--
			o.runMu.Unlock()
			o.Nudge()
		}(*item)
	}
}

// executeQueueItem runs one claimed item, publishing its events on the
// per-item topic and recording the terminal state.
func (o *Orchestrator) executeQueueItem(ctx context.Context, item queue.Item) {
	topic := events.QueueTopic(item.ID)
	emit := func(ev events.Event) {
		o.bus.Publish(topic, ev)
	}

	req := Request{
		AgentPath:    item.AgentPath,
		Message:      item.Context.Message,
		DocumentPath: item.Context.DocumentPath,
		SessionID:    item.Context.SessionID,
		QueueID:      item.ID,
		Depth:        item.Depth,
	}
	result := o.execute(ctx, req, emit)

	if result.Success {
		if err := o.queue.MarkCompleted(item.ID, result.Response); err != nil {
			o.logger.Warn("mark completed failed", "id", item.ID, "error", err)
		}
		emit(events.Event{Type: "done", Fields: resultFields(result)})
	} else {
		if err := o.queue.MarkFailed(item.ID, result.Error); err != nil {
			o.logger.Warn("mark failed failed", "id", item.ID, "error", err)
		}
		emit(events.Event{Type: "error", Fields: map[string]any{"error": result.Error}})
	}
	o.stampDocumentEntry(item, result)

	// The topic lingers after the terminal event so late subscribers can
	// still observe it.
	time.AfterFunc(o.streamLinger, func() {
		o.bus.Publish(topic, events.Event{Type: "close", Fields: map[string]any{}})
		o.bus.CloseTopic(topic)
	})
}

// stampDocumentEntry reverts a trigger-driven entry to pending on success
// (stamping last_run and last_result) or to error on failure.
func (o *Orchestrator) stampDocumentEntry(item queue.Item, result *Result) {
	if item.Context.DocumentPath == "" {
		return
	}
	entries, err := o.scanner.GetDocumentAgents(item.Context.DocumentPath)
	if err != nil || len(entries) == 0 {
		return
	}
	known := false
	for _, e := range entries {
		if e.Agent == item.AgentPath {
			known = true
			break
		}
	}
	if !known {
		return
	}
	now := time.Now().UTC()
	if result.Success {
		summary := result.Response
		if len(summary) > 200 {
			summary = summary[:200]
		}
		err = o.scanner.UpdateStatus(item.Context.DocumentPath, item.AgentPath, scanner.StatusPending, &scanner.StatusExtras{
			LastRun:    &now,
			LastResult: summary,
		})
	} else {
		err = o.scanner.UpdateStatus(item.Context.DocumentPath, item.AgentPath, scanner.StatusError, &scanner.StatusExtras{
			LastRun:   &now,
			LastError: result.Error,
		})
	}
	if err != nil {
		o.logger.Warn("stamp document entry failed", "doc", item.Context.DocumentPath, "error", err)
	}
}

// triggerLoop promotes due document agents: triggered entries move to
// needs_run, needs_run entries move to running and enqueue.
func (o *Orchestrator) triggerLoop(ctx context.Context) {
	boot := time.NewTimer(5 * time.Second)
	defer boot.Stop()
	select {
	case <-ctx.Done():
		return
	case <-boot.C:
		o.RunTriggerPass(time.Now())
	}

	ticker := time.NewTicker(o.triggerPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunTriggerPass(time.Now())
		}
	}
}

// RunTriggerPass executes one trigger iteration; also exposed for the
// force-check endpoint. Returns the number of items enqueued.
func (o *Orchestrator) RunTriggerPass(now time.Time) int {
	triggered, err := o.scanner.FindTriggered(now)
	if err != nil {
		o.logger.Warn("trigger scan failed", "error", err)
		return 0
	}
	for _, pair := range triggered {
		if err := o.scanner.UpdateStatus(pair.DocumentPath, pair.Entry.Agent, scanner.StatusNeedsRun, nil); err != nil {
			o.logger.Warn("promote to needs_run failed", "doc", pair.DocumentPath, "error", err)
		}
	}

	needsRun, err := o.scanner.FindNeedsRun()
	if err != nil {
		o.logger.Warn("needs_run scan failed", "error", err)
		return 0
	}
	enqueued := 0
	for _, pair := range needsRun {
		// The status write is durable before the derived work enqueues.
		if err := o.scanner.UpdateStatus(pair.DocumentPath, pair.Entry.Agent, scanner.StatusRunning, nil); err != nil {
			o.logger.Warn("promote to running failed", "doc", pair.DocumentPath, "error", err)
			continue
		}
		req := Request{
			AgentPath:    pair.Entry.Agent,
			Message:      "Scheduled run for " + pair.DocumentPath,
			DocumentPath: pair.DocumentPath,
		}
		if _, err := o.EnqueueRun(req, queue.PriorityNormal, 0, "", nil); err != nil {
			o.logger.Warn("trigger enqueue failed", "doc", pair.DocumentPath, "agent", pair.Entry.Agent, "error", err)
			if rerr := o.scanner.UpdateStatus(pair.DocumentPath, pair.Entry.Agent, scanner.StatusPending, nil); rerr != nil {
				o.logger.Warn("revert to pending failed", "doc", pair.DocumentPath, "error", rerr)
			}
			continue
		}
		enqueued++
	}
	return enqueued
}

// cleanupLoop runs the session eviction pass hourly and the permission sweep
// every two minutes, both with a short boot delay.
func (o *Orchestrator) cleanupLoop(ctx context.Context) {
	boot := time.NewTimer(30 * time.Second)
	defer boot.Stop()
	select {
	case <-ctx.Done():
		return
	case <-boot.C:
		o.runCleanup()
	}

	sessionTicker := time.NewTicker(time.Hour)
	permissionTicker := time.NewTicker(2 * time.Minute)
	defer sessionTicker.Stop()
	defer permissionTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sessionTicker.C:
			o.runCleanup()
		case <-permissionTicker.C:
			o.broker.Sweep(time.Now().UTC())
		}
	}
}

func (o *Orchestrator) runCleanup() {
	evicted := o.sessions.EvictStale(o.sessionIdle)
	if evicted > 0 {
		o.logger.Info("evicted idle sessions", "count", evicted)
	}
	o.sessions.Cleanup(o.sessionMaxAge)
	o.broker.Sweep(time.Now().UTC())
}
