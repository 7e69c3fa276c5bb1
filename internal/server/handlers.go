package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"vaultagent/internal/agentdef"
	"vaultagent/internal/events"
	"vaultagent/internal/orchestrator"
	"vaultagent/internal/queue"
	"vaultagent/internal/session"
)

func (s *Server) handleListAgents(c *gin.Context) {
	defs, err := agentdef.List(s.store)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": defs})
}

type spawnRequest struct {
	AgentPath    string `json:"agentPath"`
	Message      string `json:"message"`
	Context      string `json:"context"`
	Priority     string `json:"priority"`
	ScheduledFor string `json:"scheduledFor"`
}

func (s *Server) handleSpawn(c *gin.Context) {
	var body spawnRequest
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.AgentPath) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentPath is required"})
		return
	}
	var scheduledFor *time.Time
	if strings.TrimSpace(body.ScheduledFor) != "" {
		ts, err := time.Parse(time.RFC3339, body.ScheduledFor)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "scheduledFor must be RFC 3339"})
			return
		}
		scheduledFor = &ts
	}
	req := orchestrator.Request{
		AgentPath:      body.AgentPath,
		Message:        body.Message,
		InitialContext: body.Context,
	}
	id, err := s.orch.EnqueueRun(req, queue.ParsePriority(body.Priority), 0, "", scheduledFor)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, orchestrator.ErrDepthExceeded) {
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queueId": id, "agentPath": body.AgentPath})
}

type chatRequest struct {
	Message        string `json:"message"`
	AgentPath      string `json:"agentPath"`
	DocumentPath   string `json:"documentPath"`
	SessionID      string `json:"sessionId"`
	InitialContext string `json:"initialContext"`
}

func (s *Server) bindChatRequest(c *gin.Context) (orchestrator.Request, bool) {
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return orchestrator.Request{}, false
	}
	if strings.TrimSpace(body.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return orchestrator.Request{}, false
	}
	if max := s.cfg.Server.MaxMessageSize; max > 0 && len(body.Message) > max {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message exceeds size limit"})
		return orchestrator.Request{}, false
	}
	if strings.TrimSpace(body.AgentPath) == "" {
		body.AgentPath = "agents/assistant"
	}
	return orchestrator.Request{
		AgentPath:      body.AgentPath,
		Message:        body.Message,
		DocumentPath:   body.DocumentPath,
		SessionID:      body.SessionID,
		InitialContext: body.InitialContext,
	}, true
}

func (s *Server) handleChat(c *gin.Context) {
	req, ok := s.bindChatRequest(c)
	if !ok {
		return
	}
	result := s.orch.Run(c.Request.Context(), req)
	if !result.Success {
		c.JSON(http.StatusInternalServerError, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleChatStream(c *gin.Context) {
	req, ok := s.bindChatRequest(c)
	if !ok {
		return
	}
	sseHeaders(c)
	// The execution is detached from the request's cancellation; a disconnect
	// stops delivery to this subscriber while the run continues to completion.
	for ev := range s.orch.RunStream(context.WithoutCancel(c.Request.Context()), req) {
		if !writeSSE(c, ev) {
			// Consumer is gone; drain remaining events without writing.
			continue
		}
	}
}

func (s *Server) handleListSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	archivedFilter := c.Query("archived")
	entries := s.sessions.List()

	filtered := make([]session.IndexEntry, 0, len(entries))
	for _, e := range entries {
		switch archivedFilter {
		case "true":
			if !e.Archived {
				continue
			}
		case "false", "":
			if e.Archived {
				continue
			}
		case "all":
		}
		filtered = append(filtered, e)
	}
	if c.DefaultQuery("sort", "newest") == "oldest" {
		sort.Slice(filtered, func(i, j int) bool {
			return filtered[i].LastAccessed.Before(filtered[j].LastAccessed)
		})
	}

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": filtered[offset:end],
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.GetByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.sessions.DeleteByID(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleArchiveSession(archived bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var err error
		if archived {
			err = s.sessions.Archive(c.Param("id"))
		} else {
			err = s.sessions.Unarchive(c.Param("id"))
		}
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"archived": archived})
	}
}

type clearSessionRequest struct {
	AgentPath    string `json:"agentPath"`
	DocumentPath string `json:"documentPath"`
}

func (s *Server) handleClearSession(c *gin.Context) {
	var body clearSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.AgentPath) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentPath is required"})
		return
	}
	ctx := session.Context{DocumentPath: body.DocumentPath}
	if err := s.sessions.Clear(body.AgentPath, ctx); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (s *Server) handleQueueSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.queue.Snapshot())
}

func (s *Server) handleQueueProcess(c *gin.Context) {
	s.orch.Nudge()
	c.JSON(http.StatusOK, gin.H{"processing": true})
}

func (s *Server) handleQueueStream(c *gin.Context) {
	id := c.Param("id")
	item, ok := s.queue.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "queue item not found"})
		return
	}
	sub := s.bus.Subscribe(events.QueueTopic(id))
	defer sub.Close()

	sseHeaders(c)
	writeSSE(c, events.Event{Type: "connected", Fields: map[string]any{"item": item}})

	// Terminal items replay their outcome; the live topic may already be gone.
	if item.Status == queue.StatusCompleted {
		writeSSE(c, events.Event{Type: "done", Fields: map[string]any{"result": item.Result}})
		writeSSE(c, events.Event{Type: "close", Fields: map[string]any{}})
		return
	}
	if item.Status == queue.StatusFailed {
		writeSSE(c, events.Event{Type: "error", Fields: map[string]any{"error": item.Error}})
		writeSSE(c, events.Event{Type: "close", Fields: map[string]any{}})
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if !writeSSE(c, ev) {
				return
			}
			if ev.Type == "close" {
				return
			}
		}
	}
}

func (s *Server) handleListPermissions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.broker.ListPending()})
}

func (s *Server) handlePermissionDecision(grant bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var ok bool
		if grant {
			ok = s.broker.Grant(id)
		} else {
			ok = s.broker.Deny(id)
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no pending request with that id"})
			return
		}
		if grant {
			c.JSON(http.StatusOK, gin.H{"granted": true})
		} else {
			c.JSON(http.StatusOK, gin.H{"denied": true})
		}
	}
}

func (s *Server) handlePermissionStream(c *gin.Context) {
	sub := s.bus.Subscribe(events.PermissionTopic)
	defer sub.Close()

	sseHeaders(c)
	writeSSE(c, events.Event{Type: "connected", Fields: map[string]any{}})
	// Replay the current pending set for late joiners.
	for _, req := range s.broker.ListPending() {
		pending := req
		writeSSE(c, events.Event{Type: "permissionRequest", Fields: map[string]any{"request": &pending}})
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if !writeSSE(c, ev) {
				return
			}
		}
	}
}

func (s *Server) handleTriggersCheck(c *gin.Context) {
	enqueued := s.orch.RunTriggerPass(time.Now())
	c.JSON(http.StatusOK, gin.H{"enqueued": enqueued})
}

func (s *Server) handleVault(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Stats())
}

func (s *Server) handleSearch(c *gin.Context) {
	q := c.Query("q")
	if strings.TrimSpace(q) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	hits, err := s.store.Search(q, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "results": hits})
}
