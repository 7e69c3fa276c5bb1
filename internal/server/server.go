package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"vaultagent/internal/config"
	"vaultagent/internal/events"
	"vaultagent/internal/orchestrator"
	"vaultagent/internal/permission"
	"vaultagent/internal/queue"
	"vaultagent/internal/scanner"
	"vaultagent/internal/session"
	"vaultagent/internal/usage"
	"vaultagent/internal/vault"
)

// Server wires the REST/SSE surface over the orchestration runtime.
type Server struct {
	cfg      config.Config
	store    *vault.Store
	sessions *session.Store
	queue    *queue.Queue
	scanner  *scanner.Scanner
	broker   *permission.Broker
	bus      *events.Bus
	orch     *orchestrator.Orchestrator
	tracker  *usage.Tracker
	logger   *slog.Logger
	started  time.Time
}

type Options struct {
	Config   config.Config
	Store    *vault.Store
	Sessions *session.Store
	Queue    *queue.Queue
	Scanner  *scanner.Scanner
	Broker   *permission.Broker
	Bus      *events.Bus
	Orch     *orchestrator.Orchestrator
	Tracker  *usage.Tracker
	Logger   *slog.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      opts.Config,
		store:    opts.Store,
		sessions: opts.Sessions,
		queue:    opts.Queue,
		scanner:  opts.Scanner,
		broker:   opts.Broker,
		bus:      opts.Bus,
		orch:     opts.Orch,
		tracker:  opts.Tracker,
		logger:   logger.With("component", "http"),
		started:  time.Now(),
	}
}

// Router builds the gin engine with middleware and every API route.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())

	api := r.Group("/api")
	api.Use(s.apiKeyMiddleware())

	api.GET("/health", s.handleHealth)
	api.GET("/agents", s.handleListAgents)
	api.POST("/agents/spawn", s.handleSpawn)

	api.POST("/chat", s.handleChat)
	api.POST("/chat/stream", s.handleChatStream)
	api.GET("/chat/sessions", s.handleListSessions)
	api.GET("/chat/session/:id", s.handleGetSession)
	api.DELETE("/chat/session/:id", s.handleDeleteSession)
	api.POST("/chat/session/:id/archive", s.handleArchiveSession(true))
	api.POST("/chat/session/:id/unarchive", s.handleArchiveSession(false))
	api.DELETE("/chat/session", s.handleClearSession)

	api.GET("/queue", s.handleQueueSnapshot)
	api.GET("/queue/:id/stream", s.handleQueueStream)
	api.POST("/queue/process", s.handleQueueProcess)

	api.GET("/documents", s.handleListDocuments)
	api.GET("/documents/*path", s.handleDocumentGet)
	api.POST("/documents/*path", s.handleDocumentPost)

	api.GET("/permissions", s.handleListPermissions)
	api.POST("/permissions/:id/grant", s.handlePermissionDecision(true))
	api.POST("/permissions/:id/deny", s.handlePermissionDecision(false))
	api.GET("/permissions/stream", s.handlePermissionStream)

	api.POST("/triggers/check", s.handleTriggersCheck)

	api.GET("/vault", s.handleVault)
	api.GET("/search", s.handleSearch)

	return r
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	origins := s.cfg.Server.CORSOrigins
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			allowed := len(origins) == 0
			for _, o := range origins {
				if o == "*" || strings.EqualFold(o, origin) {
					allowed = true
					break
				}
			}
			if allowed {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	key := strings.TrimSpace(s.cfg.Server.APIKey)
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-Key") != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	out := gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	}
	if c.Query("detailed") == "true" {
		snap := s.queue.Snapshot()
		out["queue"] = gin.H{
			"pending":   len(snap.Pending),
			"running":   len(snap.Running),
			"completed": len(snap.Completed),
		}
		out["sessions"] = s.sessions.Stats()
		out["system"] = gin.H{
			"goroutines": runtime.NumGoroutine(),
			"vault":      s.store.Stats(),
		}
		if s.tracker != nil {
			if totals, err := s.tracker.Totals(); err == nil {
				out["usage"] = totals
			}
		}
	}
	c.JSON(http.StatusOK, out)
}

// writeSSE emits one event in the data: <json> envelope and flushes.
func writeSSE(c *gin.Context, ev events.Event) bool {
	payload := map[string]any{"type": ev.Type}
	for k, v := range ev.Fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if _, err := c.Writer.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}
