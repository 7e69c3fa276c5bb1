package server

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// handleListDocuments returns every document carrying an agent list.
func (s *Server) handleListDocuments(c *gin.Context) {
	docs, err := s.scanner.ScanAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(docs))
	paths := make([]string, 0, len(docs))
	for path := range docs {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		out = append(out, gin.H{"path": path, "agents": docs[path]})
	}
	c.JSON(http.StatusOK, gin.H{"documents": out})
}

// handleDocumentGet dispatches the wildcard GET routes:
//
//	/api/documents/<path>                document content + agents
//	/api/documents/<path>/agents         agent entries
//	/api/documents/<path>/agents/pending pending entries
func (s *Server) handleDocumentGet(c *gin.Context) {
	path := strings.Trim(c.Param("path"), "/")
	switch {
	case strings.HasSuffix(path, "/agents/pending"):
		doc := strings.TrimSuffix(path, "/agents/pending")
		entries, err := s.scanner.GetPending(doc)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"path": doc, "pending": entries})
	case strings.HasSuffix(path, "/agents"):
		doc := strings.TrimSuffix(path, "/agents")
		entries, err := s.scanner.GetDocumentAgents(doc)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"path": doc, "agents": entries})
	default:
		content, err := s.store.ReadFile(path)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		entries, _ := s.scanner.GetDocumentAgents(path)
		c.JSON(http.StatusOK, gin.H{"path": path, "content": content, "agents": entries})
	}
}

type documentAgentsRequest struct {
	Agents []string `json:"agents"`
}

// handleDocumentPost dispatches the wildcard POST routes:
//
//	/api/documents/trigger/<path>     mark entries needs_run and run a pass
//	/api/documents/<path>/run-agents  same, for every enabled entry
//	/api/documents/<path>/reset-agents reset entries to pending
func (s *Server) handleDocumentPost(c *gin.Context) {
	path := strings.Trim(c.Param("path"), "/")
	var body documentAgentsRequest
	_ = c.ShouldBindJSON(&body)

	switch {
	case strings.HasPrefix(path, "trigger/"):
		doc := strings.TrimPrefix(path, "trigger/")
		if err := s.scanner.Trigger(doc, body.Agents); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		enqueued := s.orch.RunTriggerPass(time.Now())
		c.JSON(http.StatusOK, gin.H{"triggered": true, "enqueued": enqueued})
	case strings.HasSuffix(path, "/run-agents"):
		doc := strings.TrimSuffix(path, "/run-agents")
		if err := s.scanner.TriggerAll(doc); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		enqueued := s.orch.RunTriggerPass(time.Now())
		c.JSON(http.StatusOK, gin.H{"running": true, "enqueued": enqueued})
	case strings.HasSuffix(path, "/reset-agents"):
		doc := strings.TrimSuffix(path, "/reset-agents")
		if err := s.scanner.Reset(doc, body.Agents); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reset": true})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown document operation"})
	}
}
