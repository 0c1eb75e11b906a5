// Package api serves the ETL's ops surface: health and queue statistics.
// The dashboard's query API is a separate service; this process only
// exposes what operators need to watch the pipeline itself.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/firewatch-ai/firewatch/pkg/database"
	"github.com/firewatch-ai/firewatch/pkg/queue"
	"github.com/firewatch-ai/firewatch/pkg/version"
)

// Server is the ops HTTP server.
type Server struct {
	router   *gin.Engine
	server   *http.Server
	targetDB *database.Client
	sourceDB *database.Client
	pool     *queue.WorkerPool
	queue    *queue.Queue
}

// NewServer creates the ops server and registers routes.
func NewServer(targetDB, sourceDB *database.Client, pool *queue.WorkerPool, q *queue.Queue) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		targetDB: targetDB,
		sourceDB: sourceDB,
		pool:     pool,
		queue:    q,
	}

	router.GET("/healthz", s.handleHealth)
	v1 := router.Group("/api/v1")
	{
		v1.GET("/queue/stats", s.handleQueueStats)
		v1.GET("/workers", s.handleWorkers)
	}

	return s
}

// Start begins serving on addr. Blocks until shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{Addr: addr, Handler: s.router}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	targetHealth, targetErr := s.targetDB.Health(ctx)
	sourceHealth, sourceErr := s.sourceDB.Health(ctx)
	poolHealth := s.pool.Health(ctx)

	healthy := targetErr == nil && sourceErr == nil && poolHealth.IsHealthy
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"healthy":   healthy,
		"version":   version.Full(),
		"target_db": targetHealth,
		"source_db": sourceHealth,
		"pool":      poolHealth,
	})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleWorkers(c *gin.Context) {
	health := s.pool.Health(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"worker_id": health.WorkerID,
		"workers":   health.WorkerStats,
	})
}
