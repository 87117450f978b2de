// Package statusserver implements the optional "--status-addr" HTTP
// surface: a health check and a snapshot of the most recent backup
// activity, for operators who want a pollable endpoint alongside the CLI.
package statusserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aegis-vault/pgvault/pkg/models"
)

// Status is the snapshot served at "/status", updated by the
// orchestrator as backups complete.
type Status struct {
	Backend        models.Backend        `json:"backend"`
	LastBackupName string                `json:"last_backup_name,omitempty"`
	LastBackupKind models.BackupKind     `json:"last_backup_kind,omitempty"`
	LastBackupAt   time.Time             `json:"last_backup_at,omitempty"`
	LastError      string                `json:"last_error,omitempty"`
}

// Server exposes /healthz and /status over HTTP. The zero value is not
// usable; construct with New.
type Server struct {
	mu     sync.RWMutex
	status Status

	httpServer *http.Server
}

// New builds a Server listening on addr. gin runs in release mode so
// routing does not spam stdout with its default debug banner.
func New(addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Snapshot())
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Update replaces the served status snapshot.
func (s *Server) Update(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Snapshot returns a copy of the current status.
func (s *Server) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Start runs the HTTP server in a background goroutine. Errors other
// than a clean shutdown are sent on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
