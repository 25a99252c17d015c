package ops

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowrelay/internal/config"
	"flowrelay/internal/dedup"
	"flowrelay/internal/logger"
	"flowrelay/internal/recordstore"
	"flowrelay/pkg/health"
	"flowrelay/pkg/middleware"
)

// Server is the operator-facing HTTP surface: health, metrics, cache and
// dedup introspection, manual reload, active rule summary.
type Server struct {
	store    *config.Store
	dedup    dedup.Store
	caches   recordstore.Caches
	registry *health.CheckerRegistry
	watcher  *config.Watcher
	log      logger.Logger

	srv *http.Server
}

func NewServer(store *config.Store, dedupStore dedup.Store, caches recordstore.Caches, registry *health.CheckerRegistry, watcher *config.Watcher, log logger.Logger) *Server {
	return &Server{
		store:    store,
		dedup:    dedupStore,
		caches:   caches,
		registry: registry,
		watcher:  watcher,
		log:      log,
	}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(s.log))
	router.Use(middleware.RecoveryMiddleware(s.log))

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/caches", s.handleCaches)
		api.GET("/dedup", s.handleDedup)
		api.POST("/reload", s.handleReload)
		api.GET("/rules", s.handleRules)
	}

	return router
}

// Run serves until ctx is canceled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	port := s.store.Snapshot().Ops.Port
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("Ops server listening", "port", port)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	result := s.registry.Check(c.Request.Context())
	status := http.StatusOK
	if result.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

func (s *Server) handleCaches(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"token": s.caches.Tokens.Stats(),
		"user":  s.caches.Users.Stats(),
		"dept":  s.caches.Depts.Stats(),
	})
}

func (s *Server) handleDedup(c *gin.Context) {
	stats, err := s.dedup.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleReload(c *gin.Context) {
	if s.watcher == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "hot reload is not enabled"})
		return
	}
	s.watcher.TriggerReload()
	c.JSON(http.StatusAccepted, gin.H{
		"status": "reload requested",
		"state":  string(s.watcher.State()),
	})
}

type ruleSummary struct {
	Name    string `json:"name"`
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	Actions int    `json:"actions"`
}

func (s *Server) handleRules(c *gin.Context) {
	snapshot := s.store.Snapshot()

	approvals := make([]ruleSummary, 0, len(snapshot.Approvals))
	for _, rule := range snapshot.Approvals {
		approvals = append(approvals, ruleSummary{
			Name:    rule.Name,
			Key:     rule.TemplateID,
			Enabled: rule.IsEnabled(),
			Actions: len(rule.Actions),
		})
	}

	personnel := make([]ruleSummary, 0, len(snapshot.PersonnelEvents))
	for _, rule := range snapshot.PersonnelEvents {
		personnel = append(personnel, ruleSummary{
			Name:    rule.Name,
			Key:     fmt.Sprintf("change_type:%d", rule.ChangeType),
			Enabled: rule.IsEnabled(),
			Actions: len(rule.Actions),
		})
	}

	watcherState := string(config.StateIdle)
	if s.watcher != nil {
		watcherState = string(s.watcher.State())
	}

	c.JSON(http.StatusOK, gin.H{
		"approvals":        approvals,
		"personnel_events": personnel,
		"watcher_state":    watcherState,
	})
}
