package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cofferfs/coffer/internal/audit"
	"github.com/cofferfs/coffer/internal/bucket"
	"github.com/cofferfs/coffer/internal/config"
	"github.com/cofferfs/coffer/internal/metadata"
	"github.com/cofferfs/coffer/internal/metrics"
	"github.com/cofferfs/coffer/internal/middleware"
	"github.com/cofferfs/coffer/internal/multipart"
	"github.com/cofferfs/coffer/internal/object"
	"github.com/cofferfs/coffer/internal/policy"
	"github.com/cofferfs/coffer/internal/storage"
)

// Server owns every component of a running engine plus the admin HTTP
// endpoint (health, readiness, metrics, stats, audit queries).
type Server struct {
	config *config.Config
	logger *logrus.Logger

	store      metadata.Store
	backend    storage.Backend
	engine     *Engine
	sweeper    *multipart.Sweeper
	auditLog   *audit.Log
	metricsMgr *metrics.Manager
	sysMetrics *metrics.SystemCollector

	httpServer *http.Server
	stopStats  chan struct{}
}

// New builds a server from configuration. Components come up in
// dependency order; any failure tears down what already started.
func New(cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	if logger == nil {
		logger = logrus.New()
	}

	store, err := metadata.NewStore(cfg.Metadata.Backend, metadata.Options{
		DataDir:    cfg.DataDir,
		SyncWrites: cfg.Metadata.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metadata catalog: %w", err)
	}

	backend, err := storage.NewBackend(storage.Config{
		Backend:      cfg.Storage.Backend,
		Root:         cfg.Storage.Root,
		WriteRetries: cfg.Storage.WriteRetries,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize blob store: %w", err)
	}

	var auditLog *audit.Log
	if cfg.Audit.Enable {
		auditLog, err = audit.NewLog(filepath.Join(cfg.DataDir, "audit.db"), logger)
		if err != nil {
			backend.Close()
			store.Close()
			return nil, fmt.Errorf("failed to initialize audit log: %w", err)
		}
	}

	var metricsMgr *metrics.Manager
	var sysMetrics *metrics.SystemCollector
	if cfg.Metrics.Enable {
		metricsMgr = metrics.NewManager()
		sysMetrics = metrics.NewSystemCollector(
			metricsMgr.Registry(),
			cfg.DataDir,
			time.Duration(cfg.Metrics.Interval)*time.Second,
			logger,
		)
	}

	buckets := bucket.NewManager(store, logger)
	objects := object.NewManager(store, backend, logger)
	objects.SetVerifyOnRead(cfg.Storage.VerifyOnRead)

	multipartCfg := multipart.Config{
		MinPartSize:        cfg.Multipart.MinPartSize,
		IdleTimeout:        cfg.Multipart.IdleTimeout,
		SweepInterval:      cfg.Multipart.SweepInterval,
		TombstoneRetention: cfg.Multipart.TombstoneRetention,
	}
	coordinator := multipart.NewCoordinator(store, backend, objects, multipartCfg, logger)
	sweeper := multipart.NewSweeper(coordinator, multipartCfg, logger)

	engine := NewEngine(buckets, objects, coordinator, policy.NewEngine(logger), store, auditLog, metricsMgr, logger)

	s := &Server{
		config:     cfg,
		logger:     logger,
		store:      store,
		backend:    backend,
		engine:     engine,
		sweeper:    sweeper,
		auditLog:   auditLog,
		metricsMgr: metricsMgr,
		sysMetrics: sysMetrics,
		stopStats:  make(chan struct{}),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.AdminListen,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Engine returns the instrumented operation surface.
func (s *Server) Engine() *Engine {
	return s.engine
}

// Start launches the background workers and the admin listener. It
// returns when the listener stops.
func (s *Server) Start() error {
	s.sweeper.Start()
	if s.sysMetrics != nil {
		s.sysMetrics.Start()
	}
	if s.metricsMgr != nil {
		go s.refreshCatalogGauges()
	}
	if s.auditLog != nil && s.config.Audit.RetentionDays > 0 {
		go s.auditRetentionLoop()
	}

	s.logger.WithField("listen", s.config.AdminListen).Info("Admin endpoint listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin endpoint failed: %w", err)
	}
	return nil
}

// Shutdown stops everything in reverse start order.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("Admin endpoint shutdown failed")
	}

	close(s.stopStats)
	if s.sysMetrics != nil {
		s.sysMetrics.Stop()
	}
	s.sweeper.Stop()

	if s.auditLog != nil {
		if err := s.auditLog.Close(); err != nil {
			s.logger.WithError(err).Warn("Audit log close failed")
		}
	}
	if err := s.backend.Close(); err != nil {
		s.logger.WithError(err).Warn("Blob store close failed")
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("catalog close failed: %w", err)
	}

	s.logger.Info("Shutdown complete")
	return nil
}

// auditRetentionLoop prunes audit entries past the retention window
// once a day, with one pass at startup.
func (s *Server) auditRetentionLoop() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		purged, err := s.auditLog.Purge(context.Background(), s.config.Audit.RetentionDays)
		if err != nil {
			s.logger.WithError(err).Warn("Audit retention purge failed")
		} else if purged > 0 {
			s.logger.WithField("purged", purged).Info("Audit retention purge")
		}
		select {
		case <-s.stopStats:
			return
		case <-ticker.C:
		}
	}
}

// refreshCatalogGauges keeps the catalog totals current while running.
func (s *Server) refreshCatalogGauges() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		s.sampleCatalogGauges()
		select {
		case <-s.stopStats:
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) sampleCatalogGauges() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	buckets, err := s.store.ListBuckets(ctx)
	if err != nil {
		s.logger.WithError(err).Debug("Catalog gauge sample failed")
		return
	}
	var objects, bytes int64
	for _, b := range buckets {
		objects += b.ObjectCount
		bytes += b.TotalSize
	}
	s.metricsMgr.SetCatalogTotals(len(buckets), objects, bytes)

	uploads, err := s.store.ListAllUploads(ctx)
	if err != nil {
		return
	}
	active := 0
	for _, u := range uploads {
		if !u.Terminal() {
			active++
		}
	}
	s.metricsMgr.SetActiveUploads(active)
}

// ==================== Admin HTTP ====================

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/audit", s.handleAuditQuery).Methods(http.MethodGet)
	r.HandleFunc("/v1/integrity/{bucket}", s.handleIntegrity).Methods(http.MethodGet)

	if s.metricsMgr != nil {
		r.Handle(s.config.Metrics.Path, promhttp.HandlerFor(
			s.metricsMgr.Registry(),
			promhttp.HandlerOpts{},
		)).Methods(http.MethodGet)
	}

	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(s.logger))
	return recovery(middleware.Logging(s.logger)(r))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.store.IsReady() {
		http.Error(w, "catalog not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}

// statsResponse is the /v1/stats payload.
type statsResponse struct {
	Buckets       int   `json:"buckets"`
	Objects       int64 `json:"objects"`
	StoredBytes   int64 `json:"stored_bytes"`
	ActiveUploads int   `json:"active_uploads"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.store.ListBuckets(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := statsResponse{Buckets: len(buckets)}
	for _, b := range buckets {
		resp.Objects += b.ObjectCount
		resp.StoredBytes += b.TotalSize
	}

	uploads, err := s.store.ListAllUploads(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, u := range uploads {
		if !u.Terminal() {
			resp.ActiveUploads++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	token := r.URL.Query().Get("token")
	maxKeys, _ := strconv.Atoi(r.URL.Query().Get("max_keys"))

	report, err := s.engine.objects.VerifyBucket(r.Context(), bucket, token, maxKeys)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		http.Error(w, "audit log disabled", http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	filters := &audit.Filters{
		Principal: query.Get("principal"),
		Operation: query.Get("operation"),
		Bucket:    query.Get("bucket"),
		Status:    query.Get("status"),
	}
	if page, err := strconv.Atoi(query.Get("page")); err == nil {
		filters.Page = page
	}
	if size, err := strconv.Atoi(query.Get("page_size")); err == nil {
		filters.PageSize = size
	}

	entries, total, err := s.auditLog.Query(r.Context(), filters)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total":   total,
		"entries": entries,
	})
}
