// Package monitor exposes the ops surface of a long-running
// deployment: a gin HTTP server with status, report, and rule
// endpoints, Prometheus metrics, and a periodic sweep loop driving the
// pipeline.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/artifact"
	"github.com/fermsi-paradox/openai-injex/internal/contain"
	"github.com/fermsi-paradox/openai-injex/internal/pipeline"
	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// Config holds the monitor server settings.
type Config struct {
	Port         int
	CORSOrigins  []string
	RateLimitRPS int
	ScanInterval time.Duration
}

// ReportSource serves the latest persisted artifacts. The artifact
// store satisfies this.
type ReportSource interface {
	LoadDetection() (*threat.Report, error)
	LoadDefense() ([]artifact.DefenseEntry, error)
	LoadVerification() ([]artifact.VerificationEntry, error)
}

// RuleSource serves the tracked containment rule set. The containment
// manager satisfies this.
type RuleSource interface {
	Rules() []contain.Rule
}

// Sweeper runs one full pipeline pass. The pipeline satisfies this.
type Sweeper interface {
	Run(ctx context.Context) error
}

// Server is the ops HTTP server plus the periodic sweep loop.
type Server struct {
	cfg     Config
	reports ReportSource
	rules   RuleSource
	sweeper Sweeper
	logger  *zap.Logger
	router  *gin.Engine
	limiter *RateLimiter

	startedAt time.Time
}

// NewServer wires the router and returns a ready server.
func NewServer(cfg Config, reports ReportSource, rules RuleSource, sweeper Sweeper, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Minute
	}

	s := &Server{
		cfg:       cfg,
		reports:   reports,
		rules:     rules,
		sweeper:   sweeper,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	if len(s.cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  s.cfg.CORSOrigins,
			AllowMethods:  []string{"GET", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if s.cfg.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitRPS*2)
		router.Use(s.limiter.Middleware())
	}

	router.Use(PrometheusMiddleware())
	router.Use(s.requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/report", s.handleReport)
	v1.GET("/rules", s.handleRules)

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"status":        "monitoring",
		"uptime_s":      int(time.Since(s.startedAt).Seconds()),
		"scan_interval": s.cfg.ScanInterval.String(),
		"active_rules":  len(s.rules.Rules()),
	}

	rep, err := s.reports.LoadDetection()
	switch {
	case errors.Is(err, artifact.ErrMissing):
		status["last_sweep"] = nil
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	default:
		status["last_sweep"] = gin.H{
			"timestamp":        rep.Timestamp,
			"threats_detected": rep.ThreatsDetected,
			"threat_level":     rep.Level.String(),
			"agent_count":      rep.AgentCount,
		}
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleReport(c *gin.Context) {
	rep, err := s.reports.LoadDetection()
	if errors.Is(err, artifact.ErrMissing) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no detection report yet"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) handleRules(c *gin.Context) {
	rules := s.rules.Rules()
	c.JSON(http.StatusOK, gin.H{
		"count": len(rules),
		"rules": rules,
	})
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// sweep runs one pipeline pass and refreshes the metrics. Threats
// being found is a reported condition, not a loop error.
func (s *Server) sweep(ctx context.Context) {
	RecordScan()
	err := s.sweeper.Run(ctx)
	responded := false
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrThreatsDetected):
		s.logger.Warn("sweep found threats, response completed")
		responded = true
	default:
		s.logger.Error("sweep failed", zap.Error(err))
		return
	}

	if rep, err := s.reports.LoadDetection(); err == nil {
		SetThreatLevel(int(rep.Level))
		for _, rec := range rep.Detections {
			RecordThreat(rec.Vector.String())
		}
	}

	// A clean sweep writes no response artifacts; whatever is on disk
	// belongs to an earlier pass and is already counted.
	if responded {
		if defense, err := s.reports.LoadDefense(); err == nil {
			for _, d := range defense {
				for _, a := range d.Attempts {
					RecordInjection(a.Strategy, a.Outcome.String())
				}
			}
		}
		if verification, err := s.reports.LoadVerification(); err == nil {
			for _, v := range verification {
				RecordVerification(v.Neutralized)
			}
		}
	}
	SetActiveRules(len(s.rules.Rules()))
}

// Run serves HTTP and drives the sweep loop until ctx is cancelled,
// then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("monitor HTTP listening", zap.Int("port", s.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go func() {
		// First sweep immediately, then on the interval.
		s.sweep(ctx)
		ticker := time.NewTicker(s.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor listen: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down monitor...")
	if s.limiter != nil {
		s.limiter.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor shutdown: %w", err)
	}
	return nil
}
