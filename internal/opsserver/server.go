package opsserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"obdagent/internal/config"
	"obdagent/internal/connection"
	"obdagent/internal/health"
	"obdagent/internal/obd"
)

type SnapshotSource interface {
	Snapshot() connection.Snapshot
}

// Connector is a SnapshotSource that can also open the adapter on request.
// connection.Manager implements it; with one the server accepts POST /connect.
type Connector interface {
	SnapshotSource
	Connect(ctx context.Context, opts connection.ConnectOptions) (obd.Driver, error)
}

// Server exposes liveness, readiness, metrics and the connection snapshot.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

func New(cfg config.ServerConfig, metrics http.Handler, agg *health.Aggregator, source SnapshotSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/readyz", func(c *gin.Context) {
		if agg == nil {
			c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy, "ready": true})
			return
		}
		report := agg.Report(c.Request.Context())
		code := http.StatusOK
		if report.Status == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    report.Status,
			"ready":     report.Status != health.StatusUnhealthy,
			"timestamp": report.Timestamp,
			"checks":    report.Checks,
		})
	})
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	if source != nil {
		r.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, source.Snapshot())
		})
	}
	if conn, ok := source.(Connector); ok {
		r.POST("/connect", connectHandler(conn, logger))
	}

	return &Server{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
	}
}

// connectHandler parses a loose JSON payload into connect options and runs
// one connect. An empty body connects with the configured defaults.
func connectHandler(conn Connector, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_payload", "message": err.Error()})
			return
		}
		var payload any
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_payload", "message": err.Error()})
				return
			}
		}

		opts, issues := connection.ParseConnectOptions(payload)
		if len(issues) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_payload", "issues": issues})
			return
		}

		if _, err := conn.Connect(c.Request.Context(), opts); err != nil {
			logger.Warn("Connect request failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ok":       false,
				"error":    obd.Normalize(err, nil),
				"snapshot": conn.Snapshot(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "snapshot": conn.Snapshot()})
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Serve listens on the configured address until ctx ends, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("Ops server listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
