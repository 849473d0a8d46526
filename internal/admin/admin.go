// Package admin serves a read-only HTTP view of a running server endpoint.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/edgeipc/internal/engine"
	"github.com/danmuck/edgeipc/internal/ipc"
	"github.com/danmuck/edgeipc/internal/lifecycle"
	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Endpoint is the view of a server the admin surface reads.
type Endpoint interface {
	ID() string
	State() lifecycle.State
	Clients() []*ipc.PeerHandle
	Pending() map[string][]engine.PendingRequest
}

type Config struct {
	Addr        string
	CorsOrigins []string
}

type ClientInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Pending     int       `json:"pending"`
}

type Admin struct {
	cfg     Config
	ep      Endpoint
	router  *gin.Engine
	started time.Time
}

func New(cfg Config, ep Endpoint) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log.Logger))
	r.Use(requestMetrics(ep.ID()))
	if len(cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CorsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{cfg: cfg, ep: ep, router: r, started: time.Now()}
	a.registerRoutes()
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/healthz", func(c *gin.Context) {
		state := a.ep.State()
		status := http.StatusOK
		if state != lifecycle.StateStarted {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"endpoint": a.ep.ID(),
			"state":    state,
			"uptime":   time.Since(a.started).String(),
		})
	})

	a.router.GET("/clients", func(c *gin.Context) {
		handles := a.ep.Clients()
		out := make([]ClientInfo, 0, len(handles))
		for _, h := range handles {
			out = append(out, ClientInfo{
				ID:          h.ID(),
				RemoteAddr:  h.RemoteAddr(),
				ConnectedAt: h.ConnectedAt(),
				Pending:     len(h.Pending()),
			})
		}
		c.JSON(http.StatusOK, gin.H{"clients": out})
	})

	a.router.GET("/pending", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": a.ep.Pending()})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Run serves on cfg.Addr until ctx ends.
func (a *Admin) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.cfg.Addr).Msg("admin.Run listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
