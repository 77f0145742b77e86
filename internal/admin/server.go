// Package admin exposes the daemon's installed and loaded services, its
// connections and its metrics over HTTP.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/danmuck/capd/internal/applog"
	"github.com/danmuck/capd/internal/daemon"
	"github.com/danmuck/capd/internal/observability"
	"github.com/danmuck/capd/internal/registry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Backend is the daemon state the admin surface reads.
type Backend interface {
	Ready() bool
	Registry() *registry.Registry
	Logs() *applog.Store
	Connections() []daemon.ConnectionInfo
}

var _ Backend = (*daemon.Server)(nil)

type Admin struct {
	ID       string
	Addr     string
	Appeared time.Time

	backend Backend
	router  *gin.Engine
}

func Appear(id, addr string, corsOrigins []string, backend Backend) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminMiddleware(log.Logger, id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		backend:  backend,
		router:   r,
	}
	a.RegisterRoutes()
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

// Serve listens on Addr until ctx ends.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: a.Addr, Handler: a.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", a.Addr).Msg("admin.serve listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Admin) RegisterRoutes() {
	routes := a.router
	routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Appeared).String(),
			"service": a.ID,
			"version": version,
		})
	})

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		ready := a.backend.Ready()
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(a.Appeared).String(),
			"service": a.ID,
			"version": version,
		})
	})

	routes.GET("/services", func(c *gin.Context) {
		installed, err := a.ListServices()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"services": installed,
			"loaded":   a.backend.Registry().Loaded(),
		})
	})

	routes.GET("/services/:service/status", func(c *gin.Context) {
		name := c.Param("service")
		ok, err := a.backend.Registry().Report(name)
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"service": name, "capable": ok})
	})

	routes.POST("/services/:service/:action", func(c *gin.Context) {
		name := c.Param("service")
		action := c.Param("action")
		var enable bool
		switch action {
		case "enable":
			enable = true
		case "disable":
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown action " + action})
			return
		}
		ok, err := a.backend.Registry().Switch(name, enable)
		if err != nil {
			log.Error().Str("service", name).Str("action", action).Err(err).Msg("admin.switch failed")
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("service", name).Str("action", action).Bool("ok", ok).Msg("admin.switch executed")
		c.JSON(http.StatusOK, gin.H{"service": name, "action": action, "ok": ok})
	})

	routes.GET("/services/:service/logs", func(c *gin.Context) {
		var since time.Time
		if raw := c.Query("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
				return
			}
			since = t
		}
		entries, err := a.backend.Logs().LogsSince(c.Param("service"), since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"service": c.Param("service"), "logs": entries})
	})

	routes.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": a.backend.Connections()})
	})
}

// ServiceInfo is one installed service as listed by /services.
type ServiceInfo struct {
	Name      string   `json:"name"`
	Class     string   `json:"class"`
	Version   string   `json:"version"`
	Functions []string `json:"functions"`
}

func (a *Admin) ListServices() ([]ServiceInfo, error) {
	cfgs, err := a.backend.Registry().Installed()
	if err != nil {
		return nil, err
	}
	list := make([]ServiceInfo, 0, len(cfgs))
	for _, cfg := range cfgs {
		list = append(list, ServiceInfo{
			Name:      cfg.Name,
			Class:     cfg.Class,
			Version:   cfg.Version,
			Functions: cfg.Metadata.Names(),
		})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list, nil
}

func errorStatus(err error) int {
	if errors.Is(err, registry.ErrNotInstalled) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
