// Package admin serves the HTTP introspection surface of a scope engine.
// Handlers run on HTTP goroutines and reach engine state only through
// loop.Runtime.Invoke.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/scope/internal/auth"
	"github.com/danmuck/scope/internal/observability"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/scope"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

const Version = "0.1.0"

var ErrServiceNotFound = errors.New("admin: service not found")

// Options configures the admin server.
type Options struct {
	Name        string
	Addr        string
	CORSOrigins []string
	// Timeout bounds each engine query.
	Timeout time.Duration
	// Token, when set, is required as a bearer token on POST routes.
	Token string
}

func (o Options) WithDefaults() Options {
	if o.Name == "" {
		o.Name = "scoped"
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if len(o.CORSOrigins) == 0 {
		o.CORSOrigins = []string{"http://localhost:3000"}
	}
	return o
}

// Server owns the gin router and its HTTP listener.
type Server struct {
	engine   *scope.Engine
	opts     Options
	router   *gin.Engine
	http     *http.Server
	appeared time.Time
	log      zerolog.Logger
}

func New(e *scope.Engine, opts Options) *Server {
	opts = opts.WithDefaults()
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequestLogger(log.Logger))
	r.Use(observability.AdminRequestMetrics(opts.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: opts.CORSOrigins,
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		engine:   e,
		opts:     opts,
		router:   r,
		appeared: time.Now(),
		log:      log.With().Str("component", "admin").Logger(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"name":    s.opts.Name,
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		var ready bool
		err := s.invoke(c, func() error {
			ready = isReady(s.engine.Connections())
			return nil
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.appeared).String(),
			"name":    s.opts.Name,
			"version": Version,
		})
	})

	s.router.GET("/services", func(c *gin.Context) {
		var list []ServiceInfo
		err := s.invoke(c, func() error {
			list = listServices(s.engine.Builtin().Registry())
			return nil
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"services": list})
	})

	s.router.GET("/services/:name/commands", func(c *gin.Context) {
		name := c.Param("name")
		var list []CommandInfo
		err := s.invoke(c, func() error {
			svc, ok := s.engine.Builtin().Registry().Lookup(name)
			if !ok {
				return ErrServiceNotFound
			}
			list = listCommands(svc.Descriptor())
			return nil
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"service": name, "commands": list})
	})

	control := s.router.Group("/services", s.requireToken())
	control.POST("/:name/enable", func(c *gin.Context) {
		s.toggle(c, true)
	})
	control.POST("/:name/disable", func(c *gin.Context) {
		s.toggle(c, false)
	})

	s.router.GET("/host", func(c *gin.Context) {
		var info HostInfo
		err := s.invoke(c, func() error {
			info = hostInfo(s.engine.Builtin())
			return nil
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	})

	s.router.GET("/connections", func(c *gin.Context) {
		var conns []scope.ConnectionInfo
		err := s.invoke(c, func() error {
			conns = s.engine.Connections()
			return nil
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"connections": conns})
	})
}

func (s *Server) requireToken() gin.HandlerFunc {
	if s.opts.Token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	v := auth.StaticToken{Token: s.opts.Token}
	return func(c *gin.Context) {
		if err := auth.Check(v, c.GetHeader("Authorization")); err != nil {
			s.log.Warn().Err(err).Str("path", c.FullPath()).Msg("admin request rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func (s *Server) toggle(c *gin.Context, enable bool) {
	name := c.Param("name")
	err := s.invoke(c, func() error {
		reg := s.engine.Builtin().Registry()
		if enable {
			return reg.Enable(name)
		}
		return reg.Disable(name)
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.log.Info().Str("service", name).Bool("enabled", enable).Msg("service toggled over admin")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": name, "enabled": enable})
}

func (s *Server) invoke(c *gin.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.Timeout)
	defer cancel()
	return s.engine.Runtime().Invoke(ctx, fn)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("admin request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func httpStatus(err error) int {
	if errors.Is(err, ErrServiceNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		switch perr.Status {
		case protocol.StatusServiceNotFound, protocol.StatusCommandNotFound:
			return http.StatusNotFound
		case protocol.StatusBadRequest:
			return http.StatusBadRequest
		case protocol.StatusServiceNotEnabled, protocol.StatusServiceAlreadyEnabled:
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}

// Serve listens on opts.Addr until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.opts.Addr).Msg("admin listening")
		errCh <- s.http.ListenAndServe()
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
	var err error
	err = multierr.Append(err, s.http.Shutdown(shutdownCtx))
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		err = multierr.Append(err, serveErr)
	}
	return err
}

// ServiceInfo is one row of /services.
type ServiceInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Control  string `json:"control"`
	Enabled  bool   `json:"enabled"`
	Commands int    `json:"commands"`
	Events   int    `json:"events"`
}

// CommandInfo is one row of /services/:name/commands.
type CommandInfo struct {
	Name     string `json:"name"`
	Number   uint32 `json:"number"`
	Kind     string `json:"kind"`
	Request  string `json:"request,omitempty"`
	Response string `json:"response,omitempty"`
}

// HostInfo mirrors the scope.HostInfo reply.
type HostInfo struct {
	Name            string        `json:"name"`
	StpVersion      uint64        `json:"stp_version"`
	CoreVersion     string        `json:"core_version"`
	Platform        string        `json:"platform"`
	OperatingSystem string        `json:"operating_system"`
	UserAgent       string        `json:"user_agent"`
	Client          string        `json:"client,omitempty"`
	Services        []ServiceInfo `json:"services"`
}

type enabler interface {
	IsEnabled() bool
}

func listServices(reg *scope.ServiceRegistry) []ServiceInfo {
	services := reg.Services()
	list := make([]ServiceInfo, 0, len(services))
	for _, svc := range services {
		desc := svc.Descriptor()
		info := ServiceInfo{
			Name:     desc.Name,
			Version:  desc.Version,
			Control:  svc.Control().String(),
			Commands: len(desc.Calls()),
			Events:   len(desc.Events()),
		}
		if e, ok := svc.(enabler); ok {
			info.Enabled = e.IsEnabled()
		}
		list = append(list, info)
	}
	return list
}

func listCommands(desc *schema.Service) []CommandInfo {
	list := make([]CommandInfo, 0, len(desc.Commands))
	for _, cmd := range desc.Commands {
		list = append(list, CommandInfo{
			Name:     cmd.Name,
			Number:   cmd.Number,
			Kind:     cmd.Kind.String(),
			Request:  messageName(desc.Messages, cmd.RequestID),
			Response: messageName(desc.Messages, cmd.ResponseID),
		})
	}
	return list
}

func messageName(set *schema.Set, id uint32) string {
	if id == schema.DefaultMessageID || set == nil {
		return ""
	}
	m, err := set.Message(id)
	if err != nil {
		return ""
	}
	return m.Name
}

func hostInfo(h *scope.BuiltinHost) HostInfo {
	rec := h.HostInfo()
	info := HostInfo{
		Name:            h.Name(),
		StpVersion:      rec.Uint(schema.HostInfoStpVersion),
		CoreVersion:     rec.String(schema.HostInfoCoreVersion),
		Platform:        rec.String(schema.HostInfoPlatform),
		OperatingSystem: rec.String(schema.HostInfoOperatingSystem),
		UserAgent:       rec.String(schema.HostInfoUserAgent),
		Services:        listServices(h.Registry()),
	}
	if c := h.Client(); c != nil {
		info.Client = c.Name()
	}
	return info
}

// isReady reports whether at least one network endpoint finished its
// handshake.
func isReady(conns []scope.ConnectionInfo) bool {
	for _, c := range conns {
		if c.State != "connected" {
			continue
		}
		switch c.Handshake {
		case "normal", "stp0", "stp1":
			return true
		}
	}
	return false
}
