// Package gateway is the process surface of threadloom serve: the Slack events endpoint,
// health and readiness probes, and the bearer-protected admin API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"threadloom/pkg/auth"
	"threadloom/pkg/bus"
	"threadloom/pkg/config"
	"threadloom/pkg/durable"
	"threadloom/pkg/task"
)

const (
	defaultHealthInterval  = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Engine is the part of *durable.Engine the gateway drives and exposes.
type Engine interface {
	Run(ctx context.Context) error
	Running() bool
	Close() error
	List(ctx context.Context, filter durable.ListFilter) ([]durable.Instance, error)
	Describe(ctx context.Context, id string) (durable.Description, error)
	Query(ctx context.Context, id, name string) (any, error)
	Terminate(ctx context.Context, id, reason string) error
}

// Tasks starts and stops task instances. *task.Client implements it.
type Tasks interface {
	RunOneShot(ctx context.Context, in task.OneShotInput) (string, error)
	StartPeriodic(ctx context.Context, id string, in task.PeriodicInput) error
	Stop(ctx context.Context, id, reason string) error
}

// HealthChecker is polled for readiness. provider.Client implements it.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the components the service wires together. Events, Bus and Provider are
// optional.
type Deps struct {
	Engine   Engine
	Tasks    Tasks
	Issuer   *auth.Issuer
	Events   http.Handler
	Bus      *bus.MessageBus
	Provider HealthChecker
}

type Service struct {
	cfg  config.ServerConfig
	log  *slog.Logger
	deps Deps
	echo *echo.Echo

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
}

type statusResponse struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	EngineRunning    bool   `json:"engine_running"`
	ProviderLastOKAt string `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string `json:"provider_last_error,omitempty"`
}

func NewService(cfg config.ServerConfig, deps Deps, log *slog.Logger) (*Service, error) {
	if deps.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if deps.Tasks == nil {
		return nil, errors.New("task client is required")
	}
	if deps.Issuer == nil {
		return nil, errors.New("token issuer is required")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		cfg:  cfg,
		log:  log.With("component", "gateway.service"),
		deps: deps,
	}
	s.echo = s.routes()
	return s, nil
}

// Handler exposes the HTTP surface without starting a listener.
func (s *Service) Handler() http.Handler { return s.echo }

func (s *Service) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "request_id", v.RequestID}
			if v.Error != nil {
				s.log.Warn("HTTP request", append(attrs, "error", v.Error)...)
				return nil
			}
			s.log.Debug("HTTP request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.handleHealth)
	e.GET("/readyz", s.handleReady)
	if s.deps.Events != nil {
		e.POST("/slack/events", echo.WrapHandler(s.deps.Events))
	}

	api := e.Group("/api/v1", s.deps.Issuer.Middleware())
	api.GET("/instances", s.handleListInstances)
	api.GET("/instances/:id", s.handleDescribeInstance)
	api.GET("/instances/:id/queries/:name", s.handleQueryInstance)
	api.POST("/instances/:id/stop", s.handleStopInstance)
	api.POST("/tasks", s.handleCreateTask)

	return e
}

// Run starts the engine, event observer, health loop and HTTP server, and blocks until
// ctx is done or one of them fails. The engine is closed on return.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.deps.Bus != nil {
		go observeEvents(runCtx, s.deps.Bus)
	}

	if s.deps.Provider != nil {
		if err := s.checkProviderHealth(runCtx); err != nil {
			s.log.Warn("Provider not healthy at startup", "error", err)
		}
		go s.healthLoop(runCtx)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := s.deps.Engine.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("run engine: %w", err)
		}
	}()
	go s.serve(errCh)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
	defer cancelShutdown()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("HTTP shutdown incomplete", "error", err)
	}

	if err := s.deps.Engine.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close engine: %w", err)
	}
	s.log.Info("Gateway stopped")
	return runErr
}

func (s *Service) serve(errCh chan<- error) {
	addr := s.cfg.Addr()
	s.log.Info("Gateway server started", "address", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start gateway server: %w", err)
	}
}

func (s *Service) healthLoop(ctx context.Context) {
	interval := s.cfg.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkProviderHealth(ctx); err != nil {
				s.log.Warn("Provider health check failed", "error", err)
			}
		}
	}
}

func (s *Service) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(c echo.Context) error {
	if !s.isReady() {
		return c.JSON(http.StatusServiceUnavailable, s.currentStatus("not_ready"))
	}
	return c.JSON(http.StatusOK, s.currentStatus("ready"))
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		EngineRunning:    s.deps.Engine.Running(),
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
	}
}

// isReady requires a running engine and, when a provider is configured, a successful
// last health check.
func (s *Service) isReady() bool {
	if !s.deps.Engine.Running() {
		return false
	}
	if s.deps.Provider == nil {
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.providerLastOKAt.IsZero() && s.providerLastErr == ""
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if err := s.deps.Provider.Health(ctx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()
	return nil
}
