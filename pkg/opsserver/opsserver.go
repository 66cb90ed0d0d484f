// Package opsserver implements the optional ops sidecar: GET /health and
// GET /metrics over the producer/consumer liveness files, so external
// orchestration can detect a stalled driver.
package opsserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coderelay/forgebot/pkg/health"
	"github.com/coderelay/forgebot/pkg/version"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is the status of a single liveness file.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Server exposes /health and /metrics over the producer and consumer
// liveness files. Either file may be nil when this deployment only runs one
// of the two drivers.
type Server struct {
	producer *health.File
	consumer *health.File
	maxAge   time.Duration
	engine   *gin.Engine
}

// New constructs a Server. maxAge bounds how stale a liveness file may be
// before it's reported unhealthy; a driver whose file has never been
// touched is also unhealthy.
func New(producer, consumer *health.File, maxAge time.Duration) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{producer: producer, consumer: consumer, maxAge: maxAge, engine: gin.New()}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/metrics", s.metricsHandler)
	return s
}

// Run serves on addr until the process is stopped (e.g. via a wrapping
// http.Server with context cancellation upstream).
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

// Handler exposes the underlying gin engine for tests or embedding behind
// another listener.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) checks() (map[string]HealthCheck, string) {
	checks := make(map[string]HealthCheck)
	status := statusHealthy

	check := func(name string, f *health.File) {
		if f == nil {
			return
		}
		age, err := f.Age()
		switch {
		case err != nil:
			status = statusUnhealthy
			checks[name] = HealthCheck{Status: statusUnhealthy, Message: "no liveness file observed yet"}
		case age > s.maxAge:
			if status == statusHealthy {
				status = statusDegraded
			}
			checks[name] = HealthCheck{Status: statusDegraded, Message: "liveness file stale: " + age.Round(time.Second).String()}
		default:
			checks[name] = HealthCheck{Status: statusHealthy}
		}
	}

	check("producer", s.producer)
	check("consumer", s.consumer)
	return checks, status
}

// healthHandler handles GET /health, reporting producer/consumer liveness
// via their healthcheck/*.health mtimes.
func (s *Server) healthHandler(c *gin.Context) {
	checks, status := s.checks()

	httpStatus := http.StatusOK
	if status == statusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{Status: status, Version: version.GitCommit, Checks: checks})
}

// metricsHandler exposes the same liveness ages in a flatter shape, useful
// for scraping without a JSON-path query.
func (s *Server) metricsHandler(c *gin.Context) {
	metrics := gin.H{}
	for name, f := range map[string]*health.File{"producer": s.producer, "consumer": s.consumer} {
		if f == nil {
			continue
		}
		age, err := f.Age()
		if err != nil {
			metrics[name+"_age_seconds"] = -1
			continue
		}
		metrics[name+"_age_seconds"] = age.Seconds()
	}
	c.JSON(http.StatusOK, metrics)
}
