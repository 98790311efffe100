package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/danmuck/jobrelay/internal/auth"
	"github.com/danmuck/jobrelay/internal/state"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HopStatus is the read-only view of one communicator.
type HopStatus struct {
	Name        string `json:"name"`
	Phase       string `json:"phase"`
	Mode        string `json:"mode"`
	Installed   bool   `json:"installed"`
	Started     bool   `json:"started"`
	Interrupted bool   `json:"interrupted"`
	State       string `json:"state,omitempty"`
	Connected   bool   `json:"connected"`
	Endpoint    string `json:"endpoint,omitempty"`
	Warning     string `json:"warning,omitempty"`
}

type JobLister interface {
	List() []state.JobState
}

type HopLister interface {
	Hops() []HopStatus
}

// StatusServer exposes health, metrics, job states and hop phases of one
// node over HTTP. It never accepts control actions.
type StatusServer struct {
	ID      string
	Started time.Time

	jobs   JobLister
	hops   HopLister
	auth   auth.Validator
	router *gin.Engine
}

type StatusOption func(*StatusServer)

// WithValidator requires a bearer token on every route but /health.
func WithValidator(v auth.Validator) StatusOption {
	return func(s *StatusServer) {
		s.auth = v
	}
}

func NewStatusServer(id string, jobs JobLister, hops HopLister, opts ...StatusOption) *StatusServer {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(StatusAccess(ComponentLogger("status", id), id))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &StatusServer{
		ID:      id,
		Started: time.Now(),
		jobs:    jobs,
		hops:    hops,
		router:  r,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

func (s *StatusServer) Handler() http.Handler {
	return s.router
}

func (s *StatusServer) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.Started).String(),
			"node":   s.ID,
		})
	})

	g := s.router.Group("/", s.requireToken())
	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g.GET("/jobs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"jobs": s.listJobs()})
	})

	g.GET("/jobs/:name", func(c *gin.Context) {
		name := c.Param("name")
		for _, job := range s.listJobs() {
			if job.Name == name {
				c.JSON(http.StatusOK, jobView(job))
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	})

	g.GET("/hops", func(c *gin.Context) {
		var hops []HopStatus
		if s.hops != nil {
			hops = s.hops.Hops()
		}
		sort.Slice(hops, func(i, j int) bool { return hops[i].Name < hops[j].Name })
		c.JSON(http.StatusOK, gin.H{"hops": hops})
	})
}

func (s *StatusServer) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.auth == nil {
			c.Next()
			return
		}
		if err := s.auth.Validate(auth.BearerToken(c.Request)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *StatusServer) listJobs() []state.JobState {
	if s.jobs == nil {
		return nil
	}
	now := time.Now()
	jobs := s.jobs.List()
	for i := range jobs {
		jobs[i].Refresh(now)
	}
	return jobs
}

// jobView renders job with the operator actions its status permits and
// the action due when an orchestrator finds it at startup.
func jobView(job state.JobState) gin.H {
	actions := []string{}
	for _, a := range job.Status.PermittedActions() {
		actions = append(actions, a.String())
	}
	view := gin.H{
		"name":         job.Name,
		"status":       job.Status.String(),
		"display":      job.Status.DisplayName(),
		"insert_time":  job.InsertTime,
		"queued_time":  job.QueuedTime,
		"start_time":   job.StartTime,
		"run_interval": job.RunInterval.String(),
		"actions":      actions,
	}
	if a, ok := job.Status.StartupAction(); ok {
		view["on_startup"] = a.String()
	}
	return view
}

// Serve listens on addr until ctx ends.
func (s *StatusServer) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *StatusServer) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("node", s.ID).Str("addr", ln.Addr().String()).Msg("observability.StatusServer.Serve listening")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-errCh
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
