// Package supervisor provides a supervision tree for every long-lived loop
// in the process: AMCP connections, the drift controller, and the HTTP
// control surface. It wraps github.com/thejerf/suture/v4 for the actual
// add/remove/serve lifecycle, and layers its own restart-backoff policy and
// status reporting on top, since the operator-facing Service contract here
// (Name/Run, not suture's own Service) predates the move to suture.
//
// Example:
//
//	sup := supervisor.New(supervisor.DefaultConfig())
//	sup.Add(amcpConn)
//	sup.Add(driftController)
//	sup.Add(httpServer)
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	if err := sup.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/playoutsync/engine/internal/util"
)

// Service is the interface that supervised services must implement.
// Implementations should block until the context is cancelled or an error
// occurs.
type Service interface {
	// Run starts the service. It should block until ctx is cancelled or
	// the service encounters an unrecoverable error.
	Run(ctx context.Context) error

	// Name returns the service's identifier.
	Name() string
}

// ServiceState represents the current state of a supervised service.
type ServiceState int

const (
	ServiceStateIdle     ServiceState = iota // Not started
	ServiceStateRunning                      // Running normally
	ServiceStateStopping                     // Being stopped
	ServiceStateFailed                       // Failed, will restart after backoff
	ServiceStateStopped                      // Stopped, terminal
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateIdle:
		return "idle"
	case ServiceStateRunning:
		return "running"
	case ServiceStateStopping:
		return "stopping"
	case ServiceStateFailed:
		return "failed"
	case ServiceStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ServiceStatus contains status information about a supervised service.
type ServiceStatus struct {
	Name      string
	State     ServiceState
	StartTime time.Time
	Uptime    time.Duration
	Restarts  int
	LastError error
}

// Config contains supervisor configuration.
type Config struct {
	// ShutdownTimeout bounds how long suture waits for a service to return
	// from Run once its context is cancelled, via suture.Spec.Timeout.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration

	// Logger is optional; if set, supervisor events are logged here.
	Logger *slog.Logger

	// RestartDelay is the initial pause before restarting a failed
	// service. Default: 1 second.
	RestartDelay time.Duration

	// MaxRestartDelay caps the exponential backoff applied between
	// restarts. Default: 5 minutes.
	MaxRestartDelay time.Duration

	// RestartMultiplier scales RestartDelay after each consecutive
	// failure. Default: 2.0.
	RestartMultiplier float64

	// Name identifies this supervisor instance to suture's own logging.
	Name string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout:   10 * time.Second,
		RestartDelay:      1 * time.Second,
		MaxRestartDelay:   5 * time.Minute,
		RestartMultiplier: 2.0,
	}
}

// Supervisor manages a collection of services, restarting them on failure.
type Supervisor struct {
	cfg    Config
	suture *suture.Supervisor

	mu      sync.RWMutex
	entries map[string]*serviceEntry
	tokens  map[string]suture.ServiceToken
	running bool
}

// serviceEntry tracks a single service's reported lifecycle state. The
// restart loop itself lives in serviceAdapter.Serve, since that is what
// suture actually calls.
type serviceEntry struct {
	service   Service
	state     ServiceState
	startTime time.Time
	restarts  int
	lastError error
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 1 * time.Second
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.RestartMultiplier <= 0 {
		cfg.RestartMultiplier = 2.0
	}
	name := cfg.Name
	if name == "" {
		name = "playoutsync"
	}

	return &Supervisor{
		cfg:     cfg,
		entries: make(map[string]*serviceEntry),
		tokens:  make(map[string]suture.ServiceToken),
		suture: suture.New(name, suture.Spec{
			Timeout: cfg.ShutdownTimeout,
		}),
	}
}

// logf writes a formatted log message if Logger is configured.
func (s *Supervisor) logf(format string, args ...interface{}) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info(fmt.Sprintf(format, args...))
	}
}

// Add registers a service with the supervisor. If the supervisor is already
// running, the service is added to suture immediately and starts right
// away; otherwise it is added to the underlying suture.Supervisor when Run
// is called. Returns an error if a service with the same name already
// exists.
func (s *Supervisor) Add(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := svc.Name()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}

	entry := &serviceEntry{service: svc, state: ServiceStateIdle}
	s.entries[name] = entry
	s.logf("added service %s", name)

	if s.running {
		token := s.suture.Add(&serviceAdapter{sup: s, entry: entry})
		s.tokens[name] = token
	}

	return nil
}

// Remove unregisters and stops a service. If it was handed to suture
// already (the supervisor is running), this also cancels its context via
// suture.Remove and waits for it to unwind.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	if _, exists := s.entries[name]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	token, hadToken := s.tokens[name]
	delete(s.entries, name)
	delete(s.tokens, name)
	s.mu.Unlock()

	s.logf("removed service %s", name)

	if hadToken {
		return s.suture.Remove(token)
	}
	return nil
}

// Status returns the current status of all services.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ServiceStatus, 0, len(s.entries))
	now := time.Now()

	for name, entry := range s.entries {
		var uptime time.Duration
		if !entry.startTime.IsZero() && entry.state == ServiceStateRunning {
			uptime = now.Sub(entry.startTime)
		}

		result = append(result, ServiceStatus{
			Name:      name,
			State:     entry.state,
			StartTime: entry.startTime,
			Uptime:    uptime,
			Restarts:  entry.restarts,
			LastError: entry.lastError,
		})
	}

	return result
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Run hands every registered service to suture and blocks until ctx is
// cancelled, at which point suture stops each service (bounded by
// ShutdownTimeout) and Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}

	for name, entry := range s.entries {
		if _, ok := s.tokens[name]; ok {
			continue
		}
		s.tokens[name] = s.suture.Add(&serviceAdapter{sup: s, entry: entry})
	}
	s.running = true
	s.mu.Unlock()

	s.logf("supervisor started with %d services", s.ServiceCount())

	err := s.suture.Serve(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logf("supervisor stopped")
	return err
}

// serviceAdapter satisfies suture.Service (Serve(ctx) error) on behalf of a
// registered Service (Name/Run), applying the configured restart backoff
// between failures and keeping the entry's reported state current.
type serviceAdapter struct {
	sup   *Supervisor
	entry *serviceEntry
}

func (a *serviceAdapter) Serve(ctx context.Context) error {
	entry := a.entry
	cfg := a.sup.cfg
	delay := cfg.RestartDelay

	for {
		a.sup.mu.Lock()
		entry.state = ServiceStateRunning
		entry.startTime = time.Now()
		a.sup.mu.Unlock()

		// A panicking service must not take the whole supervisor down
		// with it: convert it to an error so the restart-backoff loop
		// below handles it the same as any other failure.
		err := util.RecoverToPanic(func() error {
			return entry.service.Run(ctx)
		})

		if ctx.Err() != nil {
			a.sup.mu.Lock()
			entry.state = ServiceStateStopped
			a.sup.mu.Unlock()
			return nil
		}

		a.sup.mu.Lock()
		entry.state = ServiceStateFailed
		entry.lastError = err
		entry.restarts++
		restarts := entry.restarts
		a.sup.mu.Unlock()

		a.sup.logf("service %s failed (restarts=%d): %v", entry.service.Name(), restarts, err)

		select {
		case <-ctx.Done():
			a.sup.mu.Lock()
			entry.state = ServiceStateStopped
			a.sup.mu.Unlock()
			return nil
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.RestartMultiplier)
		if delay > cfg.MaxRestartDelay {
			delay = cfg.MaxRestartDelay
		}
	}
}
