// Package runner contains the runner registry: the pool of external
// execution agents that test executions are assigned to, together with the
// assigner that binds queued executions to runners and the health monitor
// that probes them.
package runner

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/resource"
)

const (
	DefaultMaxConcurrentJobs = 1
	DefaultPriority          = 50

	// UnhealthyThreshold is the number of consecutive failed health probes
	// after which a runner is marked unhealthy.
	UnhealthyThreshold = 3
)

type (
	Status       string
	HealthStatus string
)

const (
	Active      Status = "active"
	Inactive    Status = "inactive"
	Maintenance Status = "maintenance"
	Errored     Status = "error"

	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
	Unknown   HealthStatus = "unknown"
)

type (
	// Runner is an external execution agent. It executes test suites
	// out-of-process and reports progress back over webhooks; the registry
	// tracks its capacity, status and health.
	Runner struct {
		ID   resource.ID `json:"runner_id" db:"runner_id"`
		Name string      `json:"name"`
		// Type categorises the agent, e.g. "playwright", "k6". Executions
		// may pin a type.
		Type        string `json:"runner_type" db:"runner_type"`
		EndpointURL string `json:"endpoint_url"`
		WebhookURL  string `json:"webhook_url"`
		// HealthCheckURL is probed by the health monitor. Empty disables
		// probing; health remains unknown.
		HealthCheckURL string `json:"health_check_url"`
		// Capabilities is a structured capability set declared at
		// registration, e.g. browsers or device profiles supported.
		Capabilities map[string]any `json:"capabilities"`
		// MaxConcurrentJobs is declared capacity; CurrentJobs is derived by
		// counting live resource allocations, never stored.
		MaxConcurrentJobs int `json:"max_concurrent_jobs"`
		CurrentJobs       int `json:"current_jobs"`
		// Priority breaks ties between equally loaded runners, higher first.
		Priority            int          `json:"priority"`
		Status              Status       `json:"status"`
		HealthStatus        HealthStatus `json:"health_status"`
		ConsecutiveFailures int          `json:"consecutive_failures"`
		LastHealthCheck     *time.Time   `json:"last_health_check"`
		CreatedAt           time.Time    `json:"created_at"`
	}

	RegisterOptions struct {
		Name              string         `json:"name"`
		Type              string         `json:"type"`
		EndpointURL       string         `json:"endpointUrl"`
		WebhookURL        string         `json:"webhookUrl"`
		HealthCheckURL    string         `json:"healthCheckUrl"`
		Capabilities      map[string]any `json:"capabilities"`
		MaxConcurrentJobs *int           `json:"maxConcurrentJobs"`
		Priority          *int           `json:"priority"`
	}

	// UpdateOptions is the allow-list of mutable runner fields. Health
	// fields are owned by the health monitor and are deliberately absent.
	UpdateOptions struct {
		Status            *Status         `json:"status"`
		Priority          *int            `json:"priority"`
		Capabilities      *map[string]any `json:"capabilities"`
		MaxConcurrentJobs *int            `json:"maxConcurrentJobs"`
		EndpointURL       *string         `json:"endpointUrl"`
		WebhookURL        *string         `json:"webhookUrl"`
		HealthCheckURL    *string         `json:"healthCheckUrl"`
	}
)

func newRunner(opts RegisterOptions) (*Runner, error) {
	if opts.Name == "" {
		return nil, &internal.ErrMissingParameter{Parameter: "name"}
	}
	if opts.Type == "" {
		return nil, &internal.ErrMissingParameter{Parameter: "type"}
	}
	for _, u := range []string{opts.EndpointURL, opts.WebhookURL, opts.HealthCheckURL} {
		if u == "" {
			continue
		}
		if _, err := url.ParseRequestURI(u); err != nil {
			return nil, internal.InvalidParameterError("malformed url: " + u)
		}
	}
	r := &Runner{
		ID:                resource.NewID(resource.RunnerKind),
		Name:              opts.Name,
		Type:              opts.Type,
		EndpointURL:       opts.EndpointURL,
		WebhookURL:        opts.WebhookURL,
		HealthCheckURL:    opts.HealthCheckURL,
		Capabilities:      opts.Capabilities,
		MaxConcurrentJobs: DefaultMaxConcurrentJobs,
		Priority:          DefaultPriority,
		Status:            Active,
		HealthStatus:      Unknown,
		CreatedAt:         internal.CurrentTimestamp(nil),
	}
	if r.Capabilities == nil {
		r.Capabilities = map[string]any{}
	}
	if opts.MaxConcurrentJobs != nil {
		if *opts.MaxConcurrentJobs < 1 {
			return nil, internal.InvalidParameterError("max_concurrent_jobs must be at least 1")
		}
		r.MaxConcurrentJobs = *opts.MaxConcurrentJobs
	}
	if opts.Priority != nil {
		r.Priority = *opts.Priority
	}
	return r, nil
}

func (r *Runner) update(opts UpdateOptions) error {
	if opts.Status != nil {
		switch *opts.Status {
		case Active, Inactive, Maintenance, Errored:
			r.Status = *opts.Status
		default:
			return internal.InvalidParameterError("invalid status: " + string(*opts.Status))
		}
	}
	if opts.Priority != nil {
		r.Priority = *opts.Priority
	}
	if opts.Capabilities != nil {
		r.Capabilities = *opts.Capabilities
	}
	if opts.MaxConcurrentJobs != nil {
		if *opts.MaxConcurrentJobs < 1 {
			return internal.InvalidParameterError("max_concurrent_jobs must be at least 1")
		}
		r.MaxConcurrentJobs = *opts.MaxConcurrentJobs
	}
	if opts.EndpointURL != nil {
		r.EndpointURL = *opts.EndpointURL
	}
	if opts.WebhookURL != nil {
		r.WebhookURL = *opts.WebhookURL
	}
	if opts.HealthCheckURL != nil {
		r.HealthCheckURL = *opts.HealthCheckURL
	}
	return nil
}

// recordHealthProbe folds the outcome of one health probe into the runner's
// health fields. A success promotes the runner back to healthy immediately; a
// failure only demotes it once the consecutive failure threshold is crossed.
func (r *Runner) recordHealthProbe(ok bool, at time.Time) {
	r.LastHealthCheck = &at
	if ok {
		r.ConsecutiveFailures = 0
		r.HealthStatus = Healthy
		return
	}
	r.ConsecutiveFailures++
	if r.ConsecutiveFailures >= UnhealthyThreshold {
		r.HealthStatus = Unhealthy
	}
}

// Eligible reports whether the runner may be assigned work at all: it must
// be active and not known to be unhealthy. Capacity is checked separately.
func (r *Runner) Eligible() bool {
	return r.Status == Active && r.HealthStatus != Unhealthy
}

// FreeCapacity is the number of further executions the runner can take.
func (r *Runner) FreeCapacity() int {
	return r.MaxConcurrentJobs - r.CurrentJobs
}

func (r *Runner) String() string { return r.ID.String() }

func (r *Runner) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.ID.String()),
		slog.String("name", r.Name),
		slog.String("type", r.Type),
		slog.String("status", string(r.Status)),
		slog.String("health", string(r.HealthStatus)),
		slog.Int("current_jobs", r.CurrentJobs),
		slog.Int("max_concurrent_jobs", r.MaxConcurrentJobs),
	)
}
