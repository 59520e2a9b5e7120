// Package health reports the state of pipeline units and runs as nested
// healthy / degraded / unhealthy snapshots.
package health

import (
	"regexp"
	"time"
)

// Status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var (
	pathRegex       = regexp.MustCompile(`(?:[A-Za-z]:\\|/)[A-Za-z0-9/\\_.-]+`)
	natsURLRegex    = regexp.MustCompile(`(?:nats|tls|wss?|https?)://[^\s]+`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health of a unit, a run, or the process
type Status struct {
	Component   string    `json:"component" yaml:"component"`
	Healthy     bool      `json:"healthy" yaml:"healthy"`
	Status      string    `json:"status" yaml:"status"`
	Message     string    `json:"message" yaml:"message"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty" yaml:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// Metrics carries the counters a unit reports alongside its status
type Metrics struct {
	Uptime        time.Duration `json:"uptime" yaml:"uptime"`
	EventsHandled int64         `json:"events_handled,omitempty" yaml:"events_handled,omitempty"`
	Failures      int64         `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StatusHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StatusDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StatusUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(sub Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, sub)
	return s
}

// FromError reports component as unhealthy with err's message. File paths,
// server URLs and credentials are masked since log paths and NATS URLs
// regularly appear in pipeline errors.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, sanitize(err.Error()))
}

func sanitize(msg string) string {
	msg = natsURLRegex.ReplaceAllString(msg, "[URL]")
	msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	return pathRegex.ReplaceAllString(msg, "[PATH]")
}
