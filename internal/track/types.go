// Package track executes one tracking query against the external browser
// automation resource with strict lifetime and cleanup guarantees.
package track

import (
	"context"
	"time"

	"maptrack/internal/geo"
)

// Status classifies the outcome of one tracking job.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusNotFound  Status = "not_found" // valid negative result, not an error
	StatusTimeout   Status = "timeout"
	StatusBusy      Status = "busy" // automation resource unavailable within the wait bound
	StatusTransient Status = "transient"
	StatusFatal     Status = "fatal"
)

// Report is the parsed result of one successful tracking query. JSON tags
// match the scraper's output document.
type Report struct {
	Container string `json:"container_number"`
	Location  string `json:"location"`
	Action    string `json:"action"`
	Country   string `json:"country"`
	Timestamp string `json:"date_time"`

	// Geo enrichment; best-effort, never fails the job.
	Coords      *geo.Point `json:"coords,omitempty"`
	Destination string     `json:"destination,omitempty"`
	DistanceKM  float64    `json:"distance_km,omitempty"`
	HasDistance bool       `json:"-"`
}

// Outcome is the transient result of one Execute call.
type Outcome struct {
	Status   Status
	Report   *Report
	Duration time.Duration
	Err      error
}

func (o Outcome) OK() bool { return o.Status == StatusSuccess }

// Session is one acquired automation session. Track must honor ctx
// cancellation; Close must be safe to call at any point and forcibly
// releases the underlying resource.
type Session interface {
	Track(ctx context.Context, query string) (*Report, error)
	Close() error
}

// Browser hands out automation sessions. The scraping logic behind it is
// external; only this execution contract matters here.
type Browser interface {
	NewSession(ctx context.Context) (Session, error)
}

// Config controls job execution.
type Config struct {
	// MaxInFlight bounds concurrent sessions; the browser is scarce.
	MaxInFlight int
	// AcquireWait bounds how long a job waits for a free session slot
	// before giving up with StatusBusy. 0 waits until ctx is done.
	AcquireWait time.Duration
	// Timeout is the default per-job wall-clock budget.
	Timeout time.Duration
	// Destination is the city used for distance enrichment.
	Destination string
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	return c
}
