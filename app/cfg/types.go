package cfg

import (
	"fmt"
	"time"
)

// Cfg is read once at startup and then passed by pointer into every component.
// Nothing mutates it after Load returns.
type Cfg struct {
	// Storage
	DBPath     string
	SourcesDir string

	// HTTP surface
	Port         string
	APIAccessKey string

	// Scheduling
	WorkerCount       int
	SchedulerInterval int // seconds
	BatchSize         int
	Once              bool

	// Fetching
	UserAgent        string
	ServerURL        string
	VerifyTLS        bool
	CloudflareWorker string
	FetchTimeout     int // seconds
	HostRate         float64
	Proxies          []string
	MaxBackfillPages int

	// Reconciliation
	KeepOldEnclosures bool
	SaveRaw           bool

	Debug   bool
	Version string
}

func (c *Cfg) GetFetchTimeout() time.Duration {
	if c.FetchTimeout <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.FetchTimeout) * time.Second
}

func (c *Cfg) GetSchedulerInterval() time.Duration {
	if c.SchedulerInterval <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.SchedulerInterval) * time.Second
}

// UserAgentFor is the descriptive identity sent to origins that have not blocked us.
func (c *Cfg) UserAgentFor(subscribers int) string {
	return fmt.Sprintf("%s (+%s; Updater; %d subscribers)", c.UserAgent, c.ServerURL, subscribers)
}
