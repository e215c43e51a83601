package cfg

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage
	DBPath     string `long:"db-path" env:"DB_PATH" default:"./rss-warden.db" description:"SQLite database file"`
	SourcesDir string `long:"sources-dir" env:"SOURCES_DIR" default:"./sources" description:"Directory containing source seed files"`

	// HTTP surface
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Scheduling
	WorkerCount       int  `long:"worker-count" env:"WORKER_COUNT" default:"5" description:"Number of parallel fetch cycles"`
	SchedulerInterval int  `long:"scheduler-interval" env:"SCHEDULER_INTERVAL" default:"60" description:"Seconds between due source sweeps"`
	BatchSize         int  `long:"batch-size" env:"BATCH_SIZE" default:"50" description:"Maximum sources claimed per sweep"`
	Once              bool `long:"once" description:"Poll a single batch of due sources and exit"`

	// Fetching
	UserAgent          string   `long:"user-agent" env:"USER_AGENT" default:"rss-warden" description:"Operator identity sent in the User-Agent header"`
	ServerURL          string   `long:"server-url" env:"SERVER_URL" default:"http://localhost" description:"Operator contact URL sent in the User-Agent header"`
	InsecureSkipVerify bool     `long:"insecure-skip-verify" env:"INSECURE_SKIP_VERIFY" description:"Disable TLS certificate verification"`
	CloudflareWorker   string   `long:"cloudflare-worker" env:"CLOUDFLARE_WORKER" description:"Anti-bot bypass endpoint (e.g., https://reader.example.workers.dev)"`
	FetchTimeout       int      `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"20" description:"HTTP timeout in seconds"`
	HostRate           float64  `long:"host-rate" env:"HOST_RATE" default:"2" description:"Requests per second allowed per origin host"`
	Proxies            []string `long:"proxy" env:"PROXIES" env-delim:"," description:"Proxy address for blocked sources (repeatable)"`
	MaxBackfillPages   int      `long:"max-backfill-pages" env:"MAX_BACKFILL_PAGES" default:"50" description:"Maximum pages followed when backfilling a new source"`

	// Reconciliation
	KeepOldEnclosures bool `long:"keep-old-enclosures" env:"KEEP_OLD_ENCLOSURES" description:"Mark vanished enclosures as not current instead of deleting them"`
	SaveRaw           bool `long:"save-raw" env:"SAVE_RAW" description:"Store raw parsed documents for audit"`

	Debug bool `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

// Load parses args (without the program name) and the environment.
// It returns nil, nil when help was requested.
func Load(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:            raw.DBPath,
		SourcesDir:        raw.SourcesDir,
		Port:              raw.Port,
		APIAccessKey:      raw.APIAccessKey,
		WorkerCount:       raw.WorkerCount,
		SchedulerInterval: raw.SchedulerInterval,
		BatchSize:         raw.BatchSize,
		Once:              raw.Once,
		UserAgent:         raw.UserAgent,
		ServerURL:         strings.TrimRight(raw.ServerURL, "/"),
		VerifyTLS:         !raw.InsecureSkipVerify,
		CloudflareWorker:  strings.TrimRight(raw.CloudflareWorker, "/"),
		FetchTimeout:      raw.FetchTimeout,
		HostRate:          raw.HostRate,
		Proxies:           compact(raw.Proxies),
		MaxBackfillPages:  raw.MaxBackfillPages,
		KeepOldEnclosures: raw.KeepOldEnclosures,
		SaveRaw:           raw.SaveRaw,
		Debug:             raw.Debug,
		Version:           GetVersion(),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(c *Cfg) error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout must be non-negative")
	}
	if c.HostRate < 0 {
		return fmt.Errorf("host rate must be non-negative")
	}
	return nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
