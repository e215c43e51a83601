package sources

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Cache holds the parsed seed files of a directory
type Cache struct {
	dir    string
	cache  map[string]*Seed
	logger *slog.Logger
	mu     sync.RWMutex
}

func NewCache(dir string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		dir:    dir,
		cache:  make(map[string]*Seed),
		logger: logger,
	}
}

// Run loads every *.yml file. A missing directory is not an error.
func (c *Cache) Run() error {
	if _, err := os.Stat(c.dir); os.IsNotExist(err) {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(c.dir, "*.yml"))
	if err != nil {
		return fmt.Errorf("failed to find YML files: %w", err)
	}

	for _, file := range files {
		key := strings.TrimSuffix(filepath.Base(file), ".yml")

		seed, err := c.Load(key)
		if err != nil {
			return fmt.Errorf("error loading %s: %w", file, err)
		}

		c.logger.Debug("Source seed loaded", "source", key, "enabled", seed.IsEnabled(), "subscribers", seed.Settings.Subscribers)
	}

	return nil
}

// Load (re)reads one seed file and caches it
func (c *Cache) Load(key string) (*Seed, error) {
	path := filepath.Join(c.dir, key+".yml")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	seed.Key = key

	if seed.Settings.Subscribers == 0 {
		seed.Settings.Subscribers = 1
	}

	if err := validate(&seed); err != nil {
		return nil, fmt.Errorf("invalid seed %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = &seed

	return &seed, nil
}

func (c *Cache) Get(key string) (*Seed, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seed, ok := c.cache[key]
	if !ok {
		return nil, fmt.Errorf("source seed '%s' not found", key)
	}
	return seed, nil
}

// All returns the seeds ordered by key
func (c *Cache) All() []*Seed {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seeds := make([]*Seed, 0, len(c.cache))
	for _, s := range c.cache {
		seeds = append(seeds, s)
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].Key < seeds[j].Key })
	return seeds
}

func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func validate(seed *Seed) error {
	if seed.URL == "" {
		return fmt.Errorf("source URL is required")
	}

	for name, raw := range map[string]string{"url": seed.URL, "alt_url": seed.AltURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL", name)
		}
	}

	if seed.Settings.Subscribers < 0 {
		return fmt.Errorf("subscribers must be non-negative")
	}

	return nil
}
