package sources

// Seed declares one source in a *.yml file. The file name without extension is its key.
type Seed struct {
	Key      string       // derived from the file name
	URL      string       `yaml:"url"`
	AltURL   string       `yaml:"alt_url"`
	Settings SeedSettings `yaml:"settings"`
}

type SeedSettings struct {
	Enabled     *bool `yaml:"enabled"` // defaults to true
	Subscribers int   `yaml:"subscribers"`
}

func (s *Seed) IsEnabled() bool {
	return s.Settings.Enabled == nil || *s.Settings.Enabled
}
