package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"prefetchd/internal/tier"
)

type Config struct {
	Server struct {
		Listen  string `yaml:"listen" validate:"required"`
		Metrics bool   `yaml:"metrics"`
	} `yaml:"server"`

	Logging struct {
		Level      string   `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
		Format     string   `yaml:"format" validate:"omitempty,oneof=text json"`
		Output     string   `yaml:"output"`
		StatsEvery Duration `yaml:"statsEvery" validate:"gte=0"`
	} `yaml:"logging"`

	Storage struct {
		Backend string `yaml:"backend" validate:"oneof=leveldb badger memory"`
		Path    string `yaml:"path"`
	} `yaml:"storage"`

	Cache Cache `yaml:"cache"`

	Scheduler Scheduler `yaml:"scheduler"`

	Resources Resources `yaml:"resources"`

	Signals struct {
		File  string `yaml:"file"`
		Watch bool   `yaml:"watch"`
	} `yaml:"signals"`

	Discover Discover `yaml:"discover"`
}

type Cache struct {
	Disabled   bool     `yaml:"disabled"`
	Dir        string   `yaml:"dir" validate:"required"`
	Max        ByteSize `yaml:"max" validate:"gt=0"`
	MaxItem    ByteSize `yaml:"maxItem" validate:"gt=0,ltefield=Max"`
	MaxAge     Duration `yaml:"maxAge" validate:"gt=0"`
	SweepEvery Duration `yaml:"sweepEvery" validate:"gte=0"`
}

type Scheduler struct {
	Workers       int      `yaml:"workers" validate:"min=1,max=64"`
	QueueSize     int      `yaml:"queueSize" validate:"min=1"`
	Tick          Duration `yaml:"tick" validate:"gt=0"`
	FetchTimeout  Duration `yaml:"fetchTimeout" validate:"gt=0"`
	TaskExpiry    Duration `yaml:"taskExpiry" validate:"gt=0"`
	MinConfidence float64  `yaml:"minConfidence" validate:"gte=0,lte=1"`
	Weights       Weights  `yaml:"weights"`

	// SearchURL is the template for predicted search-result URLs; %s is
	// replaced by the escaped query.
	SearchURL string `yaml:"searchURL" validate:"required,contains=%s"`
}

// Weights are the rule weights of the confidence engine. They are normalised
// to sum to 1 when loaded.
type Weights struct {
	DomainAffinity  float64 `yaml:"domainAffinity" validate:"gte=0"`
	TimeOfDay       float64 `yaml:"timeOfDay" validate:"gte=0"`
	SearchRelevance float64 `yaml:"searchRelevance" validate:"gte=0"`
}

type Resources struct {
	MinBattery            int      `yaml:"minBattery" validate:"gte=0,lte=100"`
	MaxMemoryPressure     float64  `yaml:"maxMemoryPressure" validate:"gt=0,lte=1"`
	DailyBudget           ByteSize `yaml:"dailyBudget" validate:"gt=0"`
	MinCellularGeneration int      `yaml:"minCellularGeneration" validate:"gte=2,lte=6"`
	MemoryPressureHold    Duration `yaml:"memoryPressureHold" validate:"gte=0"`

	// Host description used by the default probe. Battery is read from
	// PowerSupplyPath when present; a host without a battery reports
	// charging at 100%.
	Network            string `yaml:"network" validate:"oneof=wifi cellular none"`
	CellularGeneration int    `yaml:"cellularGeneration" validate:"gte=0,lte=6"`
	PowerSupplyPath    string `yaml:"powerSupplyPath"`
}

type Discover struct {
	Origin       string    `yaml:"origin" validate:"omitempty,url"`
	Sitemaps     []string  `yaml:"sitemaps"`
	InitialDelay Duration  `yaml:"initialDelay" validate:"gte=0"`
	Every        Duration  `yaml:"every" validate:"gte=0"`
	Priority     tier.Tier `yaml:"priority"`
	MaxURLs      int       `yaml:"maxURLs" validate:"gte=0"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	var c Config
	c.Server.Listen = ":8089"
	c.Server.Metrics = true
	c.Logging.Level = "info"
	c.Logging.Format = "text"
	c.Logging.StatsEvery = Duration(time.Minute)
	c.Storage.Backend = "leveldb"
	c.Storage.Path = "./data/state"

	c.Cache = Cache{
		Dir:        "./data/cache",
		Max:        200 * 1024 * 1024,
		MaxItem:    10 * 1024 * 1024,
		MaxAge:     Duration(30 * 24 * time.Hour),
		SweepEvery: Duration(time.Hour),
	}
	c.Scheduler = Scheduler{
		Workers:       3,
		QueueSize:     50,
		Tick:          Duration(5 * time.Minute),
		FetchTimeout:  Duration(30 * time.Second),
		TaskExpiry:    Duration(2 * time.Hour),
		MinConfidence: 0.6,
		Weights:       Weights{DomainAffinity: 0.4, TimeOfDay: 0.2, SearchRelevance: 0.4},
		SearchURL:     "https://www.google.com/search?q=%s",
	}
	c.Resources = Resources{
		MinBattery:            20,
		MaxMemoryPressure:     0.8,
		DailyBudget:           100 * 1024 * 1024,
		MinCellularGeneration: 4,
		MemoryPressureHold:    Duration(time.Minute),
		Network:               "wifi",
		PowerSupplyPath:       "/sys/class/power_supply",
	}
	c.Discover.Every = Duration(time.Hour)
	c.Discover.Priority = tier.Low
	c.Discover.MaxURLs = 500
	return c
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.Discover.Origin = strings.TrimRight(cfg.Discover.Origin, "/")

	w := &cfg.Scheduler.Weights
	sum := w.DomainAffinity + w.TimeOfDay + w.SearchRelevance
	if sum <= 0 {
		*w = Default().Scheduler.Weights
	} else {
		w.DomainAffinity /= sum
		w.TimeOfDay /= sum
		w.SearchRelevance /= sum
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	if len(cfg.Discover.Sitemaps) > 0 && cfg.Discover.Origin == "" {
		for i, sm := range cfg.Discover.Sitemaps {
			if !strings.HasPrefix(sm, "http://") && !strings.HasPrefix(sm, "https://") {
				return Config{}, fmt.Errorf("discover.sitemaps[%d]: relative sitemap %q needs discover.origin", i, sm)
			}
		}
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and reports the first failing fields.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
