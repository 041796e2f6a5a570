package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	liststr "dunning/pkg/platform/strings"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Thresholds are the day offsets, counted from the invoice date, at which
// each escalation fires.
type Thresholds struct {
	ReminderFirst  int `yaml:"reminder_first"`
	ReminderSecond int `yaml:"reminder_second"`
	ReminderFinal  int `yaml:"reminder_final"`
	Notice         int `yaml:"notice"`
}

type Dispatch struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts"`
	// Channels is the fallback order tried for every reminder and notice.
	Channels []string `yaml:"channels"`
	Region   string   `yaml:"region"`
}

type Risk struct {
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	LowCutoff    int           `yaml:"low_cutoff"`
	MediumCutoff int           `yaml:"medium_cutoff"`
}

type Sweep struct {
	Interval   time.Duration `yaml:"interval"`
	Workers    int           `yaml:"workers"`
	CASRetries int           `yaml:"cas_retries"`
}

type Relay struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	EventsTopic string   `yaml:"events_topic"`
	Partitions  int32    `yaml:"partitions"`
	Replicas    int16    `yaml:"replicas"`
}

// Endpoint locates one external collaborator. An empty BaseURL selects the
// local stand-in.
type Endpoint struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type Collaborators struct {
	Content  Endpoint            `yaml:"content"`
	Registry Endpoint            `yaml:"registry"`
	Portal   Endpoint            `yaml:"portal"`
	Channels map[string]Endpoint `yaml:"channels"`
}

type Config struct {
	Server        Server         `yaml:"server"`
	Thresholds    Thresholds     `yaml:"thresholds"`
	Dispatch      Dispatch       `yaml:"dispatch"`
	Risk          Risk           `yaml:"risk"`
	Sweep         Sweep          `yaml:"sweep"`
	Relay         Relay          `yaml:"relay"`
	Database      DatabaseConfig `yaml:"database"`
	Redis         RedisConfig    `yaml:"redis"`
	Kafka         KafkaConfig    `yaml:"kafka"`
	Collaborators Collaborators  `yaml:"collaborators"`
	// BankReferenceRate is the annual rate, as a fraction, that the overdue
	// penalty is three times.
	BankReferenceRate string `yaml:"bank_reference_rate"`
	PseudonymKey      string `yaml:"pseudonym_key"`
	LogFormat         string `yaml:"log_format"`
	LogLevel          string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Server: Server{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Thresholds: Thresholds{
			ReminderFirst:  30,
			ReminderSecond: 40,
			ReminderFinal:  44,
			Notice:         46,
		},
		Dispatch: Dispatch{
			BaseDelay:   2 * time.Second,
			Multiplier:  2,
			MaxAttempts: 3,
			Channels:    []string{"email", "sms", "whatsapp"},
			Region:      "IN",
		},
		Risk:     Risk{CacheTTL: 24 * time.Hour, LowCutoff: 70, MediumCutoff: 40},
		Sweep:    Sweep{Interval: time.Hour, Workers: 8, CASRetries: 5},
		Relay:    Relay{Interval: 2 * time.Second, BatchSize: 50, MaxAttempts: 5},
		Database: DatabaseConfig{MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka:             KafkaConfig{EventsTopic: "dunning.invoice-events", Partitions: 6, Replicas: 1},
		BankReferenceRate: "0.065",
		LogFormat:         "json",
		LogLevel:          "info",
	}
}

// Load builds the configuration from defaults, an optional .env file, an
// optional YAML file named by DUNNING_CONFIG_FILE and finally the process
// environment. Later sources win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("DUNNING_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// env reads one variable at a time and keeps the first parse failure.
type env struct {
	err error
}

func (e *env) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func (e *env) int(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || e.err != nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (e *env) float(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok || e.err != nil {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = f
}

func (e *env) duration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || e.err != nil {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}

func (e *env) list(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	*dst = liststr.SplitList(v)
}

func (e *env) endpoint(prefix string, dst *Endpoint) {
	e.str(prefix+"_URL", &dst.BaseURL)
	e.str(prefix+"_API_KEY", &dst.APIKey)
	e.duration(prefix+"_TIMEOUT", &dst.Timeout)
}

func applyEnv(cfg *Config) error {
	e := &env{}
	e.str("DUNNING_ADDR", &cfg.Server.Addr)
	e.duration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	e.int("THRESHOLD_REMINDER_FIRST", &cfg.Thresholds.ReminderFirst)
	e.int("THRESHOLD_REMINDER_SECOND", &cfg.Thresholds.ReminderSecond)
	e.int("THRESHOLD_REMINDER_FINAL", &cfg.Thresholds.ReminderFinal)
	e.int("THRESHOLD_NOTICE", &cfg.Thresholds.Notice)

	e.duration("DISPATCH_BASE_DELAY", &cfg.Dispatch.BaseDelay)
	e.float("DISPATCH_MULTIPLIER", &cfg.Dispatch.Multiplier)
	e.int("DISPATCH_MAX_ATTEMPTS", &cfg.Dispatch.MaxAttempts)
	e.list("DISPATCH_CHANNELS", &cfg.Dispatch.Channels)
	cfg.Dispatch.Channels = liststr.DedupeAndTrimLower(cfg.Dispatch.Channels)
	e.str("DISPATCH_REGION", &cfg.Dispatch.Region)

	e.duration("RISK_CACHE_TTL", &cfg.Risk.CacheTTL)
	e.int("RISK_LOW_CUTOFF", &cfg.Risk.LowCutoff)
	e.int("RISK_MEDIUM_CUTOFF", &cfg.Risk.MediumCutoff)

	e.duration("SWEEP_INTERVAL", &cfg.Sweep.Interval)
	e.int("SWEEP_WORKERS", &cfg.Sweep.Workers)
	e.int("CAS_MAX_RETRIES", &cfg.Sweep.CASRetries)

	e.duration("RELAY_INTERVAL", &cfg.Relay.Interval)
	e.int("RELAY_BATCH_SIZE", &cfg.Relay.BatchSize)
	e.int("RELAY_MAX_ATTEMPTS", &cfg.Relay.MaxAttempts)

	e.str("DATABASE_URL", &cfg.Database.URL)
	e.int("DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	e.str("REDIS_URL", &cfg.Redis.URL)
	e.int("REDIS_POOL_SIZE", &cfg.Redis.PoolSize)
	e.list("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	e.str("KAFKA_EVENTS_TOPIC", &cfg.Kafka.EventsTopic)

	e.endpoint("CONTENT_SERVICE", &cfg.Collaborators.Content)
	e.endpoint("REGISTRY_SERVICE", &cfg.Collaborators.Registry)
	e.endpoint("DISPUTE_PORTAL", &cfg.Collaborators.Portal)
	for _, ch := range cfg.Dispatch.Channels {
		prefix := "CHANNEL_" + strings.ToUpper(ch)
		if _, ok := os.LookupEnv(prefix + "_URL"); !ok {
			continue
		}
		if cfg.Collaborators.Channels == nil {
			cfg.Collaborators.Channels = make(map[string]Endpoint)
		}
		ep := cfg.Collaborators.Channels[ch]
		e.endpoint(prefix, &ep)
		cfg.Collaborators.Channels[ch] = ep
	}

	e.str("BANK_REFERENCE_RATE", &cfg.BankReferenceRate)
	e.str("PSEUDONYM_KEY", &cfg.PseudonymKey)
	e.str("LOG_FORMAT", &cfg.LogFormat)
	e.str("LOG_LEVEL", &cfg.LogLevel)
	return e.err
}

var knownChannels = []string{"email", "sms", "whatsapp", "post"}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	t := c.Thresholds
	days := []int{t.ReminderFirst, t.ReminderSecond, t.ReminderFinal, t.Notice}
	if days[0] <= 0 {
		errs = append(errs, errors.New("thresholds must be positive"))
	}
	for i := 1; i < len(days); i++ {
		if days[i] <= days[i-1] {
			errs = append(errs, fmt.Errorf("thresholds must be strictly ascending, got %v", days))
			break
		}
	}
	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch max attempts must be at least 1"))
	}
	if c.Dispatch.BaseDelay < 0 {
		errs = append(errs, errors.New("dispatch base delay must not be negative"))
	}
	if c.Dispatch.Multiplier < 1 {
		errs = append(errs, errors.New("dispatch multiplier must be at least 1"))
	}
	if len(c.Dispatch.Channels) == 0 {
		errs = append(errs, errors.New("at least one dispatch channel is required"))
	}
	for _, ch := range c.Dispatch.Channels {
		if !slices.Contains(knownChannels, ch) {
			errs = append(errs, fmt.Errorf("unknown dispatch channel %q", ch))
		}
	}
	if c.Risk.CacheTTL <= 0 {
		errs = append(errs, errors.New("risk cache ttl must be positive"))
	}
	if c.Risk.MediumCutoff < 0 || c.Risk.LowCutoff > 100 || c.Risk.MediumCutoff >= c.Risk.LowCutoff {
		errs = append(errs, fmt.Errorf("risk cutoffs must satisfy 0 <= medium < low <= 100, got medium=%d low=%d",
			c.Risk.MediumCutoff, c.Risk.LowCutoff))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	if c.Sweep.Workers < 1 {
		errs = append(errs, errors.New("sweep workers must be at least 1"))
	}
	if c.Sweep.CASRetries < 1 {
		errs = append(errs, errors.New("cas retries must be at least 1"))
	}
	if _, err := c.BankRate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.EventsTopic == "" {
		errs = append(errs, errors.New("kafka events topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

// BankRate parses the configured reference rate.
func (c Config) BankRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.BankReferenceRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bank reference rate %q: %w", c.BankReferenceRate, err)
	}
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("bank reference rate must not be negative")
	}
	return rate, nil
}
