// Package config loads the process configuration: defaults, then an optional
// YAML file, then CERTCHAIN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "certchain"

// Config is the full process configuration.
type Config struct {
	Server     Server      `yaml:"server"`
	Database   Database    `yaml:"database"`
	Redis      RedisConfig `yaml:"redis"`
	Kafka      Kafka       `yaml:"kafka"`
	Auth       Auth        `yaml:"auth"`
	Issuance   Issuance    `yaml:"issuance"`
	Ledgers    Ledgers     `yaml:"ledgers"`
	Reconciler Reconciler  `yaml:"reconciler"`
	Audit      Audit       `yaml:"audit"`
	Artifacts  Artifacts   `yaml:"artifacts"`
	RateLimit  RateLimit   `yaml:"rateLimit"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `yaml:"addr"            envconfig:"ADDR"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"  envconfig:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// Database configures Postgres. An empty URL selects the in-memory stores.
type Database struct {
	URL             string        `yaml:"url"             envconfig:"URL"`
	MaxOpenConns    int           `yaml:"maxOpenConns"    envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"maxIdleConns"    envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" envconfig:"CONN_MAX_LIFETIME"`
	TxTimeout       time.Duration `yaml:"txTimeout"       envconfig:"TX_TIMEOUT"`
}

// RedisConfig configures the reconciler lease store. An empty URL selects
// in-process locking, which is only correct for a single replica.
type RedisConfig struct {
	URL          string        `yaml:"url"          envconfig:"URL"`
	PoolSize     int           `yaml:"poolSize"     envconfig:"POOL_SIZE"`
	MinIdleConns int           `yaml:"minIdleConns" envconfig:"MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `yaml:"dialTimeout"  envconfig:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `yaml:"readTimeout"  envconfig:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"writeTimeout" envconfig:"WRITE_TIMEOUT"`
}

// Kafka configures the audit stream. No brokers disables it.
type Kafka struct {
	Brokers       []string `yaml:"brokers"       envconfig:"BROKERS"`
	ClientID      string   `yaml:"clientId"      envconfig:"CLIENT_ID"`
	TopicPrefix   string   `yaml:"topicPrefix"   envconfig:"TOPIC_PREFIX"`
	ConsumerGroup string   `yaml:"consumerGroup" envconfig:"CONSUMER_GROUP"`
	// Materialize runs the consumer that copies the stream into Postgres.
	Materialize bool  `yaml:"materialize" envconfig:"MATERIALIZE"`
	Partitions  int32 `yaml:"partitions"  envconfig:"PARTITIONS"`
	Replication int16 `yaml:"replication" envconfig:"REPLICATION"`
}

type Auth struct {
	JWTSigningKey string `yaml:"jwtSigningKey" envconfig:"JWT_SIGNING_KEY"`
	JWTIssuer     string `yaml:"jwtIssuer"     envconfig:"JWT_ISSUER"`
	// ConfirmationSecret authenticates chain-indexer confirmation callbacks.
	ConfirmationSecret string `yaml:"confirmationSecret" envconfig:"CONFIRMATION_SECRET"`
}

type Issuance struct {
	// UniqueAssets rejects a second certificate for the same asset.
	UniqueAssets bool `yaml:"uniqueAssets" envconfig:"UNIQUE_ASSETS"`
	// AnchorOnIssue submits to the anchor ledger right after issuance
	// instead of waiting for an explicit anchor request.
	AnchorOnIssue bool `yaml:"anchorOnIssue" envconfig:"ANCHOR_ON_ISSUE"`
}

type Ledgers struct {
	Primary Ledger `yaml:"primary" envconfig:"PRIMARY"`
	Anchor  Ledger `yaml:"anchor"  envconfig:"ANCHOR"`
}

// Ledger configures one external network.
type Ledger struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	Network string `yaml:"network" envconfig:"NETWORK"`
	// Driver is "evm" for a JSON-RPC node or "simulated" for an in-process chain.
	Driver          string `yaml:"driver"          envconfig:"DRIVER"`
	RPCURL          string `yaml:"rpcUrl"          envconfig:"RPC_URL"`
	ContractAddress string `yaml:"contractAddress" envconfig:"CONTRACT_ADDRESS"`
	FromAddress     string `yaml:"fromAddress"     envconfig:"FROM_ADDRESS"`
	Confirmations   uint64 `yaml:"confirmations"   envconfig:"CONFIRMATIONS"`

	SubmitTimeout       time.Duration `yaml:"submitTimeout"       envconfig:"SUBMIT_TIMEOUT"`
	ConfirmationTimeout time.Duration `yaml:"confirmationTimeout" envconfig:"CONFIRMATION_TIMEOUT"`
	// ConfirmDeadline is how long a record may stay pending before it is failed.
	ConfirmDeadline time.Duration `yaml:"confirmDeadline" envconfig:"CONFIRM_DEADLINE"`

	BreakerFailures int           `yaml:"breakerFailures" envconfig:"BREAKER_FAILURES"`
	BreakerCooldown time.Duration `yaml:"breakerCooldown" envconfig:"BREAKER_COOLDOWN"`
}

type Reconciler struct {
	Interval          time.Duration `yaml:"interval"          envconfig:"INTERVAL"`
	BatchSize         int           `yaml:"batchSize"         envconfig:"BATCH_SIZE"`
	Concurrency       int           `yaml:"concurrency"       envconfig:"CONCURRENCY"`
	MaxSubmitAttempts int           `yaml:"maxSubmitAttempts" envconfig:"MAX_SUBMIT_ATTEMPTS"`
	// RetryBackoff is the first wait between submit attempts; later waits grow exponentially.
	RetryBackoff time.Duration `yaml:"retryBackoff" envconfig:"RETRY_BACKOFF"`
	// LockTTL bounds a submission lease and must outlast SubmitBudget.
	LockTTL time.Duration `yaml:"lockTtl" envconfig:"LOCK_TTL"`
}

// SubmitBudget is the longest one guarded submission can take: every attempt
// hitting submitTimeout plus the largest randomized wait between attempts.
func (r Reconciler) SubmitBudget(submitTimeout time.Duration) time.Duration {
	total := time.Duration(r.MaxSubmitAttempts) * submitTimeout
	wait := float64(r.RetryBackoff)
	for i := 1; i < r.MaxSubmitAttempts; i++ {
		step := min(time.Duration(wait), backoff.DefaultMaxInterval)
		total += time.Duration(float64(step) * (1 + backoff.DefaultRandomizationFactor))
		wait *= backoff.DefaultMultiplier
	}
	return total
}

type Audit struct {
	// Sink is "memory", "postgres" or "kafka".
	Sink        string        `yaml:"sink"        envconfig:"SINK"`
	BufferSize  int           `yaml:"bufferSize"  envconfig:"BUFFER_SIZE"`
	RetryWindow time.Duration `yaml:"retryWindow" envconfig:"RETRY_WINDOW"`
}

type Artifacts struct {
	// BaseURL is where rendered artifacts are served from.
	BaseURL string `yaml:"baseUrl" envconfig:"BASE_URL"`
	// VerifyBaseURL is the public verification page encoded into QR codes.
	VerifyBaseURL string `yaml:"verifyBaseUrl" envconfig:"VERIFY_BASE_URL"`
	Workers       int    `yaml:"workers"       envconfig:"WORKERS"`
}

// RateLimit caps requests per minute. Zero disables a limit.
type RateLimit struct {
	Disabled bool `yaml:"disabled" envconfig:"DISABLED"`
	// VerifyPerMinute applies per client address to the public verify route.
	VerifyPerMinute int `yaml:"verifyPerMinute" envconfig:"VERIFY_PER_MINUTE"`
	// WritesPerMinute applies per user to issuance and transfer writes.
	WritesPerMinute int `yaml:"writesPerMinute" envconfig:"WRITES_PER_MINUTE"`
}

// Default returns the development defaults.
func Default() Config {
	simulated := func(network string, confirmations uint64) Ledger {
		return Ledger{
			Enabled:             true,
			Network:             network,
			Driver:              "simulated",
			Confirmations:       confirmations,
			SubmitTimeout:       5 * time.Second,
			ConfirmationTimeout: 5 * time.Second,
			ConfirmDeadline:     30 * time.Minute,
			BreakerFailures:     5,
			BreakerCooldown:     30 * time.Second,
		}
	}
	return Config{
		Server: Server{
			Addr:            ":8080",
			RequestTimeout:  15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: Database{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			TxTimeout:       5 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: Kafka{
			ClientID:      "certchain",
			TopicPrefix:   "certchain.audit",
			ConsumerGroup: "certchain-audit-materializer",
			Partitions:    3,
			Replication:   1,
		},
		Auth: Auth{
			JWTSigningKey: "dev-secret-key-change-in-production",
			JWTIssuer:     "certchain",
		},
		Issuance: Issuance{UniqueAssets: true},
		Ledgers: Ledgers{
			Primary: simulated("primary-sim", 3),
			Anchor:  simulated("anchor-sim", 1),
		},
		Reconciler: Reconciler{
			Interval:          10 * time.Second,
			BatchSize:         100,
			Concurrency:       8,
			MaxSubmitAttempts: 3,
			RetryBackoff:      200 * time.Millisecond,
			LockTTL:           30 * time.Second,
		},
		Audit: Audit{
			Sink:        "memory",
			BufferSize:  1024,
			RetryWindow: 10 * time.Second,
		},
		Artifacts: Artifacts{
			BaseURL:       "http://localhost:8080/artifacts",
			VerifyBaseURL: "http://localhost:8080/verify",
			Workers:       2,
		},
		RateLimit: RateLimit{
			VerifyPerMinute: 120,
			WritesPerMinute: 30,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (if any) and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the process cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if !c.Ledgers.Primary.Enabled {
		errs = append(errs, errors.New("ledgers.primary must be enabled"))
	}
	for name, l := range map[string]Ledger{"primary": c.Ledgers.Primary, "anchor": c.Ledgers.Anchor} {
		if !l.Enabled {
			continue
		}
		switch l.Driver {
		case "simulated":
		case "evm":
			if l.RPCURL == "" || l.ContractAddress == "" || l.FromAddress == "" {
				errs = append(errs, fmt.Errorf("ledgers.%s: evm driver needs rpcUrl, contractAddress and fromAddress", name))
			}
		default:
			errs = append(errs, fmt.Errorf("ledgers.%s: unknown driver %q", name, l.Driver))
		}
		if l.Network == "" {
			errs = append(errs, fmt.Errorf("ledgers.%s: network is required", name))
		}
		if l.SubmitTimeout <= 0 {
			errs = append(errs, fmt.Errorf("ledgers.%s: submitTimeout must be positive", name))
		} else if c.Reconciler.MaxSubmitAttempts > 0 {
			if budget := c.Reconciler.SubmitBudget(l.SubmitTimeout); c.Reconciler.LockTTL <= budget {
				errs = append(errs, fmt.Errorf("reconciler.lockTtl %s must exceed the %s a ledgers.%s submission can take",
					c.Reconciler.LockTTL, budget, name))
			}
		}
	}
	switch c.Audit.Sink {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("audit.sink postgres needs database.url"))
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("audit.sink kafka needs kafka.brokers"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audit.sink %q", c.Audit.Sink))
	}
	if c.Kafka.Materialize && (len(c.Kafka.Brokers) == 0 || c.Database.URL == "") {
		errs = append(errs, errors.New("kafka.materialize needs kafka.brokers and database.url"))
	}
	if c.RateLimit.VerifyPerMinute < 0 || c.RateLimit.WritesPerMinute < 0 {
		errs = append(errs, errors.New("rateLimit values must not be negative"))
	}
	if c.Reconciler.MaxSubmitAttempts <= 0 {
		errs = append(errs, errors.New("reconciler.maxSubmitAttempts must be positive"))
	}
	if c.Reconciler.Concurrency <= 0 || c.Reconciler.BatchSize <= 0 {
		errs = append(errs, errors.New("reconciler.concurrency and batchSize must be positive"))
	}
	return errors.Join(errs...)
}
