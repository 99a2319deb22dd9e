// Package config loads ledgerscan configuration from an optional YAML file
// and LEDGERSCAN_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/ledgerscan/pkg/accounts"
	"github.com/Sternrassler/ledgerscan/pkg/batch"
	"github.com/Sternrassler/ledgerscan/pkg/client"
	"github.com/Sternrassler/ledgerscan/pkg/ethdeposits"
	"github.com/Sternrassler/ledgerscan/pkg/logging"
	"github.com/Sternrassler/ledgerscan/pkg/rangeplan"
	"github.com/Sternrassler/ledgerscan/pkg/ratelimit"
	"github.com/Sternrassler/ledgerscan/pkg/retry"
	"github.com/Sternrassler/ledgerscan/pkg/scan"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEDGERSCAN_"

// Config is the full ledgerscan configuration.
type Config struct {
	Node       NodeConfig     `yaml:"node"`
	Scan       ScanConfig     `yaml:"scan"`
	SetupRetry RetryConfig    `yaml:"setup_retry"`
	ChunkRetry RetryConfig    `yaml:"chunk_retry"`
	Accounts   AccountsConfig `yaml:"accounts"`
	Ethereum   EthereumConfig `yaml:"ethereum"`
	Redis      RedisConfig    `yaml:"redis"`
	Log        LogConfig      `yaml:"log"`
	Metrics    MetricsConfig  `yaml:"metrics"`
}

// NodeConfig locates the Cosmos node.
type NodeConfig struct {
	RPCURL            string        `yaml:"rpc_url"`
	RESTURL           string        `yaml:"rest_url"`
	Timeout           time.Duration `yaml:"timeout"`
	UserAgent         string        `yaml:"user_agent"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// ScanConfig controls the block scan. Zero Start/End are discovered from the node.
type ScanConfig struct {
	Start         uint64 `yaml:"start"`
	End           uint64 `yaml:"end"`
	FindEarliest  bool   `yaml:"find_earliest"`
	BatchSize     uint64 `yaml:"batch_size"`
	Concurrency   int    `yaml:"concurrency"`
	Admission     string `yaml:"admission"`
	FailurePolicy string `yaml:"failure_policy"`
	Order         string `yaml:"order"`
}

// RetryConfig mirrors retry.Policy.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         float64       `yaml:"jitter"`
}

// AccountsConfig controls the account join. An empty address list means
// every account on chain.
type AccountsConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Denom              string   `yaml:"denom"`
	BatchSize          int      `yaml:"batch_size"`
	MaxParallelBatches int      `yaml:"max_parallel_batches"`
	Addresses          []string `yaml:"addresses"`
}

// EthereumConfig controls the bridge deposit scan.
type EthereumConfig struct {
	Enabled          bool   `yaml:"enabled"`
	RPCURL           string `yaml:"rpc_url"`
	Contract         string `yaml:"contract"`
	Start            uint64 `yaml:"start"`
	End              uint64 `yaml:"end"`
	BlocksPerRequest uint64 `yaml:"blocks_per_request"`
	Concurrency      int    `yaml:"concurrency"`
}

// RedisConfig enables the shared error budget. An empty Addr disables it.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	ErrorBudget int           `yaml:"error_budget"`
	Window      time.Duration `yaml:"window"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Node: NodeConfig{
			RPCURL:            "http://localhost:26657",
			RESTURL:           "http://localhost:1317",
			Timeout:           30 * time.Second,
			UserAgent:         "ledgerscan/1.0",
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Scan: ScanConfig{
			BatchSize:     100,
			Concurrency:   1000,
			Admission:     batch.AdmitContinuous.String(),
			FailurePolicy: batch.FailSkip.String(),
			Order:         rangeplan.Descending.String(),
		},
		SetupRetry: RetryConfig{
			MaxAttempts:    0,
			InitialBackoff: 10 * time.Second,
			MaxBackoff:     10 * time.Second,
			Multiplier:     1,
		},
		ChunkRetry: RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
			Jitter:         0.2,
		},
		Accounts: AccountsConfig{
			Denom:     "ugraviton",
			BatchSize: 500,
		},
		Ethereum: EthereumConfig{
			Contract:         "0xa4108aA1Ec4967F8b52220a4f7e94A8201F2D906",
			Start:            12786713,
			End:              16786713,
			BlocksPerRequest: ethdeposits.DefaultBlocksPerRequest,
			Concurrency:      4,
		},
		Redis: RedisConfig{
			ErrorBudget: 100,
			Window:      60 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type envSetter func(string) error

func (c *Config) envSetters() map[string]envSetter {
	return map[string]envSetter{
		"NODE_RPC_URL":             setString(&c.Node.RPCURL),
		"NODE_REST_URL":            setString(&c.Node.RESTURL),
		"NODE_TIMEOUT":             setDuration(&c.Node.Timeout),
		"NODE_REQUESTS_PER_SECOND": setFloat(&c.Node.RequestsPerSecond),
		"NODE_BURST":               setInt(&c.Node.Burst),
		"SCAN_START":               setUint(&c.Scan.Start),
		"SCAN_END":                 setUint(&c.Scan.End),
		"SCAN_FIND_EARLIEST":       setBool(&c.Scan.FindEarliest),
		"SCAN_BATCH_SIZE":          setUint(&c.Scan.BatchSize),
		"SCAN_CONCURRENCY":         setInt(&c.Scan.Concurrency),
		"SCAN_ADMISSION":           setString(&c.Scan.Admission),
		"SCAN_FAILURE_POLICY":      setString(&c.Scan.FailurePolicy),
		"SCAN_ORDER":               setString(&c.Scan.Order),
		"ACCOUNTS_ENABLED":         setBool(&c.Accounts.Enabled),
		"ACCOUNTS_DENOM":           setString(&c.Accounts.Denom),
		"ACCOUNTS_BATCH_SIZE":      setInt(&c.Accounts.BatchSize),
		"ETH_ENABLED":              setBool(&c.Ethereum.Enabled),
		"ETH_RPC_URL":              setString(&c.Ethereum.RPCURL),
		"ETH_CONTRACT":             setString(&c.Ethereum.Contract),
		"ETH_START":                setUint(&c.Ethereum.Start),
		"ETH_END":                  setUint(&c.Ethereum.End),
		"REDIS_ADDR":               setString(&c.Redis.Addr),
		"REDIS_PASSWORD":           setString(&c.Redis.Password),
		"REDIS_ERROR_BUDGET":       setInt(&c.Redis.ErrorBudget),
		"LOG_LEVEL":                setString(&c.Log.Level),
		"LOG_PRETTY":               setBool(&c.Log.Pretty),
		"METRICS_ADDR":             setString(&c.Metrics.Addr),
	}
}

// applyEnv applies LEDGERSCAN_* overrides found through lookup.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for key, set := range c.envSetters() {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			continue
		}
		if err := set(v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
	}
	return nil
}

func setString(dst *string) envSetter {
	return func(v string) error { *dst = v; return nil }
}

func setUint(dst *uint64) envSetter {
	return func(v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setInt(dst *int) envSetter {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setFloat(dst *float64) envSetter {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func setBool(dst *bool) envSetter {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setDuration(dst *time.Duration) envSetter {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Node.RPCURL != "", "node.rpc_url is required")
	check(c.Node.RESTURL != "", "node.rest_url is required")
	check(c.Node.Timeout > 0, "node.timeout must be positive")
	check(c.Node.RequestsPerSecond >= 0, "node.requests_per_second must not be negative")

	check(c.Scan.BatchSize >= 1, "scan.batch_size must be at least 1")
	check(c.Scan.Concurrency >= 1, "scan.concurrency must be at least 1")
	check(c.Scan.End == 0 || c.Scan.End >= c.Scan.Start, "scan.end (%d) is before scan.start (%d)", c.Scan.End, c.Scan.Start)
	if _, err := batch.ParseAdmission(c.Scan.Admission); err != nil {
		errs = append(errs, fmt.Errorf("scan.admission: %w", err))
	}
	if _, err := batch.ParseFailurePolicy(c.Scan.FailurePolicy); err != nil {
		errs = append(errs, fmt.Errorf("scan.failure_policy: %w", err))
	}
	if _, err := rangeplan.ParseOrder(c.Scan.Order); err != nil {
		errs = append(errs, fmt.Errorf("scan.order: %w", err))
	}

	for name, r := range map[string]RetryConfig{"setup_retry": c.SetupRetry, "chunk_retry": c.ChunkRetry} {
		check(r.MaxAttempts >= 0, "%s.max_attempts must not be negative", name)
		check(r.InitialBackoff >= 0 && r.MaxBackoff >= 0, "%s backoffs must not be negative", name)
		check(r.Jitter >= 0 && r.Jitter < 1, "%s.jitter must be in [0, 1)", name)
	}

	if c.Accounts.Enabled {
		check(c.Accounts.Denom != "", "accounts.denom is required")
		check(c.Accounts.BatchSize >= 1, "accounts.batch_size must be at least 1")
		check(c.Accounts.MaxParallelBatches >= 0, "accounts.max_parallel_batches must not be negative")
	}

	if c.Ethereum.Enabled {
		check(c.Ethereum.RPCURL != "", "ethereum.rpc_url is required when ethereum is enabled")
		check(common.IsHexAddress(c.Ethereum.Contract), "ethereum.contract %q is not an address", c.Ethereum.Contract)
		check(c.Ethereum.End >= c.Ethereum.Start, "ethereum.end (%d) is before ethereum.start (%d)", c.Ethereum.End, c.Ethereum.Start)
		check(c.Ethereum.BlocksPerRequest >= 1, "ethereum.blocks_per_request must be at least 1")
		check(c.Ethereum.Concurrency >= 1, "ethereum.concurrency must be at least 1")
	}

	if c.Redis.Addr != "" {
		check(c.Redis.ErrorBudget >= 1, "redis.error_budget must be at least 1")
		check(c.Redis.Window > 0, "redis.window must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	return errors.Join(errs...)
}

// Policy converts the retry section to a retry.Policy.
func (r RetryConfig) Policy(name string) retry.Policy {
	return retry.Policy{
		Name:           name,
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		Multiplier:     r.Multiplier,
		Jitter:         r.Jitter,
	}
}

// ScanConfig builds the scanner configuration. Call after Validate.
func (c *Config) ScanConfig() (scan.Config, error) {
	admission, err := batch.ParseAdmission(c.Scan.Admission)
	if err != nil {
		return scan.Config{}, err
	}
	failure, err := batch.ParseFailurePolicy(c.Scan.FailurePolicy)
	if err != nil {
		return scan.Config{}, err
	}
	order, err := rangeplan.ParseOrder(c.Scan.Order)
	if err != nil {
		return scan.Config{}, err
	}

	sc := scan.DefaultConfig()
	sc.Start = c.Scan.Start
	sc.End = c.Scan.End
	sc.FindEarliest = c.Scan.FindEarliest
	sc.BatchSize = c.Scan.BatchSize
	sc.Order = order
	sc.Executor.MaxConcurrency = c.Scan.Concurrency
	sc.Executor.Admission = admission
	sc.Executor.Failure = failure
	sc.Executor.Timeout = c.Node.Timeout
	sc.Executor.Retry = c.ChunkRetry.Policy("chunk")
	sc.Setup = c.SetupRetry.Policy("setup")
	return sc, nil
}

// ClientConfig builds the node client configuration. The caller attaches the gate.
func (c *Config) ClientConfig() client.Config {
	cc := client.DefaultConfig(c.Node.RPCURL, c.Node.RESTURL)
	cc.Timeout = c.Node.Timeout
	if c.Node.UserAgent != "" {
		cc.UserAgent = c.Node.UserAgent
	}
	return cc
}

// TrackerConfig builds the error budget configuration, namespaced by chain ID.
func (c *Config) TrackerConfig(chainID string) ratelimit.TrackerConfig {
	return ratelimit.TrackerConfig{
		Budget:    c.Redis.ErrorBudget,
		Window:    c.Redis.Window,
		KeyPrefix: chainID,
	}
}

// JoinerConfig builds the account joiner configuration.
func (c *Config) JoinerConfig() accounts.Config {
	jc := accounts.DefaultConfig()
	jc.BatchSize = c.Accounts.BatchSize
	jc.MaxParallelBatches = c.Accounts.MaxParallelBatches
	return jc
}

// DepositConfig builds the Ethereum deposit scan configuration.
func (c *Config) DepositConfig() ethdeposits.Config {
	dc := ethdeposits.DefaultConfig(common.HexToAddress(c.Ethereum.Contract), c.Ethereum.Start, c.Ethereum.End)
	dc.BlocksPerRequest = c.Ethereum.BlocksPerRequest
	dc.Executor.MaxConcurrency = c.Ethereum.Concurrency
	dc.Executor.Retry = c.ChunkRetry.Policy("eth_window")
	return dc
}

// LoggingConfig builds the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.Log.Level
	lc.Pretty = c.Log.Pretty
	return lc
}
