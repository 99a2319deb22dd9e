// Command ledgerscan scans a Cosmos chain for transfer activity, joins account
// state and optionally walks Ethereum bridge deposits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/ledgerscan/internal/config"
	"github.com/Sternrassler/ledgerscan/pkg/accounts"
	"github.com/Sternrassler/ledgerscan/pkg/aggregate"
	"github.com/Sternrassler/ledgerscan/pkg/client"
	"github.com/Sternrassler/ledgerscan/pkg/cosmos"
	"github.com/Sternrassler/ledgerscan/pkg/ethdeposits"
	"github.com/Sternrassler/ledgerscan/pkg/logging"
	"github.com/Sternrassler/ledgerscan/pkg/metrics"
	"github.com/Sternrassler/ledgerscan/pkg/ratelimit"
	"github.com/Sternrassler/ledgerscan/pkg/scan"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "ledgerscan: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath   string
	start        uint64
	end          uint64
	accounts     bool
	eth          bool
	blocks       bool
	findEarliest bool
	set          map[string]bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("ledgerscan", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "path to a YAML config file")
	fs.Uint64Var(&o.start, "start", 0, "first block height to scan")
	fs.Uint64Var(&o.end, "end", 0, "block height to stop before (0 = chain head)")
	fs.BoolVar(&o.accounts, "accounts", false, "join bank, reward and staking state of accounts")
	fs.BoolVar(&o.eth, "eth", false, "scan Ethereum for bridge deposits")
	fs.BoolVar(&o.blocks, "blocks", true, "scan blocks for transfers")
	fs.BoolVar(&o.findEarliest, "find-earliest", false, "search for the earliest block the node serves")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	o.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, nil
}

// apply folds explicitly set flags into cfg.
func (o options) apply(cfg *config.Config) {
	if o.set["start"] {
		cfg.Scan.Start = o.start
	}
	if o.set["end"] {
		cfg.Scan.End = o.end
	}
	if o.set["find-earliest"] {
		cfg.Scan.FindEarliest = o.findEarliest
	}
	if o.accounts {
		cfg.Accounts.Enabled = true
	}
	if o.eth {
		cfg.Ethereum.Enabled = true
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.Setup(cfg.LoggingConfig())

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: newMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer shutdownMetrics(srv, 5*time.Second, logger)
	}

	node, closeNode, err := connectNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeNode()

	if cfg.Accounts.Enabled {
		if err := runAccounts(ctx, cfg, node, stdout); err != nil {
			return err
		}
	}

	if opts.blocks {
		if err := runBlocks(ctx, cfg, node, stdout); err != nil {
			return err
		}
	}

	if cfg.Ethereum.Enabled {
		if err := runDeposits(ctx, cfg, logger, stdout); err != nil {
			return err
		}
	}
	return nil
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// shutdownMetrics stops srv, giving in-flight scrapes up to timeout to finish.
func shutdownMetrics(srv *http.Server, timeout time.Duration, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// connectNode builds the gated node client. With Redis configured, the error
// budget is namespaced by the chain ID, which a bootstrap client looks up first.
func connectNode(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*client.Client, func(), error) {
	limiter := ratelimit.NewLimiter(cfg.Node.RequestsPerSecond, cfg.Node.Burst)
	cc := cfg.ClientConfig()
	cc.Gate = ratelimit.NewGate(limiter, nil, logger)

	if cfg.Redis.Addr == "" {
		c, err := client.New(cc)
		if err != nil {
			return nil, nil, fmt.Errorf("create node client: %w", err)
		}
		return c, func() { c.Close() }, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis, shared error budget enabled")

	bootstrap, err := client.New(cc)
	if err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("create node client: %w", err)
	}
	var chainID string
	_, err = cfg.SetupRetry.Policy("chain_id").DoWithLogger(ctx, logger, func(ctx context.Context) error {
		st, err := bootstrap.ChainStatus(ctx)
		chainID = st.ChainID
		return err
	})
	bootstrap.Close()
	if err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("chain status: %w", err)
	}

	tracker := ratelimit.NewTracker(redisClient, cfg.TrackerConfig(chainID), logger)
	cc.Gate = ratelimit.NewGate(limiter, tracker, logger)
	c, err := client.New(cc)
	if err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("create node client: %w", err)
	}
	return c, func() {
		c.Close()
		redisClient.Close()
	}, nil
}

func runAccounts(ctx context.Context, cfg *config.Config, node *client.Client, stdout io.Writer) error {
	queries := make([]accounts.AccountQuery, 0, len(cfg.Accounts.Addresses))
	for _, addr := range cfg.Accounts.Addresses {
		queries = append(queries, accounts.AccountQuery{Address: addr})
	}
	if len(queries) == 0 {
		all, err := node.ListAccounts(ctx)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		queries = all
	}

	joiner := accounts.NewJoiner(node, cfg.JoinerConfig())
	infos, err := joiner.JoinAll(ctx, queries, cfg.Accounts.Denom)
	if err != nil {
		return fmt.Errorf("join accounts: %w", err)
	}
	for _, info := range infos {
		fmt.Fprintf(stdout, "User %s has balance %s%s\n", info.Account, info.Balance.Dec(), cfg.Accounts.Denom)
	}
	return nil
}

func runBlocks(ctx context.Context, cfg *config.Config, node *client.Client, stdout io.Writer) error {
	sc, err := cfg.ScanConfig()
	if err != nil {
		return err
	}

	// The hook runs under the aggregator lock, so lines never interleave.
	scanner := scan.New(node, cosmos.NewDecoder(), sc, func(f aggregate.Finding) {
		fmt.Fprintln(stdout, f.String())
	})
	report, err := scanner.Run(ctx)
	if err != nil {
		return fmt.Errorf("scan blocks: %w", err)
	}

	fmt.Fprintln(stdout, report.Summary())
	if l := report.Snapshot.Losses; l.Chunks > 0 || l.DecodeFailures > 0 {
		fmt.Fprintf(stdout, "Skipped %d chunks (%d blocks) and %d undecodable blocks\n",
			l.Chunks, l.Units, l.DecodeFailures)
	}
	return nil
}

func runDeposits(ctx context.Context, cfg *config.Config, logger zerolog.Logger, stdout io.Writer) error {
	ec, err := ethclient.DialContext(ctx, cfg.Ethereum.RPCURL)
	if err != nil {
		return fmt.Errorf("dial ethereum: %w", err)
	}
	defer ec.Close()

	scanner, err := ethdeposits.NewScanner(ec, cfg.DepositConfig(), func(d ethdeposits.Deposit) {
		fmt.Fprintln(stdout, d.String())
	})
	if err != nil {
		return err
	}

	report, err := scanner.Scan(ctx)
	if errors.Is(err, ethdeposits.ErrIncompleteScan) {
		logger.Warn().Err(err).Int("deposits", len(report.Deposits)).Msg("Deposit scan finished with gaps")
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan deposits: %w", err)
	}
	return nil
}
