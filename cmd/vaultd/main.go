package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/luxfi/vault/pkg/api"
	"github.com/luxfi/vault/pkg/events"
	"github.com/luxfi/vault/pkg/feed"
	"github.com/luxfi/vault/pkg/metrics"
	"github.com/luxfi/vault/pkg/store"
	"github.com/luxfi/vault/pkg/vault"
)

const (
	defaultDataDir     = ".vaultd"
	defaultRPCPort     = 8080
	defaultMetricsPort = 9090
	defaultTokens      = "BTC:8:8,ETH:8:18,USDC:8:6:stable"
)

type Config struct {
	// Paths
	DataDir  string
	LogLevel string

	// Network
	RPCPort     int
	MetricsPort int
	NATSURL     string
	FeedURL     string

	// Ledger
	Gov              string
	Tokens           string
	SampleSpace      int
	SnapshotInterval time.Duration

	// Funding
	FundingInterval   time.Duration
	FundingRateFactor int64
	StableRateFactor  int64

	// Features
	EnableMetrics bool
	EnableNATS    bool
}

// tokenSpec is one entry of the -tokens flag, SYMBOL:priceDecimals:tokenDecimals[:stable].
type tokenSpec struct {
	Symbol string
	Config vault.TokenConfig
}

func parseTokens(raw string) ([]tokenSpec, error) {
	var specs []tokenSpec
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("malformed token entry %q", entry)
		}
		priceDecimals, err := strconv.ParseUint(parts[1], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("token %s: bad price decimals: %w", parts[0], err)
		}
		tokenDecimals, err := strconv.ParseUint(parts[2], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("token %s: bad token decimals: %w", parts[0], err)
		}
		cfg := vault.TokenConfig{
			Whitelisted:   true,
			PriceDecimals: uint(priceDecimals),
			TokenDecimals: uint(tokenDecimals),
			RedemptionBps: vault.BasisPointsDivisor,
		}
		if len(parts) == 4 {
			if parts[3] != "stable" {
				return nil, fmt.Errorf("token %s: unknown modifier %q", parts[0], parts[3])
			}
			cfg.Stable = true
		}
		specs = append(specs, tokenSpec{Symbol: parts[0], Config: cfg})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no tokens configured")
	}
	return specs, nil
}

type VaultNode struct {
	config *Config
	logger log.Logger

	vault     *vault.Vault
	oracle    *vault.FeedOracle
	custodian *vault.MemoryCustodian
	store     *store.Store
	source    *feed.Source
	metrics   *metrics.VaultMetrics
	publisher *events.Publisher

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewVaultNode(config *Config) (*VaultNode, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing vault node")

	specs, err := parseTokens(config.Tokens)
	if err != nil {
		return nil, err
	}

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// BadgerDB with an in-memory fallback when the data directory is unusable.
	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "vaultd"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	oracle := vault.NewFeedOracle(config.SampleSpace)
	custodian := vault.NewMemoryCustodian()
	source := feed.NewSource(config.FeedURL)

	v := vault.New(vault.Config{
		Gov:                     config.Gov,
		Oracle:                  oracle,
		Custodian:               custodian,
		Logger:                  logger.New("module", "vault"),
		FundingInterval:         config.FundingInterval,
		FundingRateFactor:       config.FundingRateFactor,
		StableFundingRateFactor: config.StableRateFactor,
	})

	for _, spec := range specs {
		if err := v.SetTokenConfig(config.Gov, spec.Symbol, spec.Config); err != nil {
			return nil, fmt.Errorf("configure token %s: %w", spec.Symbol, err)
		}
		priceFeed := source.Track(spec.Symbol, int32(spec.Config.PriceDecimals))
		oracle.SetFeed(spec.Symbol, priceFeed, spec.Config.PriceDecimals)
		logger.Info("Token configured",
			"symbol", spec.Symbol,
			"priceDecimals", spec.Config.PriceDecimals,
			"tokenDecimals", spec.Config.TokenDecimals,
			"stable", spec.Config.Stable)
	}

	node := &VaultNode{
		config:    config,
		logger:    logger,
		vault:     v,
		oracle:    oracle,
		custodian: custodian,
		store:     store.New(db),
		source:    source,
	}
	node.ctx, node.cancel = context.WithCancel(context.Background())

	if config.EnableMetrics {
		node.metrics = metrics.New("vault")
		v.AddSink(node.metrics)
	}

	if config.EnableNATS {
		publisher, err := events.Connect(config.NATSURL)
		if err != nil {
			logger.Warn("NATS unavailable, events will not be published", "error", err)
		} else {
			node.publisher = publisher
			v.AddSink(publisher)
			logger.Info("NATS event publisher connected", "url", config.NATSURL)
		}
	}

	return node, nil
}

func (n *VaultNode) Start() error {
	n.logger.Info("Starting vault node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"rpcPort", n.config.RPCPort,
		"feedURL", n.config.FeedURL,
		"fundingInterval", n.config.FundingInterval)

	if err := n.loadState(); err != nil {
		n.logger.Warn("Failed to load state", "error", err)
	}

	// Price feed consumer
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.source.Run(n.ctx)
	}()

	// Periodic ledger snapshots
	n.wg.Add(1)
	go n.runSnapshots()

	if n.metrics != nil {
		n.metrics.StartServer(strconv.Itoa(n.config.MetricsPort))
	}

	// JSON-RPC server
	n.wg.Add(1)
	go n.runJSONRPCServer()

	n.logger.Info("Vault node started successfully")
	return nil
}

func (n *VaultNode) loadState() error {
	state, ok, err := n.store.Load()
	if err != nil {
		return err
	}
	if !ok {
		n.logger.Info("No previous state found, starting fresh")
		return nil
	}
	if err := n.vault.RestoreState(state); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	height, _ := n.store.Height()
	n.logger.Info("Loaded state",
		"snapshotHeight", height,
		"tokens", len(state.Tokens),
		"positions", len(state.Positions))
	return nil
}

func (n *VaultNode) runSnapshots() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.store.Save(n.vault.ExportState()); err != nil {
				n.logger.Error("Failed to save snapshot", "error", err)
			}
		}
	}
}

func (n *VaultNode) runJSONRPCServer() {
	defer n.wg.Done()

	server := api.NewJSONRPCServer(n.vault, n.oracle, n.logger.New("module", "api"))

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		height, _ := n.store.Height()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "healthy",
			"snapshotHeight": height,
			"usdgSupply":     n.vault.USDG().TotalSupply().String(),
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.RPCPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("JSON-RPC server started", "port", n.config.RPCPort, "endpoint", "/rpc")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("JSON-RPC server error", "error", err)
	}
}

func (n *VaultNode) Shutdown() {
	n.logger.Info("Shutting down vault node...")

	n.cancel()
	n.wg.Wait()

	// Final snapshot so a restart resumes from the latest ledger.
	if err := n.store.Save(n.vault.ExportState()); err != nil {
		n.logger.Error("Failed to save final snapshot", "error", err)
	}

	if n.publisher != nil {
		n.publisher.Close()
	}
	if err := n.store.Close(); err != nil {
		n.logger.Error("Failed to close database", "error", err)
	}

	n.logger.Info("Vault node shutdown complete")
}

func main() {
	config := &Config{}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.RPCPort, "rpc-port", defaultRPCPort, "JSON-RPC port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSURL, "nats-url", "nats://localhost:4222", "NATS server URL for event publishing")
	flag.StringVar(&config.FeedURL, "feed-url", "ws://localhost:8081/ws", "Price feed WebSocket URL")

	flag.StringVar(&config.Gov, "gov", "gov", "Governance account")
	flag.StringVar(&config.Tokens, "tokens", defaultTokens, "Token whitelist, SYMBOL:priceDecimals:tokenDecimals[:stable]")
	flag.IntVar(&config.SampleSpace, "sample-space", 3, "Oracle price sample window")
	flag.DurationVar(&config.SnapshotInterval, "snapshot-interval", 30*time.Second, "Ledger snapshot interval")

	flag.DurationVar(&config.FundingInterval, "funding-interval", 8*time.Hour, "Funding accrual interval")
	flag.Int64Var(&config.FundingRateFactor, "funding-rate-factor", 600, "Funding rate factor for volatile tokens")
	flag.Int64Var(&config.StableRateFactor, "stable-funding-rate-factor", 600, "Funding rate factor for stable tokens")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")
	flag.BoolVar(&config.EnableNATS, "enable-nats", false, "Publish ledger events to NATS")

	flag.Parse()

	rootLogger := log.Root()
	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	node, err := NewVaultNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
