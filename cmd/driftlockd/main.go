// Package main provides the driftlockd daemon - the swap coordination engine.
package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/driftlock/driftlock/internal/config"
	"github.com/driftlock/driftlock/internal/coordinator"
	"github.com/driftlock/driftlock/internal/ledger"
	"github.com/driftlock/driftlock/internal/notify"
	"github.com/driftlock/driftlock/internal/observer"
	"github.com/driftlock/driftlock/internal/rpc"
	"github.com/driftlock/driftlock/internal/secret"
	"github.com/driftlock/driftlock/internal/session"
	"github.com/driftlock/driftlock/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "", "Data directory, overrides config")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		listenAddr  = flag.String("listen", "", "JSON-RPC listen address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		simMode     = flag.Bool("sim", false, "Run against in-memory simulated ledgers")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("driftlockd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load config file; CLI flags take precedence
	cfgPath := *configFile
	if cfgPath == "" {
		cfgPath = filepath.Join(expandPath(config.DefaultFile().DataDir), "config.yaml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log = logging.New(&logging.Config{
		Level:      cfg.LogLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", cfgPath)

	dataPath := expandPath(cfg.DataDir)
	swapCfg := cfg.SwapParams()

	// Session store and secret vault. Sim mode keeps everything in memory so
	// a scratch daemon leaves nothing on disk.
	var (
		store session.Store
		vault secret.Vault
	)
	if *simMode {
		store = session.NewMemoryStore()
		vault = secret.NewMemoryVault()
		log.Info("Using in-memory session store (sim mode)")
	} else {
		sqlStore, serr := session.NewSQLiteStore(&session.SQLiteConfig{DataDir: dataPath})
		if serr != nil {
			log.Fatal("Failed to open session store", "error", serr)
		}
		store = sqlStore
		vault = sqlStore
		log.Info("Session store opened", "path", dataPath)
	}
	defer store.Close()

	// Sealing key for the secret vault
	key, err := secret.LoadOrCreateKey(filepath.Join(dataPath, "secret.key"))
	if err != nil {
		log.Fatal("Failed to load sealing key", "error", err)
	}
	secrets, err := secret.NewManager(key, vault)
	if err != nil {
		log.Fatal("Failed to initialize secret manager", "error", err)
	}
	secrets.SetSessions(store)

	// Ledger clients
	ledgers := make(map[string]ledger.Client)
	if *simMode {
		for _, id := range []string{"SIM", "SIM2"} {
			sim := ledger.NewSim(id)
			ledgers[id] = sim
			go produceBlocks(sim)
		}
		log.Info("Simulated ledgers started", "chains", []string{"SIM", "SIM2"})
	} else {
		if len(cfg.Ledgers) == 0 {
			log.Fatal("No ledgers configured; add a ledgers section to the config or run with -sim")
		}
		for id, lc := range cfg.Ledgers {
			client, lerr := ledger.NewEVM(&ledger.EVMConfig{
				ChainID:        id,
				RPC:            lc.RPC,
				EscrowContract: lc.EscrowContract,
				SignerKey:      lc.SignerKey,
			})
			if lerr != nil {
				log.Fatal("Failed to connect ledger", "chain", id, "error", lerr)
			}
			ledgers[id] = client
			log.Info("Ledger connected", "chain", id, "rpc", lc.RPC)
		}
	}

	// Notification bus and coordinator
	bus := notify.NewBus()
	coord := coordinator.New(&coordinator.Config{
		Swap:    swapCfg,
		Store:   store,
		Secrets: secrets,
		Ledgers: ledgers,
		Bus:     bus,
	})

	// Observers feed confirmed escrow events into the coordinator. They
	// start at block zero, so events missed while down are replayed.
	observers := make(map[string]observer.Observer, len(ledgers))
	for id, client := range ledgers {
		chain, _ := config.GetChain(id)
		interval := chain.BlockTime
		if lc, ok := cfg.Ledgers[id]; ok && lc.PollInterval > 0 {
			interval = lc.PollInterval
		}
		poller := observer.NewPoller(&observer.PollerConfig{
			Client:   client,
			Depth:    chain.ConfirmationDepth,
			Interval: interval,
			Handler:  coord.OnLedgerEvent,
		})
		observers[id] = poller
	}

	// Reattach workers to sessions that were mid-swap at last shutdown,
	// then start observing.
	if err := coord.Recover(); err != nil {
		log.Warn("Session recovery incomplete", "error", err)
	}
	for _, obs := range observers {
		obs.Start()
	}

	// RPC server
	rpcServer := rpc.NewServer(&rpc.ServerConfig{
		Coordinator: coord,
		Store:       store,
		Secrets:     secrets,
		Observers:   observers,
		Bus:         bus,
	})
	if err := rpcServer.Start(cfg.Listen); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg, ledgers, *simMode)

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}
	for _, obs := range observers {
		obs.Stop()
	}
	coord.Stop()

	log.Info("Goodbye!")
}

// produceBlocks advances a simulated ledger at its configured block time.
func produceBlocks(sim *ledger.Sim) {
	chain, _ := config.GetChain(sim.ChainID())
	ticker := time.NewTicker(chain.BlockTime)
	defer ticker.Stop()
	for range ticker.C {
		sim.AdvanceBlocks(1)
	}
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.File, ledgers map[string]ledger.Client, sim bool) {
	mode := "live"
	if sim {
		mode = "SIMULATED"
	}

	chains := make([]string, 0, len(ledgers))
	for id := range ledgers {
		chains = append(chains, id)
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Driftlock Swap Engine (%s)", mode)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", cfg.Listen)
	log.Infof("  WS:  ws://%s/ws", cfg.Listen)
	log.Info("")
	log.Infof("  Ledgers: %v", chains)
	log.Infof("  Data dir: %s", expandPath(cfg.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
