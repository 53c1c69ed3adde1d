package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/params"
	"github.com/uhyunpark/tokenbook/pkg/api"
	"github.com/uhyunpark/tokenbook/pkg/app/core/account"
	"github.com/uhyunpark/tokenbook/pkg/app/core/engine"
	"github.com/uhyunpark/tokenbook/pkg/app/core/transaction"
	"github.com/uhyunpark/tokenbook/pkg/crypto"
	"github.com/uhyunpark/tokenbook/pkg/metrics"
	"github.com/uhyunpark/tokenbook/pkg/p2p"
	"github.com/uhyunpark/tokenbook/pkg/sink"
	"github.com/uhyunpark/tokenbook/pkg/storage"
	"github.com/uhyunpark/tokenbook/pkg/util"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (default: ./.env)")
	flag.Parse()

	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv(*envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogLevel, cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("logger initialized", zap.String("log_file", cfg.Node.LogFile), zap.String("level", cfg.Node.LogLevel))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("node failed", zap.Error(err))
	}
}

func run(cfg params.Config, logger *zap.Logger) error {
	metrics.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	ledger, err := account.NewManagerWithPath(cfg.Storage.LedgerPath(), logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	journal, err := storage.OpenJournal(cfg.Storage.JournalPath(), logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	if err := journal.Verify(); err != nil {
		return err
	}

	// ---- Engine ----
	engCfg := engine.Config{
		Admin:   common.HexToAddress(cfg.Engine.Admin),
		Custody: common.HexToAddress(cfg.Engine.Custody),
		FeeBps:  cfg.Engine.FeeBps,
		Logger:  logger,
	}
	if cfg.Engine.FeeRecipient != "" {
		engCfg.FeeRecipient = common.HexToAddress(cfg.Engine.FeeRecipient)
	}
	if cfg.Engine.MinOrderSize != "" {
		if engCfg.MinOrderSize, err = util.ParseBaseUnits(cfg.Engine.MinOrderSize); err != nil {
			return err
		}
	}
	eng, err := engine.New(engCfg, ledger)
	if err != nil {
		return err
	}

	state, err := journal.LoadState()
	if err != nil {
		return err
	}
	settings := eng.Settings()
	if state.HasSettings {
		// Admin changes recorded in the journal win over static config.
		settings = state.Settings
	}
	if err := eng.Restore(state.Orders, settings, state.NextOrderID, state.LastSeq); err != nil {
		return err
	}
	logger.Info("engine restored",
		zap.Int("resting_orders", len(state.Orders)),
		zap.Uint64("last_seq", state.LastSeq),
		zap.Int("accounts", ledger.Count()))

	// The journal runs ahead of every other recorder. If it refuses a record
	// the engine halts and nothing further is broadcast.
	eng.AddDurableRecorder("journal", journal)

	hub := api.NewHub(eng, logger)
	eng.AddRecorder("ws", hub)
	go hub.Run(ctx)

	// ---- P2P (optional) ----
	if cfg.P2P.Enable {
		gossip, err := p2p.NewGossip(ctx, p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Bootstrap:  cfg.P2P.Bootstrap,
			Topic:      cfg.P2P.Topic,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer gossip.Close()
		eng.AddRecorder("gossip", gossip)
		go gossip.Run(ctx)
		logger.Info("gossip enabled", zap.Strings("addrs", gossip.Addrs()))
	}

	// ---- External sinks (optional) ----
	var sinks []*sink.Sink
	if len(cfg.Sinks.KafkaBrokers) > 0 {
		pub, err := sink.NewKafkaPublisher(sink.KafkaConfig{Brokers: cfg.Sinks.KafkaBrokers, Topic: cfg.Sinks.KafkaTopic})
		if err != nil {
			return err
		}
		sinks = append(sinks, sink.New("kafka", pub, sink.Options{}, logger))
	}
	if cfg.Sinks.RedisURL != "" {
		pub, err := sink.NewRedisPublisher(ctx, sink.RedisConfig{URL: cfg.Sinks.RedisURL, Prefix: cfg.Sinks.RedisPrefix})
		if err != nil {
			return err
		}
		sinks = append(sinks, sink.New("redis", pub, sink.Options{}, logger))
	}
	for _, s := range sinks {
		eng.AddRecorder(s.Name(), s)
		go s.Run(ctx)
		logger.Info("event sink enabled", zap.String("sink", s.Name()))
	}

	// ---- API Server ----
	verifier := transaction.NewVerifier(crypto.DomainWithChainID(cfg.Engine.ChainID), ledger, util.RealClock{})
	apiServer := api.NewServer(api.Config{
		Addr:         cfg.Node.APIAddr,
		CORSOrigins:  cfg.Node.CORSOrigins,
		EnableFaucet: cfg.Node.EnableFaucet,
	}, eng, ledger, verifier, journal, hub, logger)

	errc := make(chan error, 1)
	go func() { errc <- apiServer.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}
