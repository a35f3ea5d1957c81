package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"harvestpay/internal/config"
	"harvestpay/internal/idempotency"
	"harvestpay/internal/ledger"
	"harvestpay/internal/logging"
	"harvestpay/internal/reward"
	"harvestpay/internal/server"
	"harvestpay/internal/settlement"
	"harvestpay/internal/storage/postgres"
)

// capabilityHolder labels the one component granted the minting capability.
const capabilityHolder = "escrow-ledger"

func main() {
	logger, err := logging.New(os.Getenv("HP_ENV"))
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	ctx := context.Background()

	var (
		ledgerStore ledger.Store
		rewardStore reward.Store
		idemStore   idempotency.Store
	)
	if cfg.Service.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres pool error", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("postgres ping error", zap.Error(err))
		}

		ls, err := postgres.NewLedgerStore(ctx, pool)
		if err != nil {
			logger.Fatal("ledger store error", zap.Error(err))
		}
		rs, err := postgres.NewRewardStore(ctx, pool)
		if err != nil {
			logger.Fatal("reward store error", zap.Error(err))
		}
		is, err := idempotency.NewPostgresStoreWithPool(ctx, pool)
		if err != nil {
			logger.Fatal("idempotency store error", zap.Error(err))
		}
		ledgerStore, rewardStore, idemStore = ls, rs, is
	} else {
		ledgerStore = ledger.NewMemoryStore()
		rewardStore = reward.NewMemoryStore()
		idemStore = idempotency.NewMemoryStore()
	}

	var settle settlement.Client = settlement.FakeClient{}
	if cfg.Chain.PrivateKey != "" {
		ethClient, err := settlement.NewEthClient(ctx, settlement.EthClientConfig{
			RPCURL:             cfg.Chain.RPCURL,
			PrivateKeyHex:      cfg.Chain.PrivateKey,
			ContractSettlement: cfg.Chain.SettlementContract,
		})
		if err != nil {
			logger.Fatal("settlement client error", zap.Error(err))
		}
		settle = ethClient
	} else {
		logger.Warn("no chain key configured, using fake settlement client")
	}

	issuer := reward.NewIssuer(rewardStore, logger)
	capability, err := issuer.GrantCapability(capabilityHolder)
	if err != nil {
		logger.Fatal("capability grant error", zap.Error(err))
	}

	led := ledger.New(ledgerStore, settle, issuer, capability, ledger.Config{
		RewardRateBps: cfg.Policy.RewardRateBps,
	}, logger)

	apiServer := server.NewServer(cfg, led, issuer, settle, idemStore, logger)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Info("server stopped", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}
