package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mbarbosa30/selfclaw-pay/internal/challenge"
	"github.com/mbarbosa30/selfclaw-pay/internal/chain"
	"github.com/mbarbosa30/selfclaw-pay/internal/claim"
	"github.com/mbarbosa30/selfclaw-pay/internal/config"
	"github.com/mbarbosa30/selfclaw-pay/internal/custody"
	"github.com/mbarbosa30/selfclaw-pay/internal/escrow"
	"github.com/mbarbosa30/selfclaw-pay/internal/ledger"
	"github.com/mbarbosa30/selfclaw-pay/internal/paywall"
	"github.com/mbarbosa30/selfclaw-pay/internal/server"
	"github.com/mbarbosa30/selfclaw-pay/internal/store"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Replay guard (Redis when configured, in-process otherwise) ────────────
	var guard challenge.ReplayGuard
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
		guard = challenge.NewRedisGuard(rdb)
		log.Info("replay guard: redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		guard = challenge.NewMemoryGuard()
		log.Info("replay guard: in-process")
	}

	// ── Durable store (escrow requirements, settlements, claims) ──────────────
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}
	defer db.Close()

	// ── Custody wallet + chain client ─────────────────────────────────────────
	wallet, err := custody.Load(cfg.Chain.CustodyPrivateKey)
	if err != nil {
		log.Fatal("custody key load failed", zap.Error(err))
	}
	onchain, err := chain.NewClient(cfg.Chain.RPCURL, wallet, cfg.Chain.ChainID)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}

	// ── Core components ───────────────────────────────────────────────────────
	registry := challenge.NewRegistry(guard, log)
	payLedger := ledger.New(cfg.Payments.FeeBps)
	engine := escrow.NewEngine(db, onchain, onchain, wallet.Address().Hex(), log)

	claimStore := claim.NewSQLiteStore(db)
	allocators := map[string]*claim.Allocator{
		server.BenefitGasSubsidy:  claim.NewAllocator(claimStore, server.BenefitGasSubsidy, cfg.Claims.GasSubsidyAmount, log),
		server.BenefitSponsorship: claim.NewAllocator(claimStore, server.BenefitSponsorship, cfg.Claims.SponsorshipAmount, log),
		server.BenefitWalletReg:   claim.NewAllocator(claimStore, server.BenefitWalletReg, "0", log),
	}

	// ── Background lifecycle ──────────────────────────────────────────────────
	go registry.Run(ctx)
	go claim.RunRecovery(ctx, claimStore, time.Minute, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	handler := server.NewHandler(payLedger, engine, onchain, allocators, cfg.Chain.TokenAddress, log)
	api := r.Group("/api")
	handler.Register(api)

	// Direct scheme: flat-priced platform service.
	api.POST("/service/invoke",
		paywall.Direct(registry, payLedger, paywall.Route{
			OwnerID:   cfg.Payments.ProviderID,
			Price:     cfg.Payments.ServicePrice,
			Recipient: cfg.Payments.ProviderAddress,
			Token:     cfg.Chain.TokenSymbol,
			Network:   cfg.Chain.Network,
		}, log),
		handler.HandleServiceInvoke,
	)

	// Escrow scheme: marketplace skill with custody-held funds.
	api.POST("/skills/"+cfg.Market.SkillID+"/invoke",
		paywall.Escrow(engine, paywall.EscrowRoute{
			Seller:      cfg.Market.SellerAddress,
			Amount:      cfg.Market.SkillPrice,
			Description: "Invoke skill " + cfg.Market.SkillID,
			SkillID:     cfg.Market.SkillID,
			Token:       cfg.Chain.TokenAddress,
			TokenSymbol: cfg.Chain.TokenSymbol,
			TTLSeconds:  cfg.Market.EscrowTTLSec,
		}, log),
		handler.HandleSkillInvoke,
	)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
