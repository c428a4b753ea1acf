// Command tierblocksd runs the block lifecycle orchestrator as a small HTTP
// service: ranking queries and member lookups on /v1, prometheus on /metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	tierblocks "github.com/tierblocks/tierblocks-chain-system"
	"github.com/tierblocks/tierblocks-chain-system/approve"
	"github.com/tierblocks/tierblocks-chain-system/chain"
	"github.com/tierblocks/tierblocks-chain-system/graph"
	"github.com/tierblocks/tierblocks-chain-system/logger"
	"github.com/tierblocks/tierblocks-chain-system/scan"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func loadConfig() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("tierblocksd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tierblocksd")
	v.SetEnvPrefix("TIERBLOCKS")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("cache_ttl", "60s")
	v.SetDefault("cooldown_window", "5m")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Env-only operation is fine.
	}

	for _, key := range []string{"rpc_url", "graph_url", "private_key", "registry", "payout", "token"} {
		if v.GetString(key) == "" {
			return nil, fmt.Errorf("missing required config key %q", key)
		}
	}
	return v, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.New(os.Stderr, logger.ParseLevel(cfg.GetString("log_level")), cfg.GetBool("log_json"))

	eth, err := ethclient.Dial(cfg.GetString("rpc_url"))
	if err != nil {
		return fmt.Errorf("failed to dial ledger node: %w", err)
	}
	defer eth.Close()

	key, err := crypto.HexToECDSA(cfg.GetString("private_key"))
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}

	chainClient, err := chain.NewClient(eth, key, log)
	if err != nil {
		return err
	}

	registry := common.HexToAddress(cfg.GetString("registry"))
	payout := common.HexToAddress(cfg.GetString("payout"))
	token := common.HexToAddress(cfg.GetString("token"))

	system, err := tierblocks.NewSystem(&tierblocks.Config{
		SystemName:     "tierblocksd",
		PrometheusReg:  prometheus.DefaultRegisterer,
		Logger:         log,
		Chain:          chainClient,
		Graph:          graph.NewClient(cfg.GetString("graph_url"), log),
		Scanner:        scan.NewScanner(eth, registry, payout, log),
		Approvals:      approve.NewManager(chainClient, token, log),
		Registry:       registry,
		Payout:         payout,
		Token:          token,
		FeeBeneficiary: common.HexToAddress(cfg.GetString("fee_beneficiary")),
		CacheTTL:       cfg.GetDuration("cache_ttl"),
		CooldownWindow: cfg.GetDuration("cooldown_window"),
	})
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get("/v1/blocks", handleBlocks(system, log))
	router.Get("/v1/members/{address}", handleMember(system, log))
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.GetString("listen_addr"),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func handleBlocks(system *tierblocks.System, log tierblocks.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, err := strconv.ParseUint(r.URL.Query().Get("level"), 10, 8)
		if err != nil || level == 0 {
			http.Error(w, "level must be a positive integer", http.StatusBadRequest)
			return
		}
		status, ok := tierblocks.ParseQueryStatus(r.URL.Query().Get("status"))
		if !ok {
			http.Error(w, "status must be one of active, completed, claimed", http.StatusBadRequest)
			return
		}

		records, err := system.FetchBlocks(r.Context(), uint8(level), status)
		if err != nil {
			log.Error("block query failed", "level", level, "status", string(status), "err", err)
			http.Error(w, "query failed", http.StatusBadGateway)
			return
		}
		writeJSON(w, records)
	}
}

func handleMember(system *tierblocks.System, log tierblocks.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "address")
		if !common.IsHexAddress(raw) {
			http.Error(w, "invalid address", http.StatusBadRequest)
			return
		}

		member, err := system.MemberState(r.Context(), common.HexToAddress(raw))
		if err != nil {
			log.Error("member lookup failed", "address", raw, "err", err)
			http.Error(w, "lookup failed", http.StatusBadGateway)
			return
		}
		writeJSON(w, member)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The header already went out; nothing left to tell the client.
		return
	}
}
