// Package cmd wires the exchange daemon together.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openalpha/simperp/api"
	"github.com/openalpha/simperp/api/websocket"
	"github.com/openalpha/simperp/candle"
	clobkeeper "github.com/openalpha/simperp/clob/keeper"
	"github.com/openalpha/simperp/config"
	"github.com/openalpha/simperp/metrics"
	"github.com/openalpha/simperp/oracle"
	perpkeeper "github.com/openalpha/simperp/perp/keeper"
	perptypes "github.com/openalpha/simperp/perp/types"
	"github.com/openalpha/simperp/store"
)

// seedPrices anchor the synthetic candle history when a market has no
// persisted trades yet. Overwritten by the first oracle tick.
var seedPrices = map[string]string{
	"BTC-PERP":  "65000",
	"ETH-PERP":  "3200",
	"AAPL-PERP": "230",
}

// NewRootCmd creates the root command for simperpd.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "simperpd",
		Short: "SimPerp - simulated perpetual futures exchange",
		Long: `SimPerp runs a self-contained perpetual futures exchange: order book
matching, isolated-margin positions, liquidations, candles and a faucet,
served over HTTP and WebSocket.`,
	}
	rootCmd.AddCommand(startCmd(), versionCmd())
	return rootCmd
}

func startCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the exchange daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the application version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("SimPerp v0.1.0")
		},
	}
}

func newLogger(level string) log.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return log.NewLogger(os.Stderr, log.LevelOption(lvl))
}

func run(parent context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log.Level)

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	hub := websocket.NewHub(logger, nil, auth)
	go hub.Run()

	faucetCfg := perpkeeper.DefaultFaucetConfig()
	if amount, err := math.LegacyNewDecFromStr(cfg.Faucet.Amount); err == nil && amount.IsPositive() {
		faucetCfg.Amount = amount
	}
	faucetCfg.Cooldown = cfg.Faucet.Cooldown

	perp := perpkeeper.New(logger, st, hub, faucetCfg)
	clob := clobkeeper.New(logger, st, hub, perp)
	candles := candle.NewAggregator(logger, st, hub)
	hub.SetSnapshotProvider(clob)
	clob.SetTradeSink(candles)

	if err := restore(logger, st, perp, clob, candles, faucetCfg.Cooldown); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go candles.Run(ctx)

	if cfg.Oracle.BaseURL != "" {
		poller := oracle.NewPoller(logger, oracle.Config{
			BaseURL:  cfg.Oracle.BaseURL,
			APIKey:   cfg.Oracle.APIKey,
			Interval: cfg.Oracle.Interval,
			Symbols:  cfg.Oracle.Symbols,
		}, perp, hub)
		go poller.Run(ctx)
	} else {
		logger.Warn("oracle.base_url not set, marks frozen at seed prices")
	}

	go watchHub(ctx, hub)

	server := api.NewServer(logger, cfg.Server, auth, perp, clob, candles, hub, st)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// restore replays persisted state into the keepers, then registers the
// default markets and seeds candle history for any market without one.
func restore(
	logger log.Logger,
	st *store.Store,
	perp *perpkeeper.Keeper,
	clob *clobkeeper.Keeper,
	candles *candle.Aggregator,
	faucetCooldown time.Duration,
) error {
	users, err := st.LoadUsers()
	if err != nil {
		return err
	}
	for _, u := range users {
		perp.RestoreUser(u)
	}

	balances, err := st.LoadBalances()
	if err != nil {
		return err
	}
	for _, b := range balances {
		perp.RestoreBalance(b)
	}

	for _, mc := range perptypes.DefaultMarketConfigs() {
		if _, err := perp.AddMarket(mc); err != nil {
			return err
		}
		clob.AddMarket(mc.Symbol)
		candles.AddMarket(mc.Symbol)
	}

	positions, err := st.LoadOpenPositions()
	if err != nil {
		return err
	}
	for _, p := range positions {
		perp.RestorePosition(p)
	}

	claims, err := st.LoadFaucetClaims(time.Now().Add(-faucetCooldown))
	if err != nil {
		return err
	}
	for address, stamps := range claims {
		for _, ts := range stamps {
			perp.RestoreFaucetClaim(address, ts)
		}
	}

	orders, err := st.LoadOpenOrders()
	if err != nil {
		return err
	}
	for _, o := range orders {
		clob.Restore(o)
	}

	now := time.Now()
	for _, m := range perp.ListMarkets() {
		for _, iv := range candle.Intervals {
			loaded, err := st.LoadCandles(m.Symbol, iv, 0)
			if err != nil {
				return err
			}
			for _, c := range loaded {
				candles.Restore(c)
			}
		}
		if base, ok := seedPrices[m.Symbol]; ok {
			price := math.LegacyMustNewDecFromStr(base)
			candles.SeedIfSparse(m.Symbol, price, now)
			if err := perp.SetOraclePrice(m.Symbol, price, now); err != nil {
				return err
			}
		}
	}

	logger.Info("state restored",
		"users", len(users), "balances", len(balances),
		"positions", len(positions), "open_orders", len(orders))
	return nil
}

// watchHub mirrors hub gauges into Prometheus.
func watchHub(ctx context.Context, hub *websocket.Hub) {
	c := metrics.GetCollector()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.WSConnections.Set(float64(hub.ClientCount()))
			c.WSTopics.Set(float64(hub.TopicCount()))
		}
	}
}
