package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/baraziliya/rank/backend/internal/auth"
	"github.com/baraziliya/rank/backend/internal/config"
	"github.com/baraziliya/rank/backend/internal/database"
	"github.com/baraziliya/rank/backend/internal/logging"
	"github.com/baraziliya/rank/backend/internal/rating"
	"github.com/baraziliya/rank/backend/internal/server"
	"github.com/baraziliya/rank/backend/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rank-api",
		Short: "BaraziliyaRank rating service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo players and simulated confirmed matches",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context())
		},
	}
	seedCmd.Flags().Int("players", 10, "Number of demo players")
	seedCmd.Flags().Int("matches", 50, "Number of simulated matches")
	seedCmd.Flags().Int64("random-seed", 0, "Deterministic seed (0 uses current time)")
	bindSeedFlag(seedCmd, "seed.players", "players")
	bindSeedFlag(seedCmd, "seed.matches", "matches")
	bindSeedFlag(seedCmd, "seed.random_seed", "random-seed")

	rootCmd.AddCommand(seedCmd)
	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("admin-username", defaults.GetString("admin.username"), "Bootstrap admin username")
	cmd.PersistentFlags().String("admin-password", "", "Bootstrap admin password (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "admin.username", "admin-username")
	bindFlag(cmd, "admin.password", "admin-password")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func bindSeedFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	accounts *users.Service
	ratings  *rating.Service
	events   *server.EventDispatcher
}

func newApplication() (*application, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}

	events := server.NewEventDispatcher()
	idProvider := rating.NewUUIDProvider()

	ratingService, err := rating.NewService(rating.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
		Events:     events,
	})
	if err != nil {
		return nil, nil, err
	}

	accountService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Players:    ratingService,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		sqlDB.Close() //nolint:errcheck
		logger.Sync() //nolint:errcheck
	}
	return &application{
		config:   appConfig,
		logger:   logger,
		db:       db,
		accounts: accountService,
		ratings:  ratingService,
		events:   events,
	}, cleanup, nil
}

func runServer(ctx context.Context) error {
	app, cleanup, err := newApplication()
	if err != nil {
		return err
	}
	defer cleanup()

	if app.config.AdminPassword != "" {
		if _, err := app.accounts.EnsureAdmin(ctx, app.config.AdminUsername, app.config.AdminPassword); err != nil {
			return err
		}
	} else {
		app.logger.Warn("admin bootstrap skipped: admin.password not set")
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(app.config.SigningSecret),
		Issuer:        "rank-auth",
		Audience:      "rank-api",
		TokenTTL:      app.config.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts:     app.accounts,
		Ratings:      app.ratings,
		TokenManager: tokenManager,
		Events:       app.events,
		Logger:       app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runSeed(ctx context.Context) error {
	app, cleanup, err := newApplication()
	if err != nil {
		return err
	}
	defer cleanup()

	if app.config.AdminPassword != "" {
		if _, err := app.accounts.EnsureAdmin(ctx, app.config.AdminUsername, app.config.AdminPassword); err != nil {
			return err
		}
	}

	playerCount := viper.GetInt("seed.players")
	matchCount := viper.GetInt("seed.matches")
	randomSeed := viper.GetInt64("seed.random_seed")
	if randomSeed == 0 {
		randomSeed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(randomSeed))

	playerIDs := make([]rating.PlayerID, 0, playerCount)
	for i := 1; i <= playerCount; i++ {
		username := fmt.Sprintf("player%d", i)
		account, err := app.accounts.Register(ctx, username, "123")
		if err != nil {
			if errors.Is(err, users.ErrUsernameTaken) {
				continue
			}
			return err
		}
		if _, err := app.accounts.Approve(ctx, account.AccountID); err != nil {
			return err
		}
		playerID, err := rating.NewPlayerID(account.AccountID)
		if err != nil {
			return err
		}
		playerIDs = append(playerIDs, playerID)
	}

	if len(playerIDs) < 4 {
		app.logger.Warn("seed skipped match simulation: not enough new players",
			zap.Int("players", len(playerIDs)))
		return nil
	}

	for i := 0; i < matchCount; i++ {
		picks := rng.Perm(len(playerIDs))[:4]
		teamA := [2]rating.PlayerID{playerIDs[picks[0]], playerIDs[picks[1]]}
		teamB := [2]rating.PlayerID{playerIDs[picks[2]], playerIDs[picks[3]]}
		winner := rating.TeamA
		if rng.Intn(2) == 1 {
			winner = rating.TeamB
		}

		match, err := app.ratings.SubmitMatch(ctx, teamA[0], teamA, teamB, winner)
		if err != nil {
			return err
		}
		matchID, err := rating.NewMatchID(match.MatchID)
		if err != nil {
			return err
		}
		for _, confirmer := range []rating.PlayerID{teamA[1], teamB[0], teamB[1]} {
			if _, err := app.ratings.ConfirmMatch(ctx, matchID, confirmer); err != nil {
				return err
			}
		}
	}

	app.logger.Info("seed complete",
		zap.Int("players", len(playerIDs)),
		zap.Int("matches", matchCount),
		zap.Int64("random_seed", randomSeed))
	return nil
}
