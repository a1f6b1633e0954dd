package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/covenantmatch/covenant/backend/internal/auth"
	"github.com/covenantmatch/covenant/backend/internal/chat"
	"github.com/covenantmatch/covenant/backend/internal/config"
	"github.com/covenantmatch/covenant/backend/internal/database"
	"github.com/covenantmatch/covenant/backend/internal/logging"
	"github.com/covenantmatch/covenant/backend/internal/moderation"
	"github.com/covenantmatch/covenant/backend/internal/presence"
	"github.com/covenantmatch/covenant/backend/internal/server"
	"github.com/covenantmatch/covenant/backend/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "covenant-api",
		Short: "CovenantMatch backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("session-cookie-name", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the presence mirror (empty disables)")
	cmd.PersistentFlags().Bool("moderation-enabled", defaults.GetBool("moderation.enabled"), "Enable the image moderation classifier")
	cmd.PersistentFlags().String("gemini-model", defaults.GetString("moderation.gemini_model"), "Gemini model used for image moderation")
	cmd.PersistentFlags().Duration("typing-idle-timeout", defaults.GetDuration("typing.idle_timeout"), "Idle window before a typing indicator auto-stops")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.cookie_name", "session-cookie-name")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "moderation.enabled", "moderation-enabled")
	bindFlag(cmd, "moderation.gemini_model", "gemini-model")
	bindFlag(cmd, "typing.idle_timeout", "typing-idle-timeout")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	var mirror *redis.Client
	if appConfig.RedisAddress != "" {
		mirror = redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
		})
		defer mirror.Close()
	}

	var classifier moderation.ImageClassifier = moderation.NullClassifier{}
	if appConfig.ModerationEnabled {
		geminiClassifier, err := moderation.NewGeminiClassifier(ctx, moderation.GeminiClassifierConfig{
			APIKey: appConfig.GeminiAPIKey,
			Model:  appConfig.GeminiModel,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer geminiClassifier.Close()
		classifier = geminiClassifier
	}

	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: chat.NewUUIDProvider(),
		Filter:     moderation.NewFilter(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	registry := presence.NewRegistry(presence.RegistryConfig{
		Mirror: mirror,
		Logger: logger,
	})

	hub := server.NewHub(server.HubConfig{
		TypingIdleTimeout: appConfig.TypingIdleTimeout,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		ChatService:      chatService,
		UsersService:     usersService,
		Presence:         registry,
		Hub:              hub,
		Classifier:       classifier,
		Database:         db,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
