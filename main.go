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

	"github.com/based-aa/aa-minter/internal/adapters/web"
	"github.com/based-aa/aa-minter/internal/app"
	"github.com/based-aa/aa-minter/internal/logging"
	"github.com/based-aa/aa-minter/pkg/config"
	"github.com/based-aa/aa-minter/pkg/version"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "aamint",
	Short:         "Gasless NFT minting through an ERC-4337 smart account",
	Version:       version.GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the minting page",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (yaml, json, toml or env)")
	rootCmd.AddCommand(serveCmd, addressCmd, mintCmd, opsCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig returns the configuration and a logger for it. A validation
// error comes back together with the partial config.
func loadConfig(console bool) (*config.Config, zerolog.Logger, error) {
	cfg, cfgErr := config.Load(configFile)
	if cfg == nil {
		return nil, zerolog.Nop(), cfgErr
	}
	log, err := logging.New(cfg.LogLevel, os.Stderr, console)
	if err != nil {
		log, _ = logging.New("info", os.Stderr, console)
		log.Warn().Err(err).Str("level", cfg.LogLevel).Msg("unknown log level, using info")
	}
	return cfg, log, cfgErr
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, cfgErr := loadConfig(false)
	if cfg == nil {
		return cfgErr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var minter *app.App
	if cfgErr != nil {
		log.Error().Err(cfgErr).Msg("invalid configuration, serving in error state")
		minter = app.Degraded(cfg, cfgErr, log)
	} else if a, err := app.New(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("failed to initialise, serving in error state")
		minter = app.Degraded(cfg, err, log)
	} else {
		minter = a
	}
	defer minter.Close()

	server, err := web.NewServer(ctx, minter.NewController, log, web.WithSessionTTL(cfg.SessionTTL))
	if err != nil {
		return err
	}
	httpServer := server.HTTPServer(cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.ListenAddr).
			Str("version", version.GetVersion()).
			Bool("degraded", minter.StartupErr() != nil).
			Msg("serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
