// Command simulate runs one login and mint end to end with the local
// development identity, printing the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/based-aa/aa-minter/internal/app"
	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/internal/logging"
	"github.com/based-aa/aa-minter/pkg/config"
)

func main() {
	configFile := flag.String("config", "", "optional config file")
	method := flag.String("method", string(domain.LoginGoogle), "login method to simulate")
	seed := flag.String("seed", "", "development seed (defaults to IDENTITY_DEV_SEED or \"simulate\")")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile, *method, *seed); err != nil {
		fmt.Fprintln(os.Stderr, "simulate:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile, methodName, seed string) error {
	m, err := domain.ParseLoginMethod(methodName)
	if err != nil {
		return err
	}

	// 1. Load config and force the local identity
	cfg, cfgErr := config.Load(configFile)
	if cfg == nil {
		return cfgErr
	}
	cfg.IdentityMode = config.IdentityLocal
	if seed != "" {
		cfg.IdentityDevSeed = seed
	}
	if cfg.IdentityDevSeed == "" {
		cfg.IdentityDevSeed = "simulate"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, os.Stderr, true)
	if err != nil {
		return err
	}

	// 2. Connect
	minter, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer minter.Close()

	// 3. Log in and mint
	ctrl, sess, err := minter.Login(ctx, m)
	if err != nil {
		return err
	}
	log.Info().Str("account", sess.Account.Address.Hex()).Msg("simulating mint")

	result, err := ctrl.Mint(ctx)
	if err != nil {
		return errors.New(domain.UserMessage(err))
	}

	// 4. Print output
	output, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(output))
	return nil
}
