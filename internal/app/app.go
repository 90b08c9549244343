// Package app wires configuration, adapters and services into a runnable
// minter.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/based-aa/aa-minter/internal/adapters/bundler"
	"github.com/based-aa/aa-minter/internal/adapters/cache"
	"github.com/based-aa/aa-minter/internal/adapters/chain"
	"github.com/based-aa/aa-minter/internal/adapters/identity"
	"github.com/based-aa/aa-minter/internal/adapters/paymaster"
	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/internal/core/service"
	"github.com/based-aa/aa-minter/pkg/config"
	"github.com/based-aa/aa-minter/pkg/journal"
	"github.com/rs/zerolog"
)

// App owns the long-lived clients and builds controllers on demand.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	// startupErr puts every controller in the error state.
	startupErr error

	chain     *chain.EthereumAdapter
	bundler   *bundler.Client
	paymaster *paymaster.Client
	cache     domain.AddressCache
	journal   *journal.Client

	auth *service.Authenticator
	prov *service.Provisioner
	ops  *service.Operations

	closers []func()
}

// StateDir resolves the directory for the journal and the file cache.
func StateDir(cfg *config.Config) string {
	if cfg != nil && cfg.StateDir != "" {
		return cfg.StateDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".aa-minter")
}

// New connects every adapter described by cfg. cfg must be valid.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Degraded returns an App whose controllers all report err. The server
// still starts so the page can show what is wrong.
func Degraded(cfg *config.Config, err error, log zerolog.Logger) *App {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &App{cfg: cfg, log: log, startupErr: err}
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg

	chainAdapter, err := chain.NewEthereumAdapter(ctx, cfg.RPCEndpoint, cfg.ChainID, nil)
	if err != nil {
		return domain.Wrap(domain.ErrConfig, "chain", err)
	}
	a.chain = chainAdapter
	a.closers = append(a.closers, chainAdapter.Close)

	if err := chainAdapter.VerifyChainID(ctx); err != nil {
		return domain.Wrap(domain.ErrConfig, "chain", err)
	}

	a.bundler, err = bundler.NewClient(ctx, cfg.BundlerURL,
		bundler.WithReceiptTimeout(cfg.ReceiptTimeout),
		bundler.WithPollInterval(cfg.ReceiptPollInterval),
		bundler.WithHeadFunc(chainAdapter.BlockNumber),
		bundler.WithLogger(a.log),
	)
	if err != nil {
		return domain.Wrap(domain.ErrConfig, "bundler", err)
	}
	a.closers = append(a.closers, a.bundler.Close)

	a.paymaster, err = paymaster.NewClient(ctx, cfg.PaymasterURL, nil, a.log)
	if err != nil {
		return domain.Wrap(domain.ErrConfig, "paymaster", err)
	}
	a.closers = append(a.closers, a.paymaster.Close)

	provider, err := a.identityProvider()
	if err != nil {
		return domain.Wrap(domain.ErrConfig, "identity", err)
	}

	stateDir := StateDir(cfg)
	if a.cache, err = a.addressCache(ctx, stateDir); err != nil {
		return domain.Wrap(domain.ErrConfig, "cache", err)
	}
	a.journal = journal.NewClient(filepath.Join(stateDir, "ops"))

	a.auth = service.NewAuthenticator(provider, chainAdapter, a.log)
	a.prov = service.NewProvisioner(a.bundler, a.cache, a.log)
	a.ops = service.NewOperations(a.bundler, a.paymaster, a.journal, service.OperationsConfig{
		EntryPoint:    cfg.EntryPoint,
		ExplorerURL:   cfg.ExplorerURL,
		Confirmations: 1,
		Sponsorship:   service.DefaultSponsorship,
	}, a.log)

	a.log.Info().
		Str("chain_id", cfg.ChainID.String()).
		Str("entry_point", cfg.EntryPoint.Hex()).
		Str("nft", cfg.NFTAddress.Hex()).
		Str("identity", cfg.IdentityMode).
		Str("state_dir", stateDir).
		Msg("minter initialised")
	return nil
}

func (a *App) identityProvider() (domain.IdentityProvider, error) {
	cfg := a.cfg
	if cfg.IdentityMode == config.IdentityLocal {
		a.log.Warn().Msg("using local development identity provider")
		return identity.NewLocalProvider(cfg.IdentityDevSeed, cfg.ChainID)
	}
	return identity.NewParticleProvider(identity.ParticleConfig{
		BaseURL:   cfg.IdentityURL,
		ProjectID: cfg.ProjectID,
		ClientKey: cfg.ClientKey,
		AppID:     cfg.AppID,
		ChainID:   cfg.ChainID,
	}, nil, a.log), nil
}

// addressCache prefers redis when configured and falls back to a file in
// stateDir when redis is unavailable.
func (a *App) addressCache(ctx context.Context, stateDir string) (domain.AddressCache, error) {
	if a.cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(ctx, a.cfg.RedisURL, "")
		if err == nil {
			a.closers = append(a.closers, func() { rc.Close() })
			return rc, nil
		}
		a.log.Warn().Err(err).Msg("redis cache unavailable, using file cache")
	}
	return cache.NewFileCache(filepath.Join(stateDir, "accounts.json"))
}

// NewController builds a controller with its own notifier.
func (a *App) NewController() *service.Controller {
	return service.NewController(a.auth, a.prov, a.ops, service.NewNotifier(), service.ControllerConfig{
		ChainID:    a.cfg.ChainID,
		EntryPoint: a.cfg.EntryPoint,
		Module: domain.ValidationModuleConfig{
			Module:  a.cfg.ECDSAModule,
			Factory: a.cfg.AccountFactory,
			Index:   a.cfg.AccountIndex,
		},
		NFTAddress:  a.cfg.NFTAddress,
		ExplorerURL: a.cfg.ExplorerURL,
		StartupErr:  a.startupErr,
	}, a.log)
}

// Journal returns the operation journal, or nil for a degraded App.
func (a *App) Journal() *journal.Client {
	return a.journal
}

func (a *App) Config() *config.Config {
	return a.cfg
}

// StartupErr is the error a degraded App was built with.
func (a *App) StartupErr() error {
	return a.startupErr
}

// Close releases the clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Login runs a headless login and returns the provisioned session.
func (a *App) Login(ctx context.Context, method domain.LoginMethod) (*service.Controller, *domain.Session, error) {
	ctrl := a.NewController()
	sess, err := ctrl.Login(ctx, method)
	if err != nil {
		return nil, nil, fmt.Errorf("login with %s: %w", method, err)
	}
	return ctrl, sess, nil
}
