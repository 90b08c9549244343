package service

import (
	"context"
	"errors"
	"time"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Authenticator turns a social login into a session holding a chain-bound signer.
type Authenticator struct {
	provider domain.IdentityProvider
	adapter  domain.ChainAdapter
	log      zerolog.Logger
	now      func() time.Time
}

func NewAuthenticator(provider domain.IdentityProvider, adapter domain.ChainAdapter, log zerolog.Logger) *Authenticator {
	return &Authenticator{
		provider: provider,
		adapter:  adapter,
		log:      log.With().Str("component", "identity").Logger(),
		now:      time.Now,
	}
}

// Login authenticates with method and adapts the identity to the configured chain.
func (a *Authenticator) Login(ctx context.Context, method domain.LoginMethod) (*domain.Session, error) {
	if !method.Valid() {
		return nil, domain.Wrap(domain.ErrAuth, "login", errors.New("unsupported login method "+string(method)))
	}

	id, err := a.provider.Login(ctx, method)
	if err != nil {
		return nil, domain.Wrap(domain.ErrAuth, "login", err)
	}
	if id == nil || id.Signer == nil {
		return nil, domain.Wrap(domain.ErrAuth, "login", errors.New("identity provider returned no signer"))
	}

	signer, err := a.adapter.Adapt(id)
	if err != nil {
		return nil, domain.Wrap(domain.ErrAuth, "adapt", err)
	}

	sess := &domain.Session{
		ID:        uuid.NewString(),
		Method:    method,
		Identity:  id,
		Signer:    signer,
		CreatedAt: a.now(),
	}
	a.log.Info().
		Str("method", string(method)).
		Str("owner", signer.Address().Hex()).
		Str("chain_id", signer.ChainID().String()).
		Msg("session established")
	return sess, nil
}
