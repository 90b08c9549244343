package identity

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/pkg/userop"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
)

const localIssuer = "aa-minter-local"

// LocalProvider is a development identity provider. Each login method maps
// to a deterministic key derived from the seed, so the same seed always
// yields the same owners.
type LocalProvider struct {
	seed    string
	chainID *big.Int
	ttl     time.Duration
	now     func() time.Time
}

func NewLocalProvider(seed string, chainID *big.Int) (*LocalProvider, error) {
	if seed == "" {
		return nil, errors.New("local identity requires a dev seed")
	}
	return &LocalProvider{seed: seed, chainID: chainID, ttl: 24 * time.Hour, now: time.Now}, nil
}

// Key returns the private key backing method.
func (p *LocalProvider) Key(method domain.LoginMethod) (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(crypto.Keccak256([]byte(p.seed), []byte(":"), []byte(method)))
}

func (p *LocalProvider) Login(ctx context.Context, method domain.LoginMethod) (*domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrLoginCancelled
	}
	key, err := p.Key(method)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)

	now := p.now()
	claims := jwt.RegisteredClaims{
		Issuer:    localIssuer,
		Subject:   string(method) + ":" + owner.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(crypto.Keccak256([]byte(p.seed)))
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	return &domain.Identity{
		Handle:    token,
		UserID:    claims.Subject,
		Owner:     owner,
		ChainID:   p.chainID,
		ExpiresAt: claims.ExpiresAt.Time,
		Signer:    &keySigner{key: key},
	}, nil
}

type keySigner struct {
	key *ecdsa.PrivateKey
}

func (s *keySigner) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	return userop.SignMessage(s.key, msg)
}

var _ domain.IdentityProvider = (*LocalProvider)(nil)
