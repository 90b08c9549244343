package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/pkg/userop"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ProvisioningMessage is signed by the owner to prove control of the key
// before an account is derived for it.
func ProvisioningMessage(owner common.Address, chainID *big.Int) []byte {
	return []byte(fmt.Sprintf("aa-minter account provisioning\nowner: %s\nchain: %s", owner.Hex(), chainID))
}

// AddressCacheKey is the memoisation key of a counterfactual address.
func AddressCacheKey(chainID *big.Int, mod domain.ValidationModuleConfig, owner common.Address) string {
	return strings.ToLower(fmt.Sprintf("%s/%s/%s/%s/%d", chainID, mod.Factory.Hex(), mod.Module.Hex(), owner.Hex(), mod.Index))
}

// Provisioner derives the counterfactual smart account of a signer.
type Provisioner struct {
	bundler domain.Bundler
	cache   domain.AddressCache
	log     zerolog.Logger
}

// NewProvisioner creates a provisioner. cache may be nil.
func NewProvisioner(bundler domain.Bundler, cache domain.AddressCache, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		bundler: bundler,
		cache:   cache,
		log:     log.With().Str("component", "provisioner").Logger(),
	}
}

// Provision returns the smart account of signer. Nothing is deployed and no
// transaction is sent: the address is read from the factory.
func (p *Provisioner) Provision(ctx context.Context, signer domain.SignerProvider, chainID *big.Int, entryPoint common.Address, mod domain.ValidationModuleConfig) (*domain.SmartAccount, error) {
	wrap := func(op string, err error) error { return domain.Wrap(domain.ErrProvision, op, err) }

	if chainID == nil || signer.ChainID() == nil || signer.ChainID().Cmp(chainID) != 0 {
		return nil, wrap("provision", fmt.Errorf("signer is bound to chain %v, want %v", signer.ChainID(), chainID))
	}
	owner := signer.Address()

	msg := ProvisioningMessage(owner, chainID)
	sig, err := signer.SignMessage(ctx, msg)
	if err != nil {
		return nil, wrap("sign ownership proof", err)
	}
	recovered, err := userop.RecoverSigner(msg, sig)
	if err != nil {
		return nil, wrap("verify ownership proof", err)
	}
	if recovered != owner {
		return nil, wrap("verify ownership proof", fmt.Errorf("signature recovered %s, want %s", recovered.Hex(), owner.Hex()))
	}

	supported, err := p.bundler.SupportedEntryPoints(ctx)
	if err != nil {
		return nil, wrap("bundler entry points", err)
	}
	if !containsAddress(supported, entryPoint) {
		return nil, wrap("bundler entry points", fmt.Errorf("entry point %s not supported by bundler", entryPoint.Hex()))
	}

	setup, err := userop.EncodeModuleSetup(owner)
	if err != nil {
		return nil, wrap("module setup", err)
	}

	account := &domain.SmartAccount{
		Owner:           owner,
		ChainID:         new(big.Int).Set(chainID),
		EntryPoint:      entryPoint,
		Module:          mod.Module,
		Factory:         mod.Factory,
		ModuleSetupData: setup,
		Index:           mod.Index,
	}

	key := AddressCacheKey(chainID, mod, owner)
	if p.cache != nil {
		addr, ok, err := p.cache.Get(ctx, key)
		if err != nil {
			p.log.Warn().Err(err).Str("key", key).Msg("address cache read failed")
		} else if ok {
			account.Address = addr
			p.log.Debug().Str("account", addr.Hex()).Msg("smart account address from cache")
			return account, nil
		}
	}

	addr, err := p.counterfactualAddress(ctx, signer.Chain(), mod, setup)
	if err != nil {
		return nil, wrap("counterfactual address", err)
	}
	account.Address = addr

	if p.cache != nil {
		if err := p.cache.Put(ctx, key, addr); err != nil {
			p.log.Warn().Err(err).Str("key", key).Msg("address cache write failed")
		}
	}

	p.log.Info().Str("owner", owner.Hex()).Str("account", addr.Hex()).Msg("smart account provisioned")
	return account, nil
}

func (p *Provisioner) counterfactualAddress(ctx context.Context, chain domain.ChainReader, mod domain.ValidationModuleConfig, setup []byte) (common.Address, error) {
	data, err := userop.EncodeGetCounterfactualAddress(mod.Module, setup, new(big.Int).SetUint64(mod.Index))
	if err != nil {
		return common.Address{}, err
	}
	factory := mod.Factory
	out, err := chain.CallContract(ctx, ethereum.CallMsg{To: &factory, Data: data}, nil)
	if err != nil {
		return common.Address{}, err
	}
	addr, err := userop.DecodeCounterfactualAddress(out)
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("factory returned the zero address")
	}
	return addr, nil
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
