package domain

import (
	"context"
	"math/big"

	"github.com/based-aa/aa-minter/pkg/journal"
	"github.com/based-aa/aa-minter/pkg/userop"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// MessageSigner personal-signs messages on behalf of an owner.
type MessageSigner interface {
	// SignMessage returns a 65 byte r||s||v signature with v in {27, 28}.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// IdentityProvider obtains an authenticated signing identity.
type IdentityProvider interface {
	Login(ctx context.Context, method LoginMethod) (*Identity, error)
}

// ChainReader is the subset of the chain RPC the workflow reads from.
type ChainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// SignerProvider pairs an owner signer with an RPC provider bound to one chain.
type SignerProvider interface {
	MessageSigner
	Address() common.Address
	ChainID() *big.Int
	Chain() ChainReader
}

// ChainAdapter wraps an identity into a SignerProvider.
type ChainAdapter interface {
	Adapt(id *Identity) (SignerProvider, error)
}

// Bundler relays user operations and reports their receipts.
type Bundler interface {
	SupportedEntryPoints(ctx context.Context) ([]common.Address, error)
	SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error)
	// WaitForReceipt blocks until the operation is included with the given
	// number of confirmations or the bundler deadline passes (ErrTimeout).
	WaitForReceipt(ctx context.Context, userOpHash common.Hash, confirmations uint64) (*UserOpReceipt, error)
}

// Paymaster sponsors gas for user operations.
type Paymaster interface {
	SponsorUserOperation(ctx context.Context, op *userop.UserOperation, req SponsorshipRequest) (*Sponsorship, error)
}

// AddressCache memoises counterfactual account addresses.
type AddressCache interface {
	Get(ctx context.Context, key string) (common.Address, bool, error)
	Put(ctx context.Context, key string, addr common.Address) error
}

// OperationJournal persists operation transitions.
type OperationJournal interface {
	Save(entry *journal.Entry) error
	WasSubmitted(id string) (bool, error)
}
