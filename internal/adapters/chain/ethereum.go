package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// EthereumAdapter binds identities to one EVM chain through a JSON-RPC provider.
type EthereumAdapter struct {
	client  *ethclient.Client
	chainID *big.Int
}

// NewEthereumAdapter creates an adapter for rpcEndpoint. Dialing an HTTP
// endpoint does not contact the node.
func NewEthereumAdapter(ctx context.Context, rpcEndpoint string, chainID *big.Int, httpClient *http.Client) (*EthereumAdapter, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	rpcClient, err := rpc.DialOptions(ctx, rpcEndpoint, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return &EthereumAdapter{
		client:  ethclient.NewClient(rpcClient),
		chainID: new(big.Int).Set(chainID),
	}, nil
}

// Close closes the RPC connection
func (a *EthereumAdapter) Close() {
	a.client.Close()
}

// ChainID returns the configured chain id
func (a *EthereumAdapter) ChainID() *big.Int {
	return new(big.Int).Set(a.chainID)
}

// VerifyChainID checks that the node serves the configured chain.
func (a *EthereumAdapter) VerifyChainID(ctx context.Context) error {
	id, err := a.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain id: %w", err)
	}
	if id.Cmp(a.chainID) != 0 {
		return fmt.Errorf("RPC endpoint serves chain %s, want %s", id, a.chainID)
	}
	return nil
}

// BlockNumber returns the current head
func (a *EthereumAdapter) BlockNumber(ctx context.Context) (uint64, error) {
	return a.client.BlockNumber(ctx)
}

// Adapt wraps the identity's signer together with the provider. It does no I/O.
func (a *EthereumAdapter) Adapt(id *domain.Identity) (domain.SignerProvider, error) {
	return Bind(id, a.client, a.chainID)
}

// Bind pairs an identity with a chain reader for chainID.
func Bind(id *domain.Identity, reader domain.ChainReader, chainID *big.Int) (domain.SignerProvider, error) {
	if id == nil || id.Signer == nil {
		return nil, errors.New("identity has no signer")
	}
	if id.Owner == (common.Address{}) {
		return nil, errors.New("identity has no owner address")
	}
	if id.ChainID != nil && id.ChainID.Cmp(chainID) != 0 {
		return nil, fmt.Errorf("identity issued for chain %s, want %s", id.ChainID, chainID)
	}
	return &signerProvider{
		MessageSigner: id.Signer,
		owner:         id.Owner,
		chainID:       new(big.Int).Set(chainID),
		reader:        reader,
	}, nil
}

type signerProvider struct {
	domain.MessageSigner
	owner   common.Address
	chainID *big.Int
	reader  domain.ChainReader
}

func (s *signerProvider) Address() common.Address   { return s.owner }
func (s *signerProvider) ChainID() *big.Int         { return new(big.Int).Set(s.chainID) }
func (s *signerProvider) Chain() domain.ChainReader { return s.reader }

var _ domain.ChainAdapter = (*EthereumAdapter)(nil)
