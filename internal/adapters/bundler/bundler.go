package bundler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/pkg/userop"
	"github.com/based-aa/aa-minter/pkg/version"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	methodSupportedEntryPoints = "eth_supportedEntryPoints"
	methodSendUserOperation    = "eth_sendUserOperation"
	methodGetReceipt           = "eth_getUserOperationReceipt"
)

var errPending = errors.New("receipt not available yet")

// HeadFunc returns the current block number of the chain.
type HeadFunc func(ctx context.Context) (uint64, error)

// Client talks to an ERC-4337 bundler over JSON-RPC.
type Client struct {
	rpc          *rpc.Client
	timeout      time.Duration
	pollInterval time.Duration
	head         HeadFunc
	log          zerolog.Logger
}

// Option configures a Client.
type Option func(*options)

type options struct {
	httpClient   *http.Client
	timeout      time.Duration
	pollInterval time.Duration
	head         HeadFunc
	log          zerolog.Logger
}

func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithReceiptTimeout sets how long WaitForReceipt polls before giving up.
func WithReceiptTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

func WithPollInterval(d time.Duration) Option { return func(o *options) { o.pollInterval = d } }

// WithHeadFunc enables waiting for more than one confirmation.
func WithHeadFunc(f HeadFunc) Option { return func(o *options) { o.head = f } }

func WithLogger(log zerolog.Logger) Option { return func(o *options) { o.log = log } }

// NewClient creates a bundler client for url.
func NewClient(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		timeout:      2 * time.Minute,
		pollInterval: 2 * time.Second,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 || o.pollInterval <= 0 {
		return nil, errors.New("receipt timeout and poll interval must be positive")
	}

	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(o.httpClient), rpc.WithHeader("User-Agent", version.UserAgent()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial bundler: %w", err)
	}
	return &Client{
		rpc:          client,
		timeout:      o.timeout,
		pollInterval: o.pollInterval,
		head:         o.head,
		log:          o.log.With().Str("component", "bundler").Logger(),
	}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

// SupportedEntryPoints lists the entry points the bundler accepts operations for.
func (c *Client) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	if err := c.rpc.CallContext(ctx, &out, methodSupportedEntryPoints); err != nil {
		return nil, fmt.Errorf("%s: %w", methodSupportedEntryPoints, err)
	}
	return out, nil
}

// SendUserOperation submits op and returns the user operation hash.
func (c *Client) SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, methodSendUserOperation, op, entryPoint); err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", methodSendUserOperation, err)
	}
	return hash, nil
}

type receiptJSON struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Paymaster     common.Address `json:"paymaster"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason"`
	Receipt       struct {
		TransactionHash common.Hash    `json:"transactionHash"`
		BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	} `json:"receipt"`
}

// GetUserOperationReceipt returns the receipt of hash, or nil while the
// operation is not yet included.
func (c *Client) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*domain.UserOpReceipt, error) {
	var raw *receiptJSON
	if err := c.rpc.CallContext(ctx, &raw, methodGetReceipt, hash); err != nil {
		return nil, fmt.Errorf("%s: %w", methodGetReceipt, err)
	}
	if raw == nil {
		return nil, nil
	}
	return &domain.UserOpReceipt{
		UserOpHash:      raw.UserOpHash,
		Sender:          raw.Sender,
		Paymaster:       raw.Paymaster,
		Success:         raw.Success,
		Reason:          raw.Reason,
		ActualGasCost:   raw.ActualGasCost.ToInt(),
		ActualGasUsed:   raw.ActualGasUsed.ToInt(),
		TransactionHash: raw.Receipt.TransactionHash,
		BlockNumber:     uint64(raw.Receipt.BlockNumber),
	}, nil
}

// WaitForReceipt polls at the configured interval until the receipt is
// available with the requested confirmations. Running out of time is
// reported as domain.ErrTimeout.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*domain.UserOpReceipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}
	if confirmations > 1 && c.head == nil {
		return nil, fmt.Errorf("%d confirmations requested but no head source configured", confirmations)
	}

	backoff := retry.WithMaxDuration(c.timeout, retry.NewConstant(c.pollInterval))

	var receipt *domain.UserOpReceipt
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := c.GetUserOperationReceipt(ctx, hash)
		if err != nil {
			c.log.Debug().Err(err).Str("user_op_hash", hash.Hex()).Msg("receipt poll failed")
			return retry.RetryableError(err)
		}
		if r == nil {
			return retry.RetryableError(errPending)
		}
		if confirmations > 1 {
			head, err := c.head(ctx)
			if err != nil {
				return retry.RetryableError(err)
			}
			var have uint64
			if head >= r.BlockNumber {
				have = head - r.BlockNumber + 1
			}
			if have < confirmations {
				return retry.RetryableError(fmt.Errorf("%d of %d confirmations", have, confirmations))
			}
		}
		receipt = r
		return nil
	})
	if err == nil {
		return receipt, nil
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}
	return nil, domain.Wrap(domain.ErrTimeout, "receipt", fmt.Errorf("no receipt for %s after %s: %w", hash.Hex(), c.timeout, err))
}

var _ domain.Bundler = (*Client)(nil)
