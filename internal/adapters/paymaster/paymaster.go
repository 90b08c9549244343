package paymaster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/pkg/userop"
	"github.com/based-aa/aa-minter/pkg/version"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

const methodSponsor = "pm_sponsorUserOperation"

// Client requests gas sponsorship from a verifying paymaster service.
type Client struct {
	rpc *rpc.Client
	log zerolog.Logger
}

func NewClient(ctx context.Context, url string, httpClient *http.Client, log zerolog.Logger) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(httpClient), rpc.WithHeader("User-Agent", version.UserAgent()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial paymaster: %w", err)
	}
	return &Client{rpc: client, log: log.With().Str("component", "paymaster").Logger()}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

type smartAccountInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type sponsorContext struct {
	Mode               string            `json:"mode"`
	CalculateGasLimits bool              `json:"calculateGasLimits"`
	SmartAccountInfo   *smartAccountInfo `json:"smartAccountInfo,omitempty"`
}

type sponsorResult struct {
	PaymasterAndData     hexutil.Bytes `json:"paymasterAndData"`
	CallGasLimit         *Quantity     `json:"callGasLimit"`
	VerificationGasLimit *Quantity     `json:"verificationGasLimit"`
	PreVerificationGas   *Quantity     `json:"preVerificationGas"`
}

// SponsorUserOperation asks the paymaster to cover op's gas.
func (c *Client) SponsorUserOperation(ctx context.Context, op *userop.UserOperation, req domain.SponsorshipRequest) (*domain.Sponsorship, error) {
	pmCtx := sponsorContext{
		Mode:               string(req.Mode),
		CalculateGasLimits: req.CalculateGasLimits,
	}
	if req.SmartAccountName != "" {
		pmCtx.SmartAccountInfo = &smartAccountInfo{Name: req.SmartAccountName, Version: req.SmartAccountVersion}
	}

	var res sponsorResult
	if err := c.rpc.CallContext(ctx, &res, methodSponsor, op, pmCtx); err != nil {
		return nil, fmt.Errorf("%s: %w", methodSponsor, err)
	}
	if len(res.PaymasterAndData) == 0 {
		return nil, fmt.Errorf("%s: empty paymasterAndData", methodSponsor)
	}

	c.log.Debug().
		Str("sender", op.Sender.Hex()).
		Int("paymaster_data_len", len(res.PaymasterAndData)).
		Msg("sponsorship granted")

	return &domain.Sponsorship{
		PaymasterAndData:     res.PaymasterAndData,
		CallGasLimit:         res.CallGasLimit.Int(),
		VerificationGasLimit: res.VerificationGasLimit.Int(),
		PreVerificationGas:   res.PreVerificationGas.Int(),
	}, nil
}

// Quantity decodes gas values that paymaster services return as JSON
// numbers, decimal strings or hex strings.
type Quantity big.Int

func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	var s string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	s = strings.TrimSpace(s)

	var (
		v  *big.Int
		ok bool
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, ok = new(big.Int).SetString(s[2:], 16)
	} else {
		v, ok = new(big.Int).SetString(s, 10)
	}
	if !ok || v.Sign() < 0 {
		return fmt.Errorf("invalid quantity %s", string(data))
	}
	(*big.Int)(q).Set(v)
	return nil
}

// Int returns the value, or nil when q is nil.
func (q *Quantity) Int() *big.Int {
	if q == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(q))
}

var _ domain.Paymaster = (*Client)(nil)
