package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/pkg/userop"
	"github.com/based-aa/aa-minter/pkg/version"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// Error codes reported by the identity service.
const (
	codeUserCancelled = "user_cancelled"
	codeInvalidClient = "invalid_client"
)

// ParticleConfig holds the project credentials of the identity service.
type ParticleConfig struct {
	BaseURL   string
	ProjectID string
	ClientKey string
	AppID     string
	ChainID   *big.Int
}

// ParticleProvider logs users in through the hosted social-login service.
type ParticleProvider struct {
	cfg        ParticleConfig
	httpClient *http.Client
	log        zerolog.Logger
	now        func() time.Time
}

// LoginRequest is the request body for /v1/auth/login
type LoginRequest struct {
	Provider string `json:"provider"`
	ChainID  string `json:"chain_id"`
}

// LoginResponse is the response from /v1/auth/login
type LoginResponse struct {
	Token   string `json:"token"`
	Address string `json:"address"`
	UserID  string `json:"user_id"`
	ChainID string `json:"chain_id,omitempty"`
}

// SignRequest is the request body for /v1/wallet/sign
type SignRequest struct {
	Method  string `json:"method"`
	Address string `json:"address"`
	Message string `json:"message"`
}

// SignResponse is the response from /v1/wallet/sign
type SignResponse struct {
	Signature string `json:"signature"`
}

// ErrorResponse represents an error response from the identity service
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func NewParticleProvider(cfg ParticleConfig, httpClient *http.Client, log zerolog.Logger) *ParticleProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &ParticleProvider{
		cfg:        cfg,
		httpClient: httpClient,
		log:        log.With().Str("component", "particle").Logger(),
		now:        time.Now,
	}
}

// Login performs the social login and returns an identity whose signer is
// backed by the service's wallet.
func (p *ParticleProvider) Login(ctx context.Context, method domain.LoginMethod) (*domain.Identity, error) {
	req := LoginRequest{Provider: string(method)}
	if p.cfg.ChainID != nil {
		req.ChainID = p.cfg.ChainID.String()
	}

	var resp LoginResponse
	if err := p.post(ctx, "/v1/auth/login", "", req, &resp); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(resp.Address) {
		return nil, fmt.Errorf("identity service returned invalid address %q", resp.Address)
	}
	claims, err := readToken(resp.Token, p.now())
	if err != nil {
		return nil, err
	}

	id := &domain.Identity{
		Handle:    resp.Token,
		UserID:    resp.UserID,
		Owner:     common.HexToAddress(resp.Address),
		ExpiresAt: claims.ExpiresAt,
	}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if resp.ChainID != "" {
		chainID, ok := new(big.Int).SetString(resp.ChainID, 0)
		if !ok {
			return nil, fmt.Errorf("identity service returned invalid chain id %q", resp.ChainID)
		}
		id.ChainID = chainID
	}
	id.Signer = &remoteSigner{provider: p, token: resp.Token, owner: id.Owner}

	p.log.Debug().Str("method", string(method)).Str("owner", id.Owner.Hex()).Msg("social login complete")
	return id, nil
}

type remoteSigner struct {
	provider *ParticleProvider
	token    string
	owner    common.Address
}

// SignMessage asks the hosted wallet to personal-sign msg and checks that
// the signature really comes from the owner.
func (s *remoteSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	req := SignRequest{
		Method:  "personal_sign",
		Address: s.owner.Hex(),
		Message: hexutil.Encode(msg),
	}
	var resp SignResponse
	if err := s.provider.post(ctx, "/v1/wallet/sign", s.token, req, &resp); err != nil {
		return nil, err
	}
	sig, err := hexutil.Decode(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
	sig = userop.NormalizeV(sig)

	signer, err := userop.RecoverSigner(msg, sig)
	if err != nil {
		return nil, err
	}
	if signer != s.owner {
		return nil, fmt.Errorf("signature from %s, want %s", signer.Hex(), s.owner.Hex())
	}
	return sig, nil
}

func (p *ParticleProvider) post(ctx context.Context, path, bearer string, in, out interface{}) error {
	bodyBytes, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-App-Id", p.cfg.AppID)
	req.Header.Set("X-Client-Version", version.GetVersion())
	req.Header.Set("User-Agent", version.UserAgent())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else {
		req.SetBasicAuth(p.cfg.ProjectID, p.cfg.ClientKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		_ = json.Unmarshal(body, &errResp)
		switch {
		case errResp.Code == codeUserCancelled:
			return domain.ErrLoginCancelled
		case errResp.Code == codeInvalidClient || resp.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("invalid project credentials: %s", firstNonEmpty(errResp.Error, http.StatusText(resp.StatusCode)))
		case errResp.Error != "":
			return fmt.Errorf("%s failed: %s", path, errResp.Error)
		}
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ domain.IdentityProvider = (*ParticleProvider)(nil)
