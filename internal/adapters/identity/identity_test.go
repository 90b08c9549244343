package identity

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/pkg/userop"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serviceKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeService struct {
	t         *testing.T
	errCode   string
	status    int
	expiresAt time.Time
	badSigner bool
	logins    int
}

func (f *fakeService) token() string {
	claims := jwt.RegisteredClaims{Subject: "user-42", ExpiresAt: jwt.NewNumericDate(f.expiresAt)}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("service-secret"))
	require.NoError(f.t, err)
	return token
}

func (f *fakeService) handler() http.Handler {
	key, _ := crypto.HexToECDSA(serviceKeyHex)
	other, _ := crypto.GenerateKey()
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins++
		user, pass, ok := r.BasicAuth()
		if !ok || user != "project" || pass != "client-key" || r.Header.Get("X-App-Id") != "app" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(ErrorResponse{Code: codeInvalidClient, Error: "unknown project"})
			return
		}
		if f.errCode != "" {
			w.WriteHeader(f.status)
			json.NewEncoder(w).Encode(ErrorResponse{Code: f.errCode, Error: "login aborted"})
			return
		}
		var req LoginRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(LoginResponse{
			Token:   f.token(),
			Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
			ChainID: req.ChainID,
		})
	})

	mux.HandleFunc("/v1/wallet/sign", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req SignRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		msg, err := hexutil.Decode(req.Message)
		require.NoError(f.t, err)

		signWith := key
		if f.badSigner {
			signWith = other
		}
		// the hosted wallet answers with a 0/1 recovery id
		sig, err := crypto.Sign(accounts.TextHash(msg), signWith)
		require.NoError(f.t, err)
		json.NewEncoder(w).Encode(SignResponse{Signature: hexutil.Encode(sig)})
	})
	return mux
}

func newParticle(t *testing.T, f *fakeService, projectID string) *ParticleProvider {
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewParticleProvider(ParticleConfig{
		BaseURL:   srv.URL + "/",
		ProjectID: projectID,
		ClientKey: "client-key",
		AppID:     "app",
		ChainID:   big.NewInt(84532),
	}, srv.Client(), zerolog.Nop())
}

func TestParticle_LoginAndSign(t *testing.T) {
	f := &fakeService{t: t, expiresAt: time.Now().Add(time.Hour)}
	p := newParticle(t, f, "project")

	id, err := p.Login(context.Background(), domain.LoginGoogle)
	require.NoError(t, err)

	key, _ := crypto.HexToECDSA(serviceKeyHex)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), id.Owner)
	assert.Equal(t, "user-42", id.UserID)
	assert.Equal(t, big.NewInt(84532), id.ChainID)
	assert.WithinDuration(t, f.expiresAt, id.ExpiresAt, time.Second)

	msg := []byte("hello")
	sig, err := id.Signer.SignMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Contains(t, []byte{27, 28}, sig[64])

	signer, err := userop.RecoverSigner(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, id.Owner, signer)
}

func TestParticle_SignatureFromWrongKey(t *testing.T) {
	f := &fakeService{t: t, expiresAt: time.Now().Add(time.Hour), badSigner: true}
	p := newParticle(t, f, "project")

	id, err := p.Login(context.Background(), domain.LoginGoogle)
	require.NoError(t, err)

	_, err = id.Signer.SignMessage(context.Background(), []byte("hello"))
	assert.Error(t, err)
}

func TestParticle_Cancelled(t *testing.T) {
	f := &fakeService{t: t, errCode: codeUserCancelled, status: http.StatusBadRequest}
	p := newParticle(t, f, "project")

	_, err := p.Login(context.Background(), domain.LoginApple)
	assert.ErrorIs(t, err, domain.ErrLoginCancelled)
}

func TestParticle_InvalidCredentials(t *testing.T) {
	f := &fakeService{t: t, expiresAt: time.Now().Add(time.Hour)}
	p := newParticle(t, f, "wrong-project")

	_, err := p.Login(context.Background(), domain.LoginFacebook)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid project credentials")
	assert.NotErrorIs(t, err, domain.ErrLoginCancelled)
}

func TestParticle_ExpiredToken(t *testing.T) {
	f := &fakeService{t: t, expiresAt: time.Now().Add(-time.Minute)}
	p := newParticle(t, f, "project")

	_, err := p.Login(context.Background(), domain.LoginGoogle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestParticle_Unreachable(t *testing.T) {
	p := NewParticleProvider(ParticleConfig{BaseURL: "http://127.0.0.1:1"}, nil, zerolog.Nop())
	_, err := p.Login(context.Background(), domain.LoginGoogle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestLocalProvider_Deterministic(t *testing.T) {
	p, err := NewLocalProvider("dev-seed", big.NewInt(84532))
	require.NoError(t, err)
	ctx := context.Background()

	a, err := p.Login(ctx, domain.LoginGoogle)
	require.NoError(t, err)
	b, err := p.Login(ctx, domain.LoginGoogle)
	require.NoError(t, err)
	c, err := p.Login(ctx, domain.LoginApple)
	require.NoError(t, err)

	assert.Equal(t, a.Owner, b.Owner)
	assert.NotEqual(t, a.Owner, c.Owner)

	claims, err := readToken(a.Handle, time.Now())
	require.NoError(t, err)
	assert.Equal(t, a.UserID, claims.Subject)

	sig, err := a.Signer.SignMessage(ctx, []byte("msg"))
	require.NoError(t, err)
	signer, err := userop.RecoverSigner([]byte("msg"), sig)
	require.NoError(t, err)
	assert.Equal(t, a.Owner, signer)
}

func TestLocalProvider_RequiresSeed(t *testing.T) {
	_, err := NewLocalProvider("", big.NewInt(1))
	assert.Error(t, err)
}

func TestLocalProvider_CancelledContext(t *testing.T) {
	p, err := NewLocalProvider("dev-seed", big.NewInt(84532))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = p.Login(ctx, domain.LoginGoogle)
	assert.ErrorIs(t, err, domain.ErrLoginCancelled)
}

func TestReadToken_Rejects(t *testing.T) {
	_, err := readToken("not-a-jwt", time.Now())
	assert.Error(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = readToken(token, time.Now())
	assert.ErrorContains(t, err, "no subject")
}
