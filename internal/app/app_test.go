package app

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/based-aa/aa-minter/internal/adapters/cache"
	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/pkg/config"
	"github.com/based-aa/aa-minter/pkg/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nodeServer answers eth_chainId with chainID.
func nodeServer(t *testing.T, chainID string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": chainID})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, url string) *config.Config {
	return &config.Config{
		ProjectID:           "p",
		ClientKey:           "c",
		AppID:               "a",
		BundlerURL:          url,
		PaymasterURL:        url,
		RPCEndpoint:         url,
		NFTAddress:          common.HexToAddress("0x0000000000000000000000000000000000000a11"),
		ChainID:             big.NewInt(84532),
		IdentityMode:        config.IdentityLocal,
		IdentityDevSeed:     "app-test",
		EntryPoint:          userop.DefaultEntryPointAddress,
		AccountFactory:      userop.DefaultAccountFactoryAddress,
		ECDSAModule:         userop.DefaultECDSAOwnershipModule,
		ExplorerURL:         "https://testnets.opensea.io",
		StateDir:            t.TempDir(),
		ReceiptTimeout:      time.Second,
		ReceiptPollInterval: 10 * time.Millisecond,
	}
}

func TestNew(t *testing.T) {
	srv := nodeServer(t, "0x14a34")
	cfg := testConfig(t, srv.URL)

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, filepath.Join(cfg.StateDir, "ops"), a.Journal().Dir())
	assert.IsType(t, &cache.FileCache{}, a.cache)
	assert.NoError(t, a.StartupErr())

	snap := a.NewController().Snapshot()
	assert.Equal(t, domain.StateIdle, snap.State)
}

func TestNew_RedisFallsBackToFile(t *testing.T) {
	srv := nodeServer(t, "0x14a34")
	cfg := testConfig(t, srv.URL)
	cfg.RedisURL = "redis://127.0.0.1:1/0"

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	assert.IsType(t, &cache.FileCache{}, a.cache)
}

func TestNew_ChainMismatch(t *testing.T) {
	srv := nodeServer(t, "0x1")
	_, err := New(context.Background(), testConfig(t, srv.URL), zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestNew_LocalIdentityNeedsSeed(t *testing.T) {
	srv := nodeServer(t, "0x14a34")
	cfg := testConfig(t, srv.URL)
	cfg.IdentityDevSeed = ""

	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestDegraded(t *testing.T) {
	startupErr := errors.New("PAYMASTER_URL is required")
	a := Degraded(nil, startupErr, zerolog.Nop())
	defer a.Close()

	assert.Nil(t, a.Journal())
	assert.Equal(t, startupErr, a.StartupErr())

	ctrl := a.NewController()
	assert.Equal(t, domain.StateError, ctrl.Snapshot().State)

	_, err := ctrl.Login(context.Background(), domain.LoginGoogle)
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestStateDir(t *testing.T) {
	assert.Equal(t, "/tmp/x", StateDir(&config.Config{StateDir: "/tmp/x"}))
	assert.Equal(t, ".aa-minter", filepath.Base(StateDir(nil)))
}
