package config

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/based-aa/aa-minter/pkg/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned when one or more keys are missing or malformed.
var ErrInvalidConfig = errors.New("invalid configuration")

// Keys shared with the browser build may carry this prefix.
const publicPrefix = "NEXT_PUBLIC_"

// Identity modes
const (
	IdentityRemote = "remote"
	IdentityLocal  = "local"
)

const (
	KeyProjectID           = "PROJECT_ID"
	KeyClientKey           = "CLIENT_KEY"
	KeyAppID               = "APP_ID"
	KeyBundlerURL          = "BUNDLER_URL"
	KeyPaymasterURL        = "PAYMASTER_URL"
	KeyNFTAddress          = "NFT_ADDRESS"
	KeyChainID             = "CHAIN_ID"
	KeyRPCEndpoint         = "RPC_ENDPOINT"
	KeyIdentityURL         = "IDENTITY_URL"
	KeyIdentityMode        = "IDENTITY_MODE"
	KeyIdentityDevSeed     = "IDENTITY_DEV_SEED"
	KeyEntryPoint          = "ENTRY_POINT_ADDRESS"
	KeyAccountFactory      = "ACCOUNT_FACTORY_ADDRESS"
	KeyECDSAModule         = "ECDSA_MODULE_ADDRESS"
	KeyAccountIndex        = "ACCOUNT_INDEX"
	KeyExplorerURL         = "EXPLORER_URL"
	KeyListenAddr          = "LISTEN_ADDR"
	KeyStateDir            = "STATE_DIR"
	KeyRedisURL            = "REDIS_URL"
	KeyReceiptTimeout      = "RECEIPT_TIMEOUT"
	KeyReceiptPollInterval = "RECEIPT_POLL_INTERVAL"
	KeyLogLevel            = "LOG_LEVEL"
	KeySessionTTL          = "SESSION_TTL"
)

// Config is the runtime configuration of the minter.
type Config struct {
	ProjectID    string
	ClientKey    string
	AppID        string
	BundlerURL   string
	PaymasterURL string
	NFTAddress   common.Address
	ChainID      *big.Int
	RPCEndpoint  string

	IdentityURL     string
	IdentityMode    string
	IdentityDevSeed string

	EntryPoint     common.Address
	AccountFactory common.Address
	ECDSAModule    common.Address
	AccountIndex   uint64

	ExplorerURL         string
	ListenAddr          string
	StateDir            string
	RedisURL            string
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
	LogLevel            string
	SessionTTL          time.Duration

	raw map[string]string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyIdentityURL, "https://api.particle.network")
	v.SetDefault(KeyIdentityMode, IdentityRemote)
	v.SetDefault(KeyEntryPoint, userop.DefaultEntryPointAddress.Hex())
	v.SetDefault(KeyAccountFactory, userop.DefaultAccountFactoryAddress.Hex())
	v.SetDefault(KeyECDSAModule, userop.DefaultECDSAOwnershipModule.Hex())
	v.SetDefault(KeyAccountIndex, 0)
	v.SetDefault(KeyListenAddr, ":8080")
	v.SetDefault(KeyReceiptTimeout, 2*time.Minute)
	v.SetDefault(KeyReceiptPollInterval, 2*time.Second)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeySessionTTL, 30*time.Minute)
}

// Load reads .env, the optional config file and the environment, then
// validates the result. On a validation error the partially filled config
// is returned alongside the error so callers can still start in a degraded
// mode.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load() // Load .env if present

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := fromViper(v)
	return cfg, cfg.Validate()
}

func fromViper(v *viper.Viper) *Config {
	// public keys fall back to their NEXT_PUBLIC_ alias
	get := func(key string) string {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			return s
		}
		return strings.TrimSpace(v.GetString(publicPrefix + key))
	}

	cfg := &Config{
		ProjectID:           get(KeyProjectID),
		ClientKey:           get(KeyClientKey),
		AppID:               get(KeyAppID),
		BundlerURL:          get(KeyBundlerURL),
		PaymasterURL:        get(KeyPaymasterURL),
		RPCEndpoint:         get(KeyRPCEndpoint),
		IdentityURL:         v.GetString(KeyIdentityURL),
		IdentityMode:        strings.ToLower(v.GetString(KeyIdentityMode)),
		IdentityDevSeed:     v.GetString(KeyIdentityDevSeed),
		ExplorerURL:         get(KeyExplorerURL),
		ListenAddr:          v.GetString(KeyListenAddr),
		StateDir:            v.GetString(KeyStateDir),
		RedisURL:            v.GetString(KeyRedisURL),
		ReceiptTimeout:      v.GetDuration(KeyReceiptTimeout),
		ReceiptPollInterval: v.GetDuration(KeyReceiptPollInterval),
		LogLevel:            v.GetString(KeyLogLevel),
		SessionTTL:          v.GetDuration(KeySessionTTL),
		raw: map[string]string{
			KeyNFTAddress:     get(KeyNFTAddress),
			KeyChainID:        get(KeyChainID),
			KeyEntryPoint:     v.GetString(KeyEntryPoint),
			KeyAccountFactory: v.GetString(KeyAccountFactory),
			KeyECDSAModule:    v.GetString(KeyECDSAModule),
			KeyAccountIndex:   v.GetString(KeyAccountIndex),
		},
	}
	if cfg.ExplorerURL == "" {
		cfg.ExplorerURL = "https://testnets.opensea.io"
	}
	return cfg
}

// Validate checks every key and fills the typed fields. The returned error
// wraps ErrInvalidConfig and names every offending key.
func (c *Config) Validate() error {
	var problems []string
	require := func(key, val string) {
		if val == "" {
			problems = append(problems, key+" is required")
		}
	}
	requireURL := func(key, val string) {
		if val == "" {
			problems = append(problems, key+" is required")
			return
		}
		if u, err := url.Parse(val); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("%s is not a valid URL: %q", key, val))
		}
	}
	address := func(key string, required bool) common.Address {
		val := c.raw[key]
		if val == "" {
			if required {
				problems = append(problems, key+" is required")
			}
			return common.Address{}
		}
		if !common.IsHexAddress(val) {
			problems = append(problems, fmt.Sprintf("%s is not a valid address: %q", key, val))
			return common.Address{}
		}
		return common.HexToAddress(val)
	}

	require(KeyProjectID, c.ProjectID)
	require(KeyClientKey, c.ClientKey)
	require(KeyAppID, c.AppID)
	requireURL(KeyBundlerURL, c.BundlerURL)
	requireURL(KeyPaymasterURL, c.PaymasterURL)
	requireURL(KeyRPCEndpoint, c.RPCEndpoint)

	if c.raw != nil {
		c.NFTAddress = address(KeyNFTAddress, true)
		c.EntryPoint = address(KeyEntryPoint, true)
		c.AccountFactory = address(KeyAccountFactory, true)
		c.ECDSAModule = address(KeyECDSAModule, true)

		if raw := c.raw[KeyChainID]; raw == "" {
			problems = append(problems, KeyChainID+" is required")
		} else if id, ok := new(big.Int).SetString(raw, 0); !ok || id.Sign() <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive integer: %q", KeyChainID, raw))
		} else {
			c.ChainID = id
		}

		if raw := c.raw[KeyAccountIndex]; raw != "" {
			idx, ok := new(big.Int).SetString(raw, 10)
			if !ok || idx.Sign() < 0 || !idx.IsUint64() {
				problems = append(problems, fmt.Sprintf("%s must be a non-negative integer: %q", KeyAccountIndex, raw))
			} else {
				c.AccountIndex = idx.Uint64()
			}
		}
	} else if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		problems = append(problems, KeyChainID+" must be a positive integer")
	}

	switch c.IdentityMode {
	case IdentityRemote:
		requireURL(KeyIdentityURL, c.IdentityURL)
	case IdentityLocal:
	default:
		problems = append(problems, fmt.Sprintf("%s must be %q or %q: %q", KeyIdentityMode, IdentityRemote, IdentityLocal, c.IdentityMode))
	}

	if c.ReceiptTimeout <= 0 {
		problems = append(problems, KeyReceiptTimeout+" must be positive")
	}
	if c.ReceiptPollInterval <= 0 {
		problems = append(problems, KeyReceiptPollInterval+" must be positive")
	}
	if c.SessionTTL <= 0 {
		problems = append(problems, KeySessionTTL+" must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
