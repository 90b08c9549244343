package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/pkg/journal"
	"github.com/based-aa/aa-minter/pkg/userop"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	testChainID = big.NewInt(84532)
	testNFT     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	testModule  = domain.ValidationModuleConfig{
		Module:  userop.DefaultECDSAOwnershipModule,
		Factory: userop.DefaultAccountFactoryAddress,
	}
	testPaymaster = common.HexToAddress("0x00000f79b7faf42eebadba19acc07cd08af44789")
)

func newKey(t *testing.T, hex string) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(hex)
	require.NoError(t, err)
	return key
}

const (
	ownerKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	otherKeyHex = "8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
)

type keySigner struct {
	key *ecdsa.PrivateKey
	err error
}

func (s *keySigner) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return userop.SignMessage(s.key, msg)
}

// fakeChain answers factory lookups with a hash of the call data, so the
// derived address is a pure function of module, owner and index.
type fakeChain struct {
	mu           sync.Mutex
	code         []byte
	nonce        *big.Int
	factoryCalls int
	callErr      error
}

func (c *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callErr != nil {
		return nil, c.callErr
	}
	switch *msg.To {
	case userop.DefaultAccountFactoryAddress:
		c.factoryCalls++
		addr := common.BytesToAddress(crypto.Keccak256(msg.Data)[12:])
		return common.LeftPadBytes(addr.Bytes(), 32), nil
	case userop.DefaultEntryPointAddress:
		nonce := c.nonce
		if nonce == nil {
			nonce = big.NewInt(0)
		}
		return common.LeftPadBytes(nonce.Bytes(), 32), nil
	}
	return nil, errors.New("unexpected call")
}

func (c *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, nil
}

func (c *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_500_000_000), nil
}

func (c *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

type fakeSignerProvider struct {
	domain.MessageSigner
	addr    common.Address
	chainID *big.Int
	chain   *fakeChain
}

func (p *fakeSignerProvider) Address() common.Address   { return p.addr }
func (p *fakeSignerProvider) ChainID() *big.Int         { return p.chainID }
func (p *fakeSignerProvider) Chain() domain.ChainReader { return p.chain }

type fakeAdapter struct {
	chainID *big.Int
	chain   *fakeChain
}

func (a *fakeAdapter) Adapt(id *domain.Identity) (domain.SignerProvider, error) {
	if id.ChainID != nil && id.ChainID.Cmp(a.chainID) != 0 {
		return nil, errors.New("chain mismatch")
	}
	return &fakeSignerProvider{MessageSigner: id.Signer, addr: id.Owner, chainID: a.chainID, chain: a.chain}, nil
}

type fakeIdentityProvider struct {
	mu    sync.Mutex
	key   *ecdsa.PrivateKey
	err   error
	calls int
	// release, when set, holds every login until a value arrives; a non-nil
	// value fails the login.
	release chan error
}

func (p *fakeIdentityProvider) Login(ctx context.Context, method domain.LoginMethod) (*domain.Identity, error) {
	p.mu.Lock()
	p.calls++
	err, release := p.err, p.release
	p.mu.Unlock()

	if release != nil {
		select {
		case err = <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &domain.Identity{
		Handle: "token-" + string(method),
		UserID: "user-1",
		Owner:  crypto.PubkeyToAddress(p.key.PublicKey),
		Signer: &keySigner{key: p.key},
	}, nil
}

func (p *fakeIdentityProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeBundler struct {
	mu          sync.Mutex
	entryPoints []common.Address
	entryErr    error
	sendErr     error
	sent        []*userop.UserOperation
	receipt     *domain.UserOpReceipt
	waitErr     error
	release     chan struct{}
	// hash, when set, is returned instead of the locally computed hash.
	hash   *common.Hash
	onSend func()
}

func newFakeBundler() *fakeBundler {
	return &fakeBundler{
		entryPoints: []common.Address{userop.DefaultEntryPointAddress},
		receipt: &domain.UserOpReceipt{
			Success:         true,
			TransactionHash: common.HexToHash("0x5b0f0b3c7e7f1ac3c9d1d1c2f4b4e0f8c3b28a4de0f2b7a1a2a3a4a5a6a7a8a9"),
			BlockNumber:     42,
		},
	}
}

func (b *fakeBundler) SupportedEntryPoints(context.Context) ([]common.Address, error) {
	return b.entryPoints, b.entryErr
}

func (b *fakeBundler) SendUserOperation(_ context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return common.Hash{}, b.sendErr
	}
	b.sent = append(b.sent, op.Copy())
	if b.onSend != nil {
		b.onSend()
	}
	if b.hash != nil {
		return *b.hash, nil
	}
	return op.Hash(entryPoint, testChainID)
}

func (b *fakeBundler) WaitForReceipt(ctx context.Context, hash common.Hash, _ uint64) (*domain.UserOpReceipt, error) {
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.waitErr != nil {
		return nil, b.waitErr
	}
	r := *b.receipt
	r.UserOpHash = hash
	return &r, nil
}

func (b *fakeBundler) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type fakePaymaster struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *fakePaymaster) SponsorUserOperation(_ context.Context, _ *userop.UserOperation, req domain.SponsorshipRequest) (*domain.Sponsorship, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if req.Mode != domain.PaymasterSponsored {
		return nil, errors.New("unexpected mode")
	}
	return &domain.Sponsorship{
		PaymasterAndData:     append(testPaymaster.Bytes(), 0x01, 0x02),
		CallGasLimit:         big.NewInt(120_000),
		VerificationGasLimit: big.NewInt(350_000),
		PreVerificationGas:   big.NewInt(48_000),
	}, nil
}

func (p *fakePaymaster) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// flakyJournal fails every save once broken is set.
type flakyJournal struct {
	*journal.Client
	mu     sync.Mutex
	broken bool
}

func (j *flakyJournal) breakSaves() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.broken = true
}

func (j *flakyJournal) Save(entry *journal.Entry) error {
	j.mu.Lock()
	broken := j.broken
	j.mu.Unlock()
	if broken {
		return errors.New("disk full")
	}
	return j.Client.Save(entry)
}

type memCache struct {
	mu   sync.Mutex
	m    map[string]common.Address
	gets int
}

func newMemCache() *memCache { return &memCache{m: make(map[string]common.Address)} }

func (c *memCache) Get(_ context.Context, key string) (common.Address, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	addr, ok := c.m[key]
	return addr, ok, nil
}

func (c *memCache) Put(_ context.Context, key string, addr common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = addr
	return nil
}

// harness wires the services over fakes.
type harness struct {
	identity  *fakeIdentityProvider
	chain     *fakeChain
	bundler   *fakeBundler
	paymaster *fakePaymaster
	journal   *journal.Client
	auth      *Authenticator
	prov      *Provisioner
	ops       *Operations
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		identity:  &fakeIdentityProvider{key: newKey(t, ownerKeyHex)},
		chain:     &fakeChain{},
		bundler:   newFakeBundler(),
		paymaster: &fakePaymaster{},
		journal:   journal.NewClient(t.TempDir()),
	}
	log := zerolog.Nop()
	h.auth = NewAuthenticator(h.identity, &fakeAdapter{chainID: testChainID, chain: h.chain}, log)
	h.prov = NewProvisioner(h.bundler, newMemCache(), log)
	h.ops = NewOperations(h.bundler, h.paymaster, h.journal, OperationsConfig{
		EntryPoint:  userop.DefaultEntryPointAddress,
		ExplorerURL: "https://testnets.opensea.io",
	}, log)
	return h
}

func (h *harness) controller(startupErr error) *Controller {
	return NewController(h.auth, h.prov, h.ops, NewNotifier(), ControllerConfig{
		ChainID:     testChainID,
		EntryPoint:  userop.DefaultEntryPointAddress,
		Module:      testModule,
		NFTAddress:  testNFT,
		ExplorerURL: "https://testnets.opensea.io",
		StartupErr:  startupErr,
	}, zerolog.Nop())
}

// session logs in and provisions without going through a controller.
func (h *harness) session(t *testing.T) *domain.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := h.auth.Login(ctx, domain.LoginGoogle)
	require.NoError(t, err)
	account, err := h.prov.Provision(ctx, sess.Signer, testChainID, userop.DefaultEntryPointAddress, testModule)
	require.NoError(t, err)
	sess.Account = account
	return sess
}
