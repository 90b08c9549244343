package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ControllerConfig holds what the controller needs beyond its collaborators.
type ControllerConfig struct {
	ChainID     *big.Int
	EntryPoint  common.Address
	Module      domain.ValidationModuleConfig
	NFTAddress  common.Address
	ExplorerURL string

	// StartupErr is a configuration error detected before construction. A
	// controller built with it stays in the error state.
	StartupErr error
}

// Controller sequences login and mint for one user and exposes the result
// as a state machine. At most one action runs at a time.
type Controller struct {
	auth     *Authenticator
	prov     *Provisioner
	ops      *Operations
	notifier *Notifier
	cfg      ControllerConfig
	log      zerolog.Logger
	now      func() time.Time

	mu         sync.Mutex
	state      domain.State
	busy       bool
	session    *domain.Session
	lastResult *domain.MintResult
	lastErr    string
}

func NewController(auth *Authenticator, prov *Provisioner, ops *Operations, notifier *Notifier, cfg ControllerConfig, log zerolog.Logger) *Controller {
	if notifier == nil {
		notifier = NewNotifier()
	}
	c := &Controller{
		auth:     auth,
		prov:     prov,
		ops:      ops,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With().Str("component", "controller").Logger(),
		now:      time.Now,
		state:    domain.StateIdle,
	}
	if cfg.StartupErr != nil {
		c.state = domain.StateError
		c.lastErr = domain.UserMessage(domain.Wrap(domain.ErrConfig, "startup", cfg.StartupErr))
		c.log.Error().Err(cfg.StartupErr).Msg("controller started with invalid configuration")
	}
	return c
}

// Notifier returns the event hub of the controller.
func (c *Controller) Notifier() *Notifier {
	return c.notifier
}

// Snapshot returns the current view of the controller.
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() domain.Snapshot {
	s := domain.Snapshot{
		State:      c.state,
		Busy:       c.busy,
		LastResult: c.lastResult,
		LastError:  c.lastErr,
	}
	if c.session != nil {
		s.Method = c.session.Method
		if c.session.Signer != nil {
			s.Owner = c.session.Signer.Address().Hex()
		}
		if c.session.Account != nil {
			s.AccountAddress = c.session.Account.Address.Hex()
			s.ExplorerURL = AccountURL(c.cfg.ExplorerURL, c.session.Account.Address)
		}
	}
	return s
}

// Login authenticates with method and provisions the smart account. While a
// session exists it is a no-op returning that session.
func (c *Controller) Login(ctx context.Context, method domain.LoginMethod) (*domain.Session, error) {
	sess, started, err := c.beginLogin()
	if err != nil || !started {
		return sess, err
	}
	return c.runLogin(ctx, method)
}

// LoginAsync is Login with the workflow running in the background. Busy and
// state checks happen before it returns.
func (c *Controller) LoginAsync(ctx context.Context, method domain.LoginMethod) error {
	_, started, err := c.beginLogin()
	if err != nil || !started {
		return err
	}
	go func() { _, _ = c.runLogin(ctx, method) }()
	return nil
}

func (c *Controller) beginLogin() (*domain.Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return nil, false, err
	}
	if c.session != nil {
		return c.session, false, nil
	}
	c.busy = true
	c.state = domain.StateConnecting
	c.lastErr = ""
	c.publishStateLocked()
	return nil, true, nil
}

func (c *Controller) runLogin(ctx context.Context, method domain.LoginMethod) (sess *domain.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Wrap(domain.ErrAuth, "login", fmt.Errorf("panic: %v", r))
		}
		c.finishLogin(sess, err)
	}()

	sess, err = c.auth.Login(ctx, method)
	if err != nil {
		return nil, err
	}
	account, err := c.prov.Provision(ctx, sess.Signer, c.cfg.ChainID, c.cfg.EntryPoint, c.cfg.Module)
	if err != nil {
		return nil, err
	}
	sess.Account = account
	return sess, nil
}

func (c *Controller) finishLogin(sess *domain.Session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publishStateLocked()

	c.busy = false
	if err != nil {
		c.state = domain.StateIdle
		c.session = nil
		c.failLocked("login failed", err)
		return
	}
	c.session = sess
	c.state = domain.StateConnected
	c.notifyLocked(domain.NotifyInfo, "Connected. Smart account "+sess.Account.Address.Hex())
}

// Mint mints one NFT to the session's smart account and waits for it to be
// confirmed. Re-entrant calls while an action runs fail with ErrBusy and
// create no operation.
func (c *Controller) Mint(ctx context.Context) (*domain.MintResult, error) {
	sess, err := c.beginMint()
	if err != nil {
		return nil, err
	}
	return c.runMint(ctx, sess)
}

// MintAsync is Mint with the workflow running in the background.
func (c *Controller) MintAsync(ctx context.Context) error {
	sess, err := c.beginMint()
	if err != nil {
		return err
	}
	go func() { _, _ = c.runMint(ctx, sess) }()
	return nil
}

func (c *Controller) beginMint() (*domain.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return nil, err
	}
	if c.session == nil || c.session.Account == nil {
		return nil, domain.ErrNoSession
	}
	if c.state != domain.StateConnected && c.state != domain.StateMinted {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidState, c.state)
	}
	c.busy = true
	c.state = domain.StateMinting
	c.lastErr = ""
	c.notifyLocked(domain.NotifyInfo, "Minting your NFT...")
	c.publishStateLocked()
	return c.session, nil
}

func (c *Controller) runMint(ctx context.Context, sess *domain.Session) (result *domain.MintResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Wrap(domain.ErrSubmission, "mint", fmt.Errorf("panic: %v", r))
		}
		c.finishMint(result, err)
	}()

	// The NFT goes to the smart account itself.
	recipient := sess.Account.Address
	op, err := c.ops.BuildMint(ctx, sess, c.cfg.NFTAddress, recipient)
	if err != nil {
		return nil, err
	}
	if err := c.ops.Sponsor(ctx, op); err != nil {
		return nil, err
	}
	if err := c.ops.Submit(ctx, sess, op); err != nil {
		return nil, err
	}
	return c.ops.AwaitConfirmation(ctx, op)
}

func (c *Controller) finishMint(result *domain.MintResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publishStateLocked()

	c.busy = false
	if err != nil {
		c.state = domain.StateConnected
		c.failLocked("mint failed", err)
		return
	}
	c.state = domain.StateMinted
	c.lastResult = result
	c.notifyLocked(domain.NotifySuccess, "Success! Here is your transaction: "+result.TransactionHash)
}

// Logout drops the session and returns to idle.
func (c *Controller) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return err
	}
	if c.session == nil {
		return nil
	}
	c.session = nil
	c.lastResult = nil
	c.lastErr = ""
	c.state = domain.StateIdle
	c.notifyLocked(domain.NotifyInfo, "Logged out")
	c.publishStateLocked()
	return nil
}

// Ready returns the startup error of a controller stuck in the error state.
func (c *Controller) Ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyLocked()
}

func (c *Controller) readyLocked() error {
	if c.state == domain.StateError {
		return domain.Wrap(domain.ErrConfig, "startup", c.cfg.StartupErr)
	}
	return nil
}

func (c *Controller) guardLocked() error {
	if err := c.readyLocked(); err != nil {
		return err
	}
	if c.busy {
		return domain.ErrBusy
	}
	return nil
}

func (c *Controller) failLocked(msg string, err error) {
	c.lastErr = domain.UserMessage(err)
	c.log.Error().Err(err).Str("state", string(c.state)).Msg(msg)
	c.notifyLocked(domain.NotifyError, c.lastErr)
}

func (c *Controller) notifyLocked(level domain.NotificationLevel, msg string) {
	c.notifier.Publish(domain.Event{
		Type:         "notification",
		Notification: &domain.Notification{Level: level, Message: msg, Time: c.now()},
	})
}

func (c *Controller) publishStateLocked() {
	snap := c.snapshotLocked()
	c.notifier.Publish(domain.Event{Type: "state", Snapshot: &snap})
}
