package service

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/pkg/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

func TestController_HappyPath(t *testing.T) {
	h := newHarness(t)
	c := h.controller(nil)
	ctx := context.Background()

	sess, err := c.Login(ctx, domain.LoginGoogle)
	require.NoError(t, err)
	require.NotNil(t, sess.Account)

	snap := c.Snapshot()
	assert.Equal(t, domain.StateConnected, snap.State)
	assert.False(t, snap.Busy)
	assert.Equal(t, domain.LoginGoogle, snap.Method)
	assert.Equal(t, sess.Account.Address.Hex(), snap.AccountAddress)

	result, err := c.Mint(ctx)
	require.NoError(t, err)
	assert.Regexp(t, txHashPattern, result.TransactionHash)
	assert.Equal(t, "https://testnets.opensea.io/"+sess.Account.Address.Hex(), result.ExplorerURL)

	snap = c.Snapshot()
	assert.Equal(t, domain.StateMinted, snap.State)
	assert.False(t, snap.Busy)
	assert.Equal(t, result, snap.LastResult)
	assert.Empty(t, snap.LastError)

	// minting again from minted is allowed
	_, err = c.Mint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.bundler.sentCount())
}

func TestController_PaymasterUnreachable(t *testing.T) {
	h := newHarness(t)
	h.paymaster.err = errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
	c := h.controller(nil)
	ctx := context.Background()

	_, err := c.Login(ctx, domain.LoginGoogle)
	require.NoError(t, err)

	_, err = c.Mint(ctx)
	require.ErrorIs(t, err, domain.ErrSponsor)

	snap := c.Snapshot()
	assert.Equal(t, domain.StateConnected, snap.State)
	assert.False(t, snap.Busy)
	assert.NotEmpty(t, snap.LastError)
	assert.Equal(t, 0, h.bundler.sentCount())

	entries, err := h.journal.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.StatusFailed, entries[0].Status)
	assert.False(t, entries[0].Submitted)
}

func TestController_LoginCancelled(t *testing.T) {
	h := newHarness(t)
	h.identity.err = domain.ErrLoginCancelled
	c := h.controller(nil)

	_, err := c.Login(context.Background(), domain.LoginApple)
	require.ErrorIs(t, err, domain.ErrAuth)
	assert.ErrorIs(t, err, domain.ErrLoginCancelled)

	snap := c.Snapshot()
	assert.Equal(t, domain.StateIdle, snap.State)
	assert.False(t, snap.Busy)
	assert.Empty(t, snap.AccountAddress)
	assert.NotEmpty(t, snap.LastError)
}

func TestController_ProvisionFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.bundler.entryPoints = nil
	c := h.controller(nil)

	_, err := c.Login(context.Background(), domain.LoginFacebook)
	require.ErrorIs(t, err, domain.ErrProvision)
	assert.Equal(t, domain.StateIdle, c.Snapshot().State)
}

func TestController_BusyRejectsReentrantMint(t *testing.T) {
	h := newHarness(t)
	h.bundler.release = make(chan struct{})
	c := h.controller(nil)
	ctx := context.Background()

	_, err := c.Login(ctx, domain.LoginGoogle)
	require.NoError(t, err)

	require.NoError(t, c.MintAsync(ctx))
	snap := c.Snapshot()
	assert.True(t, snap.Busy)
	assert.Equal(t, domain.StateMinting, snap.State)

	_, err = c.Mint(ctx)
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.ErrorIs(t, c.MintAsync(ctx), domain.ErrBusy)
	_, err = c.Login(ctx, domain.LoginGoogle)
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.ErrorIs(t, c.Logout(), domain.ErrBusy)

	close(h.bundler.release)
	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return s.State == domain.StateMinted && !s.Busy
	}, 5*time.Second, 10*time.Millisecond)

	// only the first mint created an operation
	entries, err := h.journal.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, h.paymaster.callCount())
}

func TestController_BusyWhileConnecting(t *testing.T) {
	tests := []struct {
		name      string
		result    error
		wantState domain.State
	}{
		{"login succeeds", nil, domain.StateConnected},
		{"login fails", domain.ErrLoginCancelled, domain.StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.identity.release = make(chan error, 1)
			c := h.controller(nil)
			ctx := context.Background()

			require.NoError(t, c.LoginAsync(ctx, domain.LoginGoogle))
			snap := c.Snapshot()
			assert.Equal(t, domain.StateConnecting, snap.State)
			assert.True(t, snap.Busy)

			_, err := c.Login(ctx, domain.LoginGoogle)
			assert.ErrorIs(t, err, domain.ErrBusy)
			assert.ErrorIs(t, c.LoginAsync(ctx, domain.LoginApple), domain.ErrBusy)
			_, err = c.Mint(ctx)
			assert.ErrorIs(t, err, domain.ErrBusy)
			assert.ErrorIs(t, c.MintAsync(ctx), domain.ErrBusy)
			assert.ErrorIs(t, c.Logout(), domain.ErrBusy)

			require.Eventually(t, func() bool { return h.identity.callCount() == 1 }, 5*time.Second, 10*time.Millisecond)
			snap = c.Snapshot()
			assert.Equal(t, domain.StateConnecting, snap.State)
			assert.True(t, snap.Busy)

			h.identity.release <- tt.result
			require.Eventually(t, func() bool {
				s := c.Snapshot()
				return s.State == tt.wantState && !s.Busy
			}, 5*time.Second, 10*time.Millisecond)

			assert.Equal(t, 1, h.identity.callCount())
			assert.Equal(t, 0, h.paymaster.callCount())
			if tt.result != nil {
				assert.NotEmpty(t, c.Snapshot().LastError)
				assert.Empty(t, c.Snapshot().AccountAddress)
			} else {
				assert.NotEmpty(t, c.Snapshot().AccountAddress)
			}
		})
	}
}

func TestController_LoginWhileConnectedIsNoop(t *testing.T) {
	h := newHarness(t)
	c := h.controller(nil)
	ctx := context.Background()

	first, err := c.Login(ctx, domain.LoginGoogle)
	require.NoError(t, err)
	second, err := c.Login(ctx, domain.LoginApple)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, h.identity.callCount())
	assert.Equal(t, domain.LoginGoogle, c.Snapshot().Method)
}

func TestController_MintRequiresSession(t *testing.T) {
	h := newHarness(t)
	c := h.controller(nil)

	_, err := c.Mint(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoSession)
	assert.Equal(t, domain.StateIdle, c.Snapshot().State)
}

func TestController_StartupError(t *testing.T) {
	h := newHarness(t)
	c := h.controller(errors.New("BUNDLER_URL is required"))

	snap := c.Snapshot()
	assert.Equal(t, domain.StateError, snap.State)
	assert.Contains(t, snap.LastError, "BUNDLER_URL")

	_, err := c.Login(context.Background(), domain.LoginGoogle)
	assert.ErrorIs(t, err, domain.ErrConfig)
	_, err = c.Mint(context.Background())
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.Equal(t, 0, h.identity.callCount())
}

func TestController_Logout(t *testing.T) {
	h := newHarness(t)
	c := h.controller(nil)
	ctx := context.Background()

	_, err := c.Login(ctx, domain.LoginGoogle)
	require.NoError(t, err)
	require.NoError(t, c.Logout())

	snap := c.Snapshot()
	assert.Equal(t, domain.StateIdle, snap.State)
	assert.Empty(t, snap.AccountAddress)

	_, err = c.Mint(ctx)
	assert.ErrorIs(t, err, domain.ErrNoSession)
}

func TestController_PublishesNotifications(t *testing.T) {
	h := newHarness(t)
	h.paymaster.err = errors.New("paymaster down")
	c := h.controller(nil)
	events, cancel := c.Notifier().Subscribe()
	defer cancel()
	ctx := context.Background()

	_, err := c.Login(ctx, domain.LoginGoogle)
	require.NoError(t, err)
	_, _ = c.Mint(ctx)

	var levels []domain.NotificationLevel
	var states []domain.State
	for len(events) > 0 {
		ev := <-events
		switch ev.Type {
		case "notification":
			levels = append(levels, ev.Notification.Level)
		case "state":
			states = append(states, ev.Snapshot.State)
		}
	}
	assert.Equal(t, []domain.NotificationLevel{domain.NotifyInfo, domain.NotifyInfo, domain.NotifyError}, levels)
	assert.Equal(t, []domain.State{domain.StateConnecting, domain.StateConnected, domain.StateMinting, domain.StateConnected}, states)
}
