package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/based-aa/aa-minter/pkg/userop"
	"github.com/ethereum/go-ethereum/common"
)

// LoginMethod is a social-login method offered by the identity provider.
type LoginMethod string

const (
	LoginGoogle   LoginMethod = "google"
	LoginFacebook LoginMethod = "facebook"
	LoginApple    LoginMethod = "apple"
)

// LoginMethods lists the supported methods in display order.
var LoginMethods = []LoginMethod{LoginGoogle, LoginFacebook, LoginApple}

// ParseLoginMethod parses a login method name (case-insensitive).
func ParseLoginMethod(s string) (LoginMethod, error) {
	m := LoginMethod(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unsupported login method %q", s)
	}
	return m, nil
}

// Valid reports whether m is one of the supported methods.
func (m LoginMethod) Valid() bool {
	switch m {
	case LoginGoogle, LoginFacebook, LoginApple:
		return true
	}
	return false
}

// Identity is what the identity provider hands back after a login.
type Identity struct {
	Handle    string         // opaque provider token
	UserID    string         // provider user id
	Owner     common.Address // signing address controlled by the provider
	ChainID   *big.Int       // chain the identity was issued for, nil if unspecified
	ExpiresAt time.Time
	Signer    MessageSigner
}

// Session is the explicit context threaded through every workflow call. It
// is created on login and dropped on logout.
type Session struct {
	ID        string
	Method    LoginMethod
	Identity  *Identity
	Signer    SignerProvider
	Account   *SmartAccount
	CreatedAt time.Time
}

// ValidationModuleConfig selects the ownership validation scheme and the
// factory that deploys the account.
type ValidationModuleConfig struct {
	Module  common.Address // ECDSA ownership module
	Factory common.Address // account factory
	Index   uint64         // account index for the same owner
}

// SmartAccount is a counterfactual smart-contract account. Immutable once provisioned.
type SmartAccount struct {
	Address         common.Address
	Owner           common.Address
	ChainID         *big.Int
	EntryPoint      common.Address
	Module          common.Address
	Factory         common.Address
	ModuleSetupData []byte
	Index           uint64
}

// OpStatus is the lifecycle status of a pending operation.
type OpStatus string

const (
	OpBuilt     OpStatus = "built"
	OpSponsored OpStatus = "sponsored"
	OpSubmitted OpStatus = "submitted"
	OpConfirmed OpStatus = "confirmed"
	OpFailed    OpStatus = "failed"
)

var opTransitions = map[OpStatus][]OpStatus{
	OpBuilt:     {OpSponsored, OpFailed},
	OpSponsored: {OpSubmitted, OpFailed},
	OpSubmitted: {OpConfirmed, OpFailed},
}

// Terminal reports whether no further transition is possible.
func (s OpStatus) Terminal() bool {
	return s == OpConfirmed || s == OpFailed
}

// PaymasterMode is the sponsorship mode requested from the paymaster.
type PaymasterMode string

const PaymasterSponsored PaymasterMode = "SPONSORED"

// SponsorshipRequest describes what is asked of the paymaster.
type SponsorshipRequest struct {
	Mode                PaymasterMode
	SmartAccountName    string
	SmartAccountVersion string
	CalculateGasLimits  bool
}

// Sponsorship is the paymaster's answer merged into the operation.
type Sponsorship struct {
	PaymasterAndData     []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
}

// PendingOperation is one mint attempt. It is never reused.
type PendingOperation struct {
	ID          string
	Account     *SmartAccount
	Target      common.Address
	Recipient   common.Address
	UserOp      *userop.UserOperation
	Sponsorship *Sponsorship
	Status      OpStatus
	UserOpHash  common.Hash
	TxHash      common.Hash
	Err         error
	CreatedAt   time.Time
}

// Advance moves the operation to next, rejecting anything outside
// built → sponsored → submitted → confirmed|failed.
func (op *PendingOperation) Advance(next OpStatus) error {
	for _, allowed := range opTransitions[op.Status] {
		if allowed == next {
			op.Status = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, next)
}

// Fail marks a non-terminal operation failed and records the cause.
func (op *PendingOperation) Fail(cause error) {
	if op.Status.Terminal() {
		return
	}
	op.Status = OpFailed
	op.Err = cause
}

// UserOpReceipt is the bundler's execution report for a user operation.
type UserOpReceipt struct {
	UserOpHash      common.Hash
	Sender          common.Address
	Paymaster       common.Address
	Success         bool
	Reason          string
	ActualGasCost   *big.Int
	ActualGasUsed   *big.Int
	TransactionHash common.Hash
	BlockNumber     uint64
}

// MintResult is surfaced to the UI once the mint is confirmed.
type MintResult struct {
	OperationID     string    `json:"operation_id"`
	TransactionHash string    `json:"transaction_hash"`
	UserOpHash      string    `json:"user_op_hash"`
	AccountAddress  string    `json:"account_address"`
	ExplorerURL     string    `json:"explorer_url"`
	ConfirmedAt     time.Time `json:"confirmed_at"`
}

// State is the UI controller state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateMinting    State = "minting"
	StateMinted     State = "minted"
	StateError      State = "error"
)

// Snapshot is a read-only view of the controller for rendering.
type Snapshot struct {
	State          State       `json:"state"`
	Busy           bool        `json:"busy"`
	Method         LoginMethod `json:"method,omitempty"`
	Owner          string      `json:"owner,omitempty"`
	AccountAddress string      `json:"account_address,omitempty"`
	ExplorerURL    string      `json:"explorer_url,omitempty"`
	LastResult     *MintResult `json:"last_result,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
}

// NotificationLevel classifies a user-visible notification.
type NotificationLevel string

const (
	NotifyInfo    NotificationLevel = "info"
	NotifySuccess NotificationLevel = "success"
	NotifyError   NotificationLevel = "error"
)

// Notification is a transient, non-blocking message for the user.
type Notification struct {
	Level   NotificationLevel `json:"level"`
	Message string            `json:"message"`
	Time    time.Time         `json:"time"`
}

// Event is what controller subscribers receive.
type Event struct {
	Type         string        `json:"type"` // "state" or "notification"
	Snapshot     *Snapshot     `json:"snapshot,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}
