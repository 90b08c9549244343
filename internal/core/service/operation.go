package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/pkg/journal"
	"github.com/based-aa/aa-minter/pkg/userop"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Gas limits used until the paymaster computes real ones.
var (
	defaultCallGasLimit            = big.NewInt(500_000)
	defaultVerificationGasLimit    = big.NewInt(100_000)
	deploymentVerificationGasLimit = big.NewInt(500_000)
	defaultPreVerificationGas      = big.NewInt(100_000)
)

// DefaultSponsorship asks for full sponsorship of a single-owner account.
var DefaultSponsorship = domain.SponsorshipRequest{
	Mode:                domain.PaymasterSponsored,
	SmartAccountName:    "BICONOMY",
	SmartAccountVersion: "2.0.0",
	CalculateGasLimits:  true,
}

// OperationsConfig configures the mint pipeline.
type OperationsConfig struct {
	EntryPoint    common.Address
	ExplorerURL   string
	Confirmations uint64
	Sponsorship   domain.SponsorshipRequest
}

// Operations builds, sponsors, submits and confirms mint operations.
type Operations struct {
	bundler   domain.Bundler
	paymaster domain.Paymaster
	journal   domain.OperationJournal
	cfg       OperationsConfig
	log       zerolog.Logger
	now       func() time.Time
}

func NewOperations(bundler domain.Bundler, paymaster domain.Paymaster, j domain.OperationJournal, cfg OperationsConfig, log zerolog.Logger) *Operations {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.Sponsorship.Mode == "" {
		cfg.Sponsorship = DefaultSponsorship
	}
	return &Operations{
		bundler:   bundler,
		paymaster: paymaster,
		journal:   j,
		cfg:       cfg,
		log:       log.With().Str("component", "operations").Logger(),
		now:       time.Now,
	}
}

// BuildMint prepares a user operation that mints target's NFT to recipient
// from the session's smart account.
func (o *Operations) BuildMint(ctx context.Context, sess *domain.Session, target, recipient common.Address) (*domain.PendingOperation, error) {
	wrap := func(op string, err error) error { return domain.Wrap(domain.ErrBuild, op, err) }

	if sess == nil || sess.Account == nil || sess.Signer == nil {
		return nil, wrap("build", domain.ErrNoSession)
	}
	account := sess.Account
	chain := sess.Signer.Chain()

	code, err := chain.CodeAt(ctx, account.Address, nil)
	if err != nil {
		return nil, wrap("account code", err)
	}
	deployed := len(code) > 0

	nonce, err := o.nonce(ctx, chain, account)
	if err != nil {
		return nil, wrap("nonce", err)
	}

	mint, err := userop.EncodeSafeMint(recipient)
	if err != nil {
		return nil, wrap("encode mint", err)
	}
	callData, err := userop.EncodeExecute(target, big.NewInt(0), mint)
	if err != nil {
		return nil, wrap("encode execute", err)
	}

	var initCode []byte
	verificationGas := defaultVerificationGasLimit
	if !deployed {
		initCode, err = userop.EncodeInitCode(account.Factory, account.Module, account.ModuleSetupData, new(big.Int).SetUint64(account.Index))
		if err != nil {
			return nil, wrap("encode init code", err)
		}
		verificationGas = deploymentVerificationGasLimit
	}

	tip, err := chain.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, wrap("gas tip", err)
	}
	maxFee, err := chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, wrap("gas price", err)
	}
	if maxFee.Cmp(tip) < 0 {
		maxFee = new(big.Int).Set(tip)
	}

	dummy, err := userop.DummySignature(account.Module)
	if err != nil {
		return nil, wrap("dummy signature", err)
	}

	op := &domain.PendingOperation{
		ID:        uuid.NewString(),
		Account:   account,
		Target:    target,
		Recipient: recipient,
		UserOp: &userop.UserOperation{
			Sender:               account.Address,
			Nonce:                nonce,
			InitCode:             initCode,
			CallData:             callData,
			CallGasLimit:         new(big.Int).Set(defaultCallGasLimit),
			VerificationGasLimit: new(big.Int).Set(verificationGas),
			PreVerificationGas:   new(big.Int).Set(defaultPreVerificationGas),
			MaxFeePerGas:         maxFee,
			MaxPriorityFeePerGas: tip,
			Signature:            dummy,
		},
		Status:    domain.OpBuilt,
		CreatedAt: o.now(),
	}
	if err := o.record(op); err != nil {
		return nil, wrap("journal", err)
	}

	o.log.Info().
		Str("op", op.ID).
		Str("sender", account.Address.Hex()).
		Str("nonce", nonce.String()).
		Bool("deployed", deployed).
		Msg("mint operation built")
	return op, nil
}

func (o *Operations) nonce(ctx context.Context, chain domain.ChainReader, account *domain.SmartAccount) (*big.Int, error) {
	data, err := userop.EncodeGetNonce(account.Address, big.NewInt(0))
	if err != nil {
		return nil, err
	}
	entryPoint := account.EntryPoint
	out, err := chain.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return userop.DecodeNonce(out)
}

// Sponsor fills paymasterAndData and the sponsored gas limits. Only a built
// operation can be sponsored; a paymaster failure fails the operation.
func (o *Operations) Sponsor(ctx context.Context, op *domain.PendingOperation) error {
	if op.Status != domain.OpBuilt || op.Sponsorship != nil {
		return domain.Wrap(domain.ErrSponsor, "sponsor", fmt.Errorf("%w: operation is %s", domain.ErrInvalidTransition, op.Status))
	}

	sp, err := o.paymaster.SponsorUserOperation(ctx, op.UserOp.Copy(), o.cfg.Sponsorship)
	if err == nil && (sp == nil || len(sp.PaymasterAndData) < common.AddressLength) {
		err = errors.New("paymaster returned no paymasterAndData")
	}
	if err != nil {
		return o.fail(op, domain.Wrap(domain.ErrSponsor, "sponsor", err))
	}

	op.UserOp.PaymasterAndData = common.CopyBytes(sp.PaymasterAndData)
	if sp.CallGasLimit != nil {
		op.UserOp.CallGasLimit = sp.CallGasLimit
	}
	if sp.VerificationGasLimit != nil {
		op.UserOp.VerificationGasLimit = sp.VerificationGasLimit
	}
	if sp.PreVerificationGas != nil {
		op.UserOp.PreVerificationGas = sp.PreVerificationGas
	}
	op.Sponsorship = sp
	if err := op.Advance(domain.OpSponsored); err != nil {
		return domain.Wrap(domain.ErrSponsor, "sponsor", err)
	}
	if err := o.record(op); err != nil {
		return o.fail(op, domain.Wrap(domain.ErrSponsor, "journal", err))
	}

	o.log.Info().Str("op", op.ID).Str("paymaster", op.UserOp.PaymasterAddress().Hex()).Msg("operation sponsored")
	return nil
}

// Submit signs the sponsored operation and hands it to the bundler. It fails
// closed for any status other than sponsored, and an operation is journaled
// as submitted before it is sent so it can never be sent twice.
func (o *Operations) Submit(ctx context.Context, sess *domain.Session, op *domain.PendingOperation) error {
	wrap := func(step string, err error) error { return domain.Wrap(domain.ErrSubmission, step, err) }

	if op.Status != domain.OpSponsored {
		if op.Status == domain.OpSubmitted || op.Status == domain.OpConfirmed {
			return wrap("submit", domain.ErrAlreadySubmitted)
		}
		return wrap("submit", fmt.Errorf("%w: operation is %s", domain.ErrInvalidTransition, op.Status))
	}
	if sess == nil || sess.Signer == nil {
		return wrap("submit", domain.ErrNoSession)
	}
	submitted, err := o.journal.WasSubmitted(op.ID)
	if err != nil {
		return wrap("journal", err)
	}
	if submitted {
		return wrap("submit", domain.ErrAlreadySubmitted)
	}

	hash, err := op.UserOp.Hash(o.cfg.EntryPoint, op.Account.ChainID)
	if err != nil {
		return o.fail(op, wrap("hash", err))
	}
	sig, err := sess.Signer.SignMessage(ctx, hash.Bytes())
	if err != nil {
		return o.fail(op, wrap("sign", err))
	}
	wrapped, err := userop.EncodeModuleSignature(userop.NormalizeV(sig), op.Account.Module)
	if err != nil {
		return o.fail(op, wrap("sign", err))
	}
	op.UserOp.Signature = wrapped
	op.UserOpHash = hash

	if err := op.Advance(domain.OpSubmitted); err != nil {
		return wrap("submit", err)
	}
	if err := o.record(op); err != nil {
		return o.fail(op, wrap("journal", err))
	}

	sent, err := o.bundler.SendUserOperation(ctx, op.UserOp, o.cfg.EntryPoint)
	if err != nil {
		return o.fail(op, wrap("send", err))
	}
	if sent != hash {
		o.log.Warn().Str("op", op.ID).Str("local", hash.Hex()).Str("bundler", sent.Hex()).Msg("bundler returned a different user operation hash")
		op.UserOpHash = sent
		if err := o.record(op); err != nil {
			o.log.Warn().Err(err).Str("op", op.ID).Msg("failed to journal bundler hash")
		}
	}

	o.log.Info().Str("op", op.ID).Str("user_op_hash", op.UserOpHash.Hex()).Msg("operation submitted")
	return nil
}

// AwaitConfirmation waits for the bundler receipt of a submitted operation.
func (o *Operations) AwaitConfirmation(ctx context.Context, op *domain.PendingOperation) (*domain.MintResult, error) {
	if op.Status != domain.OpSubmitted {
		return nil, domain.Wrap(domain.ErrSubmission, "confirm", fmt.Errorf("%w: operation is %s", domain.ErrInvalidTransition, op.Status))
	}

	receipt, err := o.bundler.WaitForReceipt(ctx, op.UserOpHash, o.cfg.Confirmations)
	if err != nil {
		return nil, o.fail(op, domain.Wrap(domain.ErrSubmission, "receipt", err))
	}
	if !receipt.Success {
		reason := receipt.Reason
		if reason == "" {
			reason = "execution reverted"
		}
		op.TxHash = receipt.TransactionHash
		return nil, o.fail(op, domain.Wrap(domain.ErrSubmission, "receipt", errors.New(reason)))
	}

	op.TxHash = receipt.TransactionHash
	if err := op.Advance(domain.OpConfirmed); err != nil {
		return nil, domain.Wrap(domain.ErrSubmission, "confirm", err)
	}
	if err := o.record(op); err != nil {
		o.log.Warn().Err(err).Str("op", op.ID).Msg("failed to journal confirmation")
	}

	result := &domain.MintResult{
		OperationID:     op.ID,
		TransactionHash: receipt.TransactionHash.Hex(),
		UserOpHash:      op.UserOpHash.Hex(),
		AccountAddress:  op.Account.Address.Hex(),
		ExplorerURL:     AccountURL(o.cfg.ExplorerURL, op.Account.Address),
		ConfirmedAt:     o.now(),
	}
	o.log.Info().Str("op", op.ID).Str("tx_hash", result.TransactionHash).Uint64("block", receipt.BlockNumber).Msg("mint confirmed")
	return result, nil
}

// AccountURL returns the explorer page of an account.
func AccountURL(base string, account common.Address) string {
	return strings.TrimRight(base, "/") + "/" + account.Hex()
}

func (o *Operations) fail(op *domain.PendingOperation, cause error) error {
	op.Fail(cause)
	if err := o.record(op); err != nil {
		o.log.Warn().Err(err).Str("op", op.ID).Msg("failed to journal failure")
	}
	o.log.Error().Err(cause).Str("op", op.ID).Msg("operation failed")
	return cause
}

func (o *Operations) record(op *domain.PendingOperation) error {
	entry := &journal.Entry{
		ID:        op.ID,
		Sender:    op.Account.Address.Hex(),
		Owner:     op.Account.Owner.Hex(),
		Target:    op.Target.Hex(),
		Recipient: op.Recipient.Hex(),
		Status:    string(op.Status),
		Submitted: op.Status == domain.OpSubmitted || op.Status == domain.OpConfirmed,
		CreatedAt: op.CreatedAt.UTC(),
	}
	if op.Account.ChainID != nil {
		entry.ChainID = op.Account.ChainID.String()
	}
	if op.UserOp != nil && op.UserOp.HasPaymaster() {
		entry.Paymaster = op.UserOp.PaymasterAddress().Hex()
	}
	if op.UserOpHash != (common.Hash{}) {
		entry.UserOpHash = op.UserOpHash.Hex()
	}
	if op.TxHash != (common.Hash{}) {
		entry.TxHash = op.TxHash.Hex()
	}
	if op.Err != nil {
		entry.Error = op.Err.Error()
	}
	return o.journal.Save(entry)
}
