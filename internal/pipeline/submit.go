package pipeline

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mpetrun5/txpilot/internal/chain"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"go.uber.org/zap"
)

// SubmitOptions bound the receipt wait. The receipt timeout is the only
// enforced upper bound in the pipeline; all other calls rely on the
// endpoint's own timeouts.
type SubmitOptions struct {
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

func DefaultSubmitOptions() SubmitOptions {
	return SubmitOptions{
		PollInterval:   2 * time.Second,
		ReceiptTimeout: 5 * time.Minute,
	}
}

// Submitter broadcasts confirmed estimates. It re-simulates before
// sending (chain state may have drifted since estimation) and always
// exposes the transaction hash once broadcast, even when the finality
// wait fails.
type Submitter struct {
	opts SubmitOptions
	log  *zap.Logger
}

func NewSubmitter(opts SubmitOptions, log *zap.Logger) *Submitter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{opts: opts, log: log}
}

// Submit signs and broadcasts the operation with the supplied gas
// parameters. When waitForFinality is set it blocks for inclusion up to
// the configured timeout. The returned record is non-nil whenever the
// transaction was broadcast, regardless of the error.
func (s *Submitter) Submit(ctx context.Context, b *chain.Binding, d OperationDescriptor, estimate *GasEstimate, waitForFinality bool) (*TransactionRecord, error) {
	if estimate == nil {
		return nil, clierr.New(clierr.KindValidation, "submit requires a confirmed gas estimate")
	}
	if b.Mode != chain.ModeSigning || b.Key == nil {
		return nil, clierr.New(clierr.KindWallet, "submission requires a signing binding")
	}
	data, err := d.CallData(b.ABI)
	if err != nil {
		return nil, err
	}
	to := b.Address
	msg := ethereum.CallMsg{From: b.From(), To: &to, Value: d.value(), Data: data}

	// State may have drifted since the estimate was produced.
	if _, err := b.Client.CallContract(ctx, msg, nil); err != nil {
		return nil, wrapRevertError("call would revert", err)
	}

	nonce, err := b.Client.PendingNonceAt(ctx, b.From())
	if err != nil {
		return nil, clierr.Wrap(clierr.KindNetwork, "fetch nonce", err)
	}
	chainID := b.Network.ChainID
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   bigInt(chainID),
		Nonce:     nonce,
		GasTipCap: estimate.TipCap,
		GasFeeCap: estimate.FeeCap,
		Gas:       estimate.GasLimit,
		To:        &to,
		Value:     d.value(),
		Data:      data,
	})
	signed, err := b.Key.SignTx(bigInt(chainID), tx)
	if err != nil {
		return nil, err
	}
	if err := b.Client.SendTransaction(ctx, signed); err != nil {
		return nil, clierr.Wrap(clierr.KindNetwork, "broadcast transaction", err)
	}

	record := &TransactionRecord{
		ID:        NewRecordID(),
		Network:   b.Network.CacheKey(),
		Contract:  b.Address.Hex(),
		Method:    d.Method,
		Hash:      signed.Hash().Hex(),
		Outcome:   OutcomePending,
		Estimate:  estimate,
		CreatedAt: time.Now().UTC(),
	}
	s.log.Debug("broadcast transaction",
		zap.String("hash", record.Hash),
		zap.String("method", d.Method))

	if !waitForFinality {
		return record, nil
	}
	return s.waitForReceipt(ctx, b, record, signed)
}

func (s *Submitter) waitForReceipt(ctx context.Context, b *chain.Binding, record *TransactionRecord, signed *types.Transaction) (*TransactionRecord, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := b.Client.TransactionReceipt(waitCtx, signed.Hash())
		if err == nil && receipt != nil {
			record.FinalizedAt = time.Now().UTC()
			if receipt.Status == types.ReceiptStatusSuccessful {
				record.Outcome = OutcomeConfirmed
				return record, nil
			}
			record.Outcome = OutcomeReverted
			record.Error = "transaction mined but reverted"
			return record, clierr.New(clierr.KindContract, "transaction mined but reverted")
		}
		// Transient polling failures are ignored until the deadline.
		select {
		case <-waitCtx.Done():
			record.FinalizedAt = time.Now().UTC()
			record.Outcome = OutcomeUnknown
			record.Error = "confirmation unknown: receipt wait timed out"
			return record, clierr.Wrap(clierr.KindTimeout, "receipt wait timed out; transaction may still land", waitCtx.Err())
		case <-ticker.C:
		}
	}
}
