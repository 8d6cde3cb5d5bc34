package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mpetrun5/txpilot/internal/chain"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
)

func estimateFor(t *testing.T, rpc *fakeRPC, binding *chain.Binding) *GasEstimate {
	t.Helper()
	est := NewEstimator(DefaultEstimateOptions(), nil)
	estimate, err := est.Estimate(context.Background(), binding, transferDescriptor())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	return estimate
}

func fastSubmitOptions() SubmitOptions {
	return SubmitOptions{PollInterval: 10 * time.Millisecond, ReceiptTimeout: time.Second}
}

func TestSubmitterConfirms(t *testing.T) {
	rpc := newFakeRPC(t)
	binding := newSigningBinding(t, rpc)
	estimate := estimateFor(t, rpc, binding)

	sub := NewSubmitter(fastSubmitOptions(), nil)
	record, err := sub.Submit(context.Background(), binding, transferDescriptor(), estimate, true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if record.Outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s", record.Outcome)
	}
	if record.Hash == "" || !strings.HasPrefix(record.Hash, "0x") {
		t.Fatalf("expected a transaction hash, got %q", record.Hash)
	}
	if !strings.HasPrefix(record.ID, "tx_") {
		t.Fatalf("unexpected record id %q", record.ID)
	}
	if record.Network != "ethereum" || record.Method != "transfer" {
		t.Fatalf("record metadata wrong: %+v", record)
	}
	if record.FinalizedAt.IsZero() {
		t.Fatal("expected finalization timestamp")
	}
	if rpc.calls("eth_sendRawTransaction") != 1 {
		t.Fatalf("expected one broadcast, got %d", rpc.calls("eth_sendRawTransaction"))
	}
}

func TestSubmitterNoWaitLeavesPending(t *testing.T) {
	rpc := newFakeRPC(t)
	binding := newSigningBinding(t, rpc)
	estimate := estimateFor(t, rpc, binding)

	sub := NewSubmitter(fastSubmitOptions(), nil)
	record, err := sub.Submit(context.Background(), binding, transferDescriptor(), estimate, false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if record.Outcome != OutcomePending {
		t.Fatalf("expected pending, got %s", record.Outcome)
	}
	if rpc.calls("eth_getTransactionReceipt") != 0 {
		t.Fatal("no-wait submission must not poll for receipts")
	}
}

func TestSubmitterRevertedReceipt(t *testing.T) {
	rpc := newFakeRPC(t)
	rpc.receiptStatus = "0x0"
	binding := newSigningBinding(t, rpc)
	estimate := estimateFor(t, rpc, binding)

	sub := NewSubmitter(fastSubmitOptions(), nil)
	record, err := sub.Submit(context.Background(), binding, transferDescriptor(), estimate, true)
	if !clierr.Is(err, clierr.KindContract) {
		t.Fatalf("expected contract error for reverted tx, got %v", err)
	}
	if record == nil {
		t.Fatal("record must survive a revert so the caller keeps the hash")
	}
	if record.Outcome != OutcomeReverted {
		t.Fatalf("expected reverted, got %s", record.Outcome)
	}
}

func TestSubmitterReceiptTimeout(t *testing.T) {
	rpc := newFakeRPC(t)
	rpc.receiptFound = false
	binding := newSigningBinding(t, rpc)
	estimate := estimateFor(t, rpc, binding)

	sub := NewSubmitter(SubmitOptions{PollInterval: 5 * time.Millisecond, ReceiptTimeout: 30 * time.Millisecond}, nil)
	record, err := sub.Submit(context.Background(), binding, transferDescriptor(), estimate, true)
	if !clierr.Is(err, clierr.KindTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if record == nil || record.Hash == "" {
		t.Fatal("timed-out submission must still expose the broadcast hash")
	}
	if record.Outcome != OutcomeUnknown {
		t.Fatalf("expected unknown outcome, got %s", record.Outcome)
	}
}

func TestSubmitterRequiresEstimate(t *testing.T) {
	rpc := newFakeRPC(t)
	binding := newSigningBinding(t, rpc)
	sub := NewSubmitter(fastSubmitOptions(), nil)

	_, err := sub.Submit(context.Background(), binding, transferDescriptor(), nil, true)
	if !clierr.Is(err, clierr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitterRequiresSigningBinding(t *testing.T) {
	rpc := newFakeRPC(t)
	binding := newSigningBinding(t, rpc)
	estimate := estimateFor(t, rpc, binding)

	readOnly := *binding
	readOnly.Mode = chain.ModeRead
	readOnly.Key = nil

	sub := NewSubmitter(fastSubmitOptions(), nil)
	_, err := sub.Submit(context.Background(), &readOnly, transferDescriptor(), estimate, true)
	if !clierr.Is(err, clierr.KindWallet) {
		t.Fatalf("expected wallet error, got %v", err)
	}
	if rpc.calls("eth_sendRawTransaction") != 0 {
		t.Fatal("read binding must never broadcast")
	}
}

func TestSubmitterResimulatesBeforeBroadcast(t *testing.T) {
	rpc := newFakeRPC(t)
	binding := newSigningBinding(t, rpc)
	estimate := estimateFor(t, rpc, binding)

	// State drifted after the estimate: the pre-broadcast check reverts.
	rpc.callErrData = encodeRevertReason("allowance consumed")

	sub := NewSubmitter(fastSubmitOptions(), nil)
	record, err := sub.Submit(context.Background(), binding, transferDescriptor(), estimate, true)
	if !clierr.Is(err, clierr.KindSimulation) {
		t.Fatalf("expected simulation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "allowance consumed") {
		t.Fatalf("expected decoded revert reason, got %q", err.Error())
	}
	if record != nil {
		t.Fatal("nothing was broadcast, so no record should exist")
	}
	if rpc.calls("eth_sendRawTransaction") != 0 {
		t.Fatal("failed re-simulation must block the broadcast")
	}
}
