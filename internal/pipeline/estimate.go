package pipeline

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/mpetrun5/txpilot/internal/chain"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"go.uber.org/zap"
)

// EstimateOptions tune the gas estimate. The multiplier pads the raw
// estimate the same way a wallet would.
type EstimateOptions struct {
	GasMultiplier float64
}

func DefaultEstimateOptions() EstimateOptions {
	return EstimateOptions{GasMultiplier: 1.2}
}

// Estimator is the gas-estimation service: simulate first, then
// estimate. It never asks the endpoint for a gas estimate on a call whose
// simulation failed, so revert reasons surface instead of opaque
// "unpredictable gas limit" failures.
type Estimator struct {
	opts EstimateOptions
	log  *zap.Logger
}

func NewEstimator(opts EstimateOptions, log *zap.Logger) *Estimator {
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Estimator{opts: opts, log: log}
}

// Estimate runs the strict simulate-then-estimate sequence for the
// descriptor against the binding and combines gas and fee data into a
// GasEstimate.
func (e *Estimator) Estimate(ctx context.Context, b *chain.Binding, d OperationDescriptor) (*GasEstimate, error) {
	data, err := d.CallData(b.ABI)
	if err != nil {
		return nil, err
	}
	to := b.Address
	msg := ethereum.CallMsg{From: b.From(), To: &to, Value: d.value(), Data: data}

	// Dry run gates the estimate request.
	if _, err := b.Client.CallContract(ctx, msg, nil); err != nil {
		e.log.Debug("simulation failed", zap.String("method", d.Method), zap.Error(err))
		return nil, wrapRevertError("call would revert", err)
	}

	rawGas, err := b.Client.EstimateGas(ctx, msg)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindNetwork, "estimate gas", err)
	}
	gasLimit := uint64(float64(rawGas) * e.opts.GasMultiplier)
	if gasLimit == 0 {
		return nil, clierr.New(clierr.KindNetwork, "estimate gas returned zero")
	}

	tipCap, err := suggestTipCap(ctx, b)
	if err != nil {
		return nil, err
	}
	baseFee, err := latestBaseFee(ctx, b)
	if err != nil {
		return nil, err
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)

	total := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), feeCap)
	total.Add(total, d.value())

	estimate := &GasEstimate{
		GasLimit:  gasLimit,
		TipCap:    tipCap,
		FeeCap:    feeCap,
		BaseFee:   baseFee,
		TotalCost: total,
		CreatedAt: time.Now().UTC(),
	}
	e.log.Debug("estimated operation",
		zap.String("method", d.Method),
		zap.Uint64("gas_limit", gasLimit),
		zap.String("fee_cap_wei", feeCap.String()))
	return estimate, nil
}

func suggestTipCap(ctx context.Context, b *chain.Binding) (*big.Int, error) {
	tipCap, err := b.Client.SuggestGasTipCap(ctx)
	if err != nil {
		// Endpoints without eth_maxPriorityFeePerGas get a 2 gwei floor.
		return big.NewInt(2_000_000_000), nil
	}
	return tipCap, nil
}

func latestBaseFee(ctx context.Context, b *chain.Binding) (*big.Int, error) {
	header, err := b.Client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindNetwork, "fetch latest header", err)
	}
	if header.BaseFee == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return new(big.Int).Set(header.BaseFee), nil
}
