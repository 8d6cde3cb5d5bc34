package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
)

// Call is one read bundled into an aggregate batch-call.
type Call struct {
	Target   common.Address
	CallData []byte
}

// Aggregate executes the batched reads through the network's batch-call
// contract and returns the raw return data per call, in order.
func Aggregate(ctx context.Context, client *ethclient.Client, cfg NetworkConfig, calls []Call) ([][]byte, error) {
	if len(calls) == 0 {
		return nil, clierr.New(clierr.KindValidation, "aggregate requires at least one call")
	}
	type mcCall struct {
		Target   common.Address `abi:"target"`
		CallData []byte         `abi:"callData"`
	}
	packed := make([]mcCall, 0, len(calls))
	for _, call := range calls {
		packed = append(packed, mcCall{Target: call.Target, CallData: call.CallData})
	}
	input, err := MulticallABI.Pack("aggregate", packed)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindInternal, "pack aggregate calldata", err)
	}
	target := common.HexToAddress(cfg.Multicall)
	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &target, Data: input}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindNetwork, "execute aggregate read", err)
	}
	out, err := MulticallABI.Unpack("aggregate", raw)
	if err != nil || len(out) != 2 {
		return nil, clierr.Wrap(clierr.KindNetwork, "decode aggregate response", err)
	}
	returnData, ok := out[1].([][]byte)
	if !ok {
		return nil, clierr.New(clierr.KindNetwork, "invalid aggregate return data")
	}
	if len(returnData) != len(calls) {
		return nil, clierr.New(clierr.KindNetwork, "aggregate returned wrong call count")
	}
	return returnData, nil
}

// TokenPosition is the balance/allowance pair macro preflights read in a
// single aggregate call.
type TokenPosition struct {
	Balance   *big.Int
	Allowance *big.Int
}

// ReadTokenPosition fetches owner's balance and (owner → spender)
// allowance for token through the batch-call contract.
func ReadTokenPosition(ctx context.Context, client *ethclient.Client, cfg NetworkConfig, token, owner, spender common.Address) (TokenPosition, error) {
	balanceData, err := ERC20ABI.Pack("balanceOf", owner)
	if err != nil {
		return TokenPosition{}, clierr.Wrap(clierr.KindInternal, "pack balanceOf calldata", err)
	}
	allowanceData, err := ERC20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return TokenPosition{}, clierr.Wrap(clierr.KindInternal, "pack allowance calldata", err)
	}
	results, err := Aggregate(ctx, client, cfg, []Call{
		{Target: token, CallData: balanceData},
		{Target: token, CallData: allowanceData},
	})
	if err != nil {
		return TokenPosition{}, err
	}
	balance, err := unpackUint256(results[0], "balanceOf")
	if err != nil {
		return TokenPosition{}, err
	}
	allowance, err := unpackUint256(results[1], "allowance")
	if err != nil {
		return TokenPosition{}, err
	}
	return TokenPosition{Balance: balance, Allowance: allowance}, nil
}

func unpackUint256(data []byte, method string) (*big.Int, error) {
	out, err := ERC20ABI.Unpack(method, data)
	if err != nil || len(out) == 0 {
		return nil, clierr.Wrap(clierr.KindNetwork, "decode "+method+" response", err)
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.KindNetwork, "invalid "+method+" response")
	}
	return value, nil
}
