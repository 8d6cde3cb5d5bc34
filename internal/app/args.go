package app

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mpetrun5/txpilot/internal/chain"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
)

// loadABI resolves the --abi flag: the built-in erc20 shorthand or a path
// to a JSON interface file.
func loadABI(spec string) (abi.ABI, error) {
	trimmed := strings.TrimSpace(spec)
	switch strings.ToLower(trimmed) {
	case "":
		return abi.ABI{}, clierr.New(clierr.KindValidation, "--abi is required (erc20 or a path to an ABI JSON file)")
	case "erc20":
		return chain.ERC20ABI, nil
	}
	buf, err := os.ReadFile(trimmed)
	if err != nil {
		return abi.ABI{}, clierr.Wrap(clierr.KindValidation, "read abi file", err)
	}
	parsed, err := abi.JSON(strings.NewReader(string(buf)))
	if err != nil {
		return abi.ABI{}, clierr.Wrap(clierr.KindValidation, "parse abi file", err)
	}
	return parsed, nil
}

// coerceArgs converts raw string arguments into the Go values the ABI
// packer expects for the named method, validating arity and each value
// against its declared type.
func coerceArgs(contractABI abi.ABI, method string, raw []string) ([]any, error) {
	m, ok := contractABI.Methods[method]
	if !ok {
		return nil, clierr.New(clierr.KindValidation, fmt.Sprintf("method %q is not in the contract interface", method))
	}
	if len(raw) != len(m.Inputs) {
		return nil, clierr.New(clierr.KindValidation,
			fmt.Sprintf("method %s expects %d argument(s), got %d", method, len(m.Inputs), len(raw)))
	}
	args := make([]any, 0, len(raw))
	for i, input := range m.Inputs {
		value, err := coerceArg(input.Type, raw[i])
		if err != nil {
			name := input.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			return nil, clierr.Wrap(clierr.KindValidation, fmt.Sprintf("argument %s (%s)", name, input.Type.String()), err)
		}
		args = append(args, value)
	}
	return args, nil
}

func coerceArg(t abi.Type, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch t.T {
	case abi.AddressTy:
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid address %q", raw)
		}
		return common.HexToAddress(raw), nil
	case abi.UintTy, abi.IntTy:
		value, ok := new(big.Int).SetString(raw, 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", raw)
		}
		if t.T == abi.UintTy && value.Sign() < 0 {
			return nil, fmt.Errorf("negative value %q for unsigned type", raw)
		}
		if t.Size <= 64 {
			return smallInt(t, value)
		}
		return value, nil
	case abi.BoolTy:
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bool %q", raw)
		}
		return value, nil
	case abi.StringTy:
		return raw, nil
	case abi.BytesTy:
		buf, err := hexutil.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid hex bytes %q", raw)
		}
		return buf, nil
	case abi.FixedBytesTy:
		buf, err := hexutil.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid hex bytes %q", raw)
		}
		if len(buf) != t.Size {
			return nil, fmt.Errorf("expected %d bytes, got %d", t.Size, len(buf))
		}
		if t.Size == 32 {
			var out [32]byte
			copy(out[:], buf)
			return out, nil
		}
		return nil, fmt.Errorf("unsupported fixed-bytes size %d", t.Size)
	default:
		return nil, fmt.Errorf("unsupported argument type %s", t.String())
	}
}

// smallInt maps integers that the packer expects as native Go types. The
// ABI encoder is strict about width, so big.Int only covers > 64 bits.
func smallInt(t abi.Type, value *big.Int) (any, error) {
	if t.T == abi.UintTy {
		if !value.IsUint64() {
			return nil, fmt.Errorf("value overflows uint%d", t.Size)
		}
		v := value.Uint64()
		switch t.Size {
		case 8:
			if v > 0xff {
				return nil, fmt.Errorf("value overflows uint8")
			}
			return uint8(v), nil
		case 16:
			if v > 0xffff {
				return nil, fmt.Errorf("value overflows uint16")
			}
			return uint16(v), nil
		case 32:
			if v > 0xffffffff {
				return nil, fmt.Errorf("value overflows uint32")
			}
			return uint32(v), nil
		case 64:
			return v, nil
		}
		return value, nil
	}
	if !value.IsInt64() {
		return nil, fmt.Errorf("value overflows int%d", t.Size)
	}
	v := value.Int64()
	switch t.Size {
	case 8:
		if v < -0x80 || v > 0x7f {
			return nil, fmt.Errorf("value overflows int8")
		}
		return int8(v), nil
	case 16:
		if v < -0x8000 || v > 0x7fff {
			return nil, fmt.Errorf("value overflows int16")
		}
		return int16(v), nil
	case 32:
		if v < -0x80000000 || v > 0x7fffffff {
			return nil, fmt.Errorf("value overflows int32")
		}
		return int32(v), nil
	case 64:
		return v, nil
	}
	return value, nil
}

// parseWei parses an optional wei amount flag.
func parseWei(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "0" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 0)
	if !ok || value.Sign() < 0 {
		return nil, clierr.New(clierr.KindValidation, fmt.Sprintf("invalid wei amount %q", raw))
	}
	return value, nil
}
