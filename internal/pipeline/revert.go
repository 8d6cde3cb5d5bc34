package pipeline

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
)

// errorStringSelector is the 4-byte selector of Error(string), the
// revert shape produced by require/revert with a reason.
var errorStringSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// dataError is the shape go-ethereum's rpc package gives JSON-RPC errors
// that carry revert data.
type dataError interface {
	Error() string
	ErrorData() interface{}
}

// wrapRevertError converts a failed simulation into a typed simulation
// error carrying the decoded revert reason, so callers see the real
// cause instead of an opaque estimation failure.
func wrapRevertError(message string, cause error) error {
	if reason := decodeRevertFromError(cause); reason != "" {
		return clierr.Wrap(clierr.KindSimulation, fmt.Sprintf("%s: %s", message, reason), cause)
	}
	return clierr.Wrap(clierr.KindSimulation, message, cause)
}

func decodeRevertFromError(err error) string {
	var de dataError
	if !asDataError(err, &de) {
		return ""
	}
	raw, ok := de.ErrorData().(string)
	if !ok {
		return ""
	}
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	data, decodeErr := hex.DecodeString(clean)
	if decodeErr != nil {
		return ""
	}
	return decodeRevertData(data)
}

func decodeRevertData(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if len(data) >= 4 && string(data[:4]) == string(errorStringSelector) {
		if reason := unpackErrorString(data[4:]); reason != "" {
			return reason
		}
	}
	if len(data) >= 4 {
		return fmt.Sprintf("custom error %s", "0x"+common.Bytes2Hex(data[:4]))
	}
	return "0x" + common.Bytes2Hex(data)
}

// unpackErrorString decodes the abi-encoded (offset, length, bytes)
// string payload without round-tripping through a parsed ABI.
func unpackErrorString(payload []byte) string {
	if len(payload) < 64 {
		return ""
	}
	length := new(big.Int).SetBytes(payload[32:64])
	if !length.IsInt64() {
		return ""
	}
	n := int(length.Int64())
	if n <= 0 || 64+n > len(payload) {
		return ""
	}
	return string(payload[64 : 64+n])
}

func asDataError(err error, target *dataError) bool {
	for err != nil {
		if de, ok := err.(dataError); ok {
			*target = de
			return true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
