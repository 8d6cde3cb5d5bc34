package signer

import (
	"crypto/ecdsa"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
)

const (
	EnvPrivateKey           = "TXPILOT_PRIVATE_KEY"
	EnvPrivateKeyFile       = "TXPILOT_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "TXPILOT_KEYSTORE_PATH"
	EnvKeystorePassword     = "TXPILOT_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "TXPILOT_KEYSTORE_PASSWORD_FILE"
)

// Key is a resolved signing key. Opaque to the pipeline beyond its
// address and the ability to sign a transaction.
type Key struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func (k *Key) Address() common.Address { return k.address }

func (k *Key) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if k == nil || k.privateKey == nil {
		return nil, clierr.New(clierr.KindWallet, "signing key is not initialized")
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), k.privateKey)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindWallet, "sign transaction", err)
	}
	return signed, nil
}

// Accessor resolves the caller's signing key, or fails with a wallet
// error when no key is configured.
type Accessor func() (*Key, error)

// FromPrivateKey builds a key from a raw hex private key. Used by tests
// and programmatic callers.
func FromPrivateKey(hexKey string) (*Key, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if clean == "" {
		return nil, clierr.New(clierr.KindWallet, "empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindWallet, "parse private key", err)
	}
	pub, ok := pk.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, clierr.New(clierr.KindWallet, "invalid ECDSA public key")
	}
	return &Key{privateKey: pk, address: crypto.PubkeyToAddress(*pub)}, nil
}

// EnvAccessor resolves the signing key from the environment, trying the
// raw key, a key file, then an encrypted keystore, in that order.
func EnvAccessor() Accessor {
	return func() (*Key, error) {
		if raw := strings.TrimSpace(os.Getenv(EnvPrivateKey)); raw != "" {
			return FromPrivateKey(raw)
		}
		if path := strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)); path != "" {
			buf, err := os.ReadFile(path)
			if err != nil {
				return nil, clierr.Wrap(clierr.KindWallet, "read private key file", err)
			}
			return FromPrivateKey(string(buf))
		}
		if path := strings.TrimSpace(os.Getenv(EnvKeystorePath)); path != "" {
			return keystoreKey(path)
		}
		return nil, clierr.New(clierr.KindWallet, "no wallet configured: set "+EnvPrivateKey+", "+EnvPrivateKeyFile+" or "+EnvKeystorePath)
	}
}

// Static wraps an already-resolved key as an accessor.
func Static(key *Key) Accessor {
	return func() (*Key, error) {
		if key == nil {
			return nil, clierr.New(clierr.KindWallet, "no wallet configured")
		}
		return key, nil
	}
}

func keystoreKey(path string) (*Key, error) {
	password := strings.TrimSpace(os.Getenv(EnvKeystorePassword))
	if password == "" {
		if pwFile := strings.TrimSpace(os.Getenv(EnvKeystorePasswordFile)); pwFile != "" {
			buf, err := os.ReadFile(pwFile)
			if err != nil {
				return nil, clierr.Wrap(clierr.KindWallet, "read keystore password file", err)
			}
			password = strings.TrimSpace(string(buf))
		}
	}
	if password == "" {
		return nil, clierr.New(clierr.KindWallet, "keystore password is required")
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindWallet, "read keystore file", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindWallet, "decrypt keystore", err)
	}
	pub, ok := key.PrivateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, clierr.New(clierr.KindWallet, "invalid ECDSA public key")
	}
	return &Key{privateKey: key.PrivateKey, address: crypto.PubkeyToAddress(*pub)}, nil
}
