package signers

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/relaycore/relayer/pkg/types"
)

// WalletManager is the uniform signing surface over heterogeneous key
// backends. Implementations resolve a stable address per wallet index on
// first query and cache it; signing returns a fully signed transaction
// envelope or a 65-byte r||s||v signature.
type WalletManager interface {
	// CreateWallet materializes key material for the index if the backend
	// needs it, and returns the address.
	CreateWallet(ctx context.Context, walletIndex uint32, chainID uint64) (common.Address, error)

	GetAddress(ctx context.Context, walletIndex uint32, chainID uint64) (common.Address, error)

	SignTransaction(ctx context.Context, walletIndex uint32, tx *gethtypes.Transaction, chainID uint64) (*gethtypes.Transaction, error)

	// SignText signs the EIP-191 prefixed hash of text.
	SignText(ctx context.Context, walletIndex uint32, text string) ([]byte, error)

	// SignTypedData signs the EIP-712 digest of the typed data.
	SignTypedData(ctx context.Context, walletIndex uint32, typedData apitypes.TypedData) ([]byte, error)

	// Name tags the provider in logs and errors.
	Name() string
}

// secp256k1N is the curve order; halfN gates low-s enforcement.
var (
	secp256k1N = crypto.S256().Params().N
	halfN      = new(big.Int).Rsh(new(big.Int).Set(secp256k1N), 1)
)

// addressCache memoizes wallet index to address resolution; the mnemonic,
// KMS, PKCS#11 and remote managers embed one so each backend is queried
// once per index.
type addressCache struct {
	mu        sync.RWMutex
	addresses map[uint32]common.Address
}

func newAddressCache() addressCache {
	return addressCache{addresses: make(map[uint32]common.Address)}
}

func (c *addressCache) get(walletIndex uint32) (common.Address, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.addresses[walletIndex]
	return addr, ok
}

func (c *addressCache) put(walletIndex uint32, addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addresses[walletIndex] = addr
}

// normalizeSignature enforces low-s and a {0,1} recovery id on a 65-byte
// signature, recovering v by trial against the expected address. KMS-style
// backends return high-s signatures roughly half the time; broadcasting one
// is consensus-invalid, so the flip is a hard invariant.
func normalizeSignature(digest []byte, r, s *big.Int, expected common.Address) ([]byte, error) {
	if s.Cmp(halfN) > 0 {
		s = new(big.Int).Sub(secp256k1N, s)
	}

	sig := make([]byte, 65)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:64])

	for _, v := range []byte{0, 1} {
		sig[64] = v
		pub, err := crypto.Ecrecover(digest, sig)
		if err != nil {
			continue
		}
		pubKey, err := crypto.UnmarshalPubkey(pub)
		if err != nil {
			continue
		}
		if crypto.PubkeyToAddress(*pubKey) == expected {
			return sig, nil
		}
	}
	return nil, fmt.Errorf("signature does not recover to %s", expected.Hex())
}

// signTransactionWithKey signs a transaction envelope with a local ECDSA key.
func signTransactionWithKey(tx *gethtypes.Transaction, chainID uint64, key *ecdsa.PrivateKey) (*gethtypes.Transaction, error) {
	signer := gethtypes.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	return gethtypes.SignTx(tx, signer, key)
}

// signTextWithKey produces an EIP-191 signature with v in {27,28}.
func signTextWithKey(text string, key *ecdsa.PrivateKey) ([]byte, error) {
	digest := accounts.TextHash([]byte(text))
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// TypedDataDigest canonicalizes EIP-712 typed data into its signing digest.
func TypedDataDigest(typedData apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, &types.ValidationError{Field: "typed_data", Reason: err.Error()}
	}
	return digest, nil
}

func signTypedDataWithKey(typedData apitypes.TypedData, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := TypedDataDigest(typedData)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// TextDigest is the EIP-191 prefixed hash clients verify against.
func TextDigest(text string) []byte {
	return accounts.TextHash([]byte(text))
}

// RecoverTextSigner recovers the signing address of an EIP-191 signature.
func RecoverTextSigner(text string, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(TextDigest(text), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RecoverTypedDataSigner recovers the signing address of an EIP-712 signature.
func RecoverTypedDataSigner(typedData apitypes.TypedData, signature []byte) (common.Address, error) {
	digest, err := TypedDataDigest(typedData)
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func fatal(provider string, err error) error {
	return &types.ProviderFatal{Provider: provider, Err: err}
}

func transient(provider string, err error) error {
	return &types.ProviderTransient{Provider: provider, Err: err}
}
