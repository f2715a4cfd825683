package signers

import (
	"context"
	"encoding/asn1"
	"fmt"
	"math/big"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// KmsWalletManager signs with asymmetric secp256k1 keys held in AWS KMS.
// KMS returns ASN.1 DER signatures over SHA-256 digests; they are normalized
// to 65-byte r||s||v with low-s enforcement before use.
type KmsWalletManager struct {
	client    *kms.Client
	keyPrefix string
	cache     addressCache
}

func NewKmsWalletManager(ctx context.Context, region, keyPrefix string) (*KmsWalletManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &KmsWalletManager{
		client:    kms.NewFromConfig(cfg),
		keyPrefix: keyPrefix,
		cache:     newAddressCache(),
	}, nil
}

func (m *KmsWalletManager) Name() string { return "aws_kms" }

func (m *KmsWalletManager) keyAlias(walletIndex uint32) string {
	return fmt.Sprintf("alias/%s-%d", m.keyPrefix, walletIndex)
}

// derSignature is the ASN.1 shape KMS returns for ECDSA_SHA_256.
type derSignature struct {
	R *big.Int
	S *big.Int
}

// spkiPublicKey is the SubjectPublicKeyInfo layout of GetPublicKey output.
type spkiPublicKey struct {
	Algorithm asn1.RawValue
	PublicKey asn1.BitString
}

func (m *KmsWalletManager) CreateWallet(ctx context.Context, walletIndex uint32, chainID uint64) (common.Address, error) {
	if addr, ok := m.cache.get(walletIndex); ok {
		return addr, nil
	}
	_, err := m.client.CreateKey(ctx, &kms.CreateKeyInput{
		KeySpec:  kmstypes.KeySpecEccSecgP256k1,
		KeyUsage: kmstypes.KeyUsageTypeSignVerify,
	})
	if err != nil {
		// The alias may already exist; address resolution decides.
		return m.GetAddress(ctx, walletIndex, chainID)
	}
	return m.GetAddress(ctx, walletIndex, chainID)
}

func (m *KmsWalletManager) GetAddress(ctx context.Context, walletIndex uint32, _ uint64) (common.Address, error) {
	if addr, ok := m.cache.get(walletIndex); ok {
		return addr, nil
	}

	output, err := m.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: stringPtr(m.keyAlias(walletIndex)),
	})
	if err != nil {
		return common.Address{}, transient(m.Name(), fmt.Errorf("get public key for %s: %w", m.keyAlias(walletIndex), err))
	}

	var spki spkiPublicKey
	if _, err := asn1.Unmarshal(output.PublicKey, &spki); err != nil {
		return common.Address{}, fatal(m.Name(), fmt.Errorf("failed to parse SPKI public key: %w", err))
	}
	pubKey, err := crypto.UnmarshalPubkey(spki.PublicKey.Bytes)
	if err != nil {
		return common.Address{}, fatal(m.Name(), fmt.Errorf("failed to parse secp256k1 point: %w", err))
	}

	addr := crypto.PubkeyToAddress(*pubKey)
	m.cache.put(walletIndex, addr)
	return addr, nil
}

// signDigest asks KMS for a signature over digest and normalizes it.
func (m *KmsWalletManager) signDigest(ctx context.Context, walletIndex uint32, digest []byte) ([]byte, error) {
	expected, err := m.GetAddress(ctx, walletIndex, 0)
	if err != nil {
		return nil, err
	}

	output, err := m.client.Sign(ctx, &kms.SignInput{
		KeyId:            stringPtr(m.keyAlias(walletIndex)),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, transient(m.Name(), fmt.Errorf("kms sign: %w", err))
	}

	var der derSignature
	if _, err := asn1.Unmarshal(output.Signature, &der); err != nil {
		return nil, fatal(m.Name(), fmt.Errorf("failed to parse DER signature: %w", err))
	}

	sig, err := normalizeSignature(digest, der.R, der.S, expected)
	if err != nil {
		return nil, fatal(m.Name(), err)
	}
	return sig, nil
}

func (m *KmsWalletManager) SignTransaction(ctx context.Context, walletIndex uint32, tx *gethtypes.Transaction, chainID uint64) (*gethtypes.Transaction, error) {
	signer := gethtypes.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	digest := signer.Hash(tx)
	sig, err := m.signDigest(ctx, walletIndex, digest.Bytes())
	if err != nil {
		return nil, err
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, fatal(m.Name(), err)
	}
	return signed, nil
}

func (m *KmsWalletManager) SignText(ctx context.Context, walletIndex uint32, text string) ([]byte, error) {
	sig, err := m.signDigest(ctx, walletIndex, TextDigest(text))
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (m *KmsWalletManager) SignTypedData(ctx context.Context, walletIndex uint32, typedData apitypes.TypedData) ([]byte, error) {
	digest, err := TypedDataDigest(typedData)
	if err != nil {
		return nil, err
	}
	sig, err := m.signDigest(ctx, walletIndex, digest)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func stringPtr(s string) *string { return &s }
