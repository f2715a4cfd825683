package signers

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/miekg/pkcs11"
)

// Pkcs11WalletManager signs through a local HSM slot. Keys are located by
// label "<labelPrefix>-<walletIndex>"; the HSM returns raw r||s which is
// normalized like any other digest signer. PKCS#11 sessions are not
// goroutine-safe, so every operation holds the manager mutex.
type Pkcs11WalletManager struct {
	ctx         *pkcs11.Ctx
	session     pkcs11.SessionHandle
	labelPrefix string
	cache       addressCache
	mu          sync.Mutex
}

func NewPkcs11WalletManager(modulePath string, slot uint, pin, labelPrefix string) (*Pkcs11WalletManager, error) {
	hsm := pkcs11.New(modulePath)
	if hsm == nil {
		return nil, fmt.Errorf("failed to load pkcs11 module %s", modulePath)
	}
	if err := hsm.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize pkcs11 module: %w", err)
	}
	session, err := hsm.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return nil, fmt.Errorf("failed to open pkcs11 session on slot %d: %w", slot, err)
	}
	if err := hsm.Login(session, pkcs11.CKU_USER, pin); err != nil {
		return nil, fmt.Errorf("failed to login to pkcs11 slot %d: %w", slot, err)
	}
	return &Pkcs11WalletManager{
		ctx:         hsm,
		session:     session,
		labelPrefix: labelPrefix,
		cache:       newAddressCache(),
	}, nil
}

func (m *Pkcs11WalletManager) Name() string { return "pkcs11" }

func (m *Pkcs11WalletManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.ctx.Logout(m.session)
	_ = m.ctx.CloseSession(m.session)
	_ = m.ctx.Finalize()
	m.ctx.Destroy()
}

func (m *Pkcs11WalletManager) label(walletIndex uint32) string {
	return fmt.Sprintf("%s-%d", m.labelPrefix, walletIndex)
}

func (m *Pkcs11WalletManager) findKey(class uint, walletIndex uint32) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, m.label(walletIndex)),
	}
	if err := m.ctx.FindObjectsInit(m.session, template); err != nil {
		return 0, err
	}
	defer m.ctx.FindObjectsFinal(m.session)
	handles, _, err := m.ctx.FindObjects(m.session, 1)
	if err != nil {
		return 0, err
	}
	if len(handles) == 0 {
		return 0, fmt.Errorf("no key with label %s", m.label(walletIndex))
	}
	return handles[0], nil
}

func (m *Pkcs11WalletManager) CreateWallet(ctx context.Context, walletIndex uint32, chainID uint64) (common.Address, error) {
	return m.GetAddress(ctx, walletIndex, chainID)
}

func (m *Pkcs11WalletManager) GetAddress(_ context.Context, walletIndex uint32, _ uint64) (common.Address, error) {
	if addr, ok := m.cache.get(walletIndex); ok {
		return addr, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	handle, err := m.findKey(pkcs11.CKO_PUBLIC_KEY, walletIndex)
	if err != nil {
		return common.Address{}, fatal(m.Name(), err)
	}
	attrs, err := m.ctx.GetAttributeValue(m.session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil || len(attrs) == 0 {
		return common.Address{}, fatal(m.Name(), fmt.Errorf("failed to read EC point: %v", err))
	}

	point := attrs[0].Value
	// DER OCTET STRING wrapping: 0x04 len 0x04 X Y.
	if len(point) == 67 && point[0] == 0x04 {
		point = point[2:]
	}
	pubKey, err := crypto.UnmarshalPubkey(point)
	if err != nil {
		return common.Address{}, fatal(m.Name(), fmt.Errorf("failed to parse EC point: %w", err))
	}

	addr := crypto.PubkeyToAddress(*pubKey)
	m.cache.put(walletIndex, addr)
	return addr, nil
}

func (m *Pkcs11WalletManager) signDigest(ctx context.Context, walletIndex uint32, digest []byte) ([]byte, error) {
	expected, err := m.GetAddress(ctx, walletIndex, 0)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	handle, err := m.findKey(pkcs11.CKO_PRIVATE_KEY, walletIndex)
	if err != nil {
		return nil, fatal(m.Name(), err)
	}
	mechanism := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
	if err := m.ctx.SignInit(m.session, mechanism, handle); err != nil {
		return nil, transient(m.Name(), err)
	}
	raw, err := m.ctx.Sign(m.session, digest)
	if err != nil {
		return nil, transient(m.Name(), err)
	}
	if len(raw) != 64 {
		return nil, fatal(m.Name(), fmt.Errorf("hsm signature is %d bytes, want 64", len(raw)))
	}

	r := new(big.Int).SetBytes(raw[:32])
	s := new(big.Int).SetBytes(raw[32:])
	sig, err := normalizeSignature(digest, r, s, expected)
	if err != nil {
		return nil, fatal(m.Name(), err)
	}
	return sig, nil
}

func (m *Pkcs11WalletManager) SignTransaction(ctx context.Context, walletIndex uint32, tx *gethtypes.Transaction, chainID uint64) (*gethtypes.Transaction, error) {
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

func (m *Pkcs11WalletManager) SignText(ctx context.Context, walletIndex uint32, text string) ([]byte, error) {
	sig, err := m.signDigest(ctx, walletIndex, TextDigest(text))
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (m *Pkcs11WalletManager) SignTypedData(ctx context.Context, walletIndex uint32, typedData apitypes.TypedData) ([]byte, error) {
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
