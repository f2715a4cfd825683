package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/relaycore/relayer/pkg/types"
)

// ChainKey renders a chain id the way lookups and errors report it.
func ChainKey(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

// Network is the per-chain record. Exactly one active record per chain_id.
type Network struct {
	ChainID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Name      string `gorm:"type:varchar(255);not null"`
	Disabled  bool   `gorm:"default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
	Nodes     []NetworkNode `gorm:"foreignKey:ChainID;references:ChainID"`
}

// NetworkNode is one RPC endpoint of a network; Position orders failover.
type NetworkNode struct {
	ID       uint   `gorm:"primaryKey"`
	ChainID  uint64 `gorm:"index;not null"`
	URL      string `gorm:"type:varchar(2048);not null"`
	Position int    `gorm:"not null;default:0"`
}

// Relayer is a managed signing identity bound to a single chain.
type Relayer struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	Name           string `gorm:"type:varchar(255);not null"`
	ChainID        uint64 `gorm:"not null;uniqueIndex:idx_relayer_chain_wallet,priority:1"`
	Address        string `gorm:"type:varchar(42);index;not null"`
	WalletIndex    uint32 `gorm:"uniqueIndex:idx_relayer_chain_wallet,priority:2"`
	MaxGasPriceCap *string `gorm:"type:varchar(80)"`
	Paused         bool   `gorm:"default:false"`
	EIP1559Enabled bool   `gorm:"column:eip1559_enabled;default:true"`
	IsPrivateKey   bool   `gorm:"default:false"`
	Deleted        bool   `gorm:"default:false"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Policy flags, evaluated at admission.
	AllowlistedOnly        bool `gorm:"default:false"`
	DisableNativeTransfer  bool `gorm:"default:false"`
	DisablePersonalSign    bool `gorm:"default:false"`
	DisableTypedDataSign   bool `gorm:"default:false"`
	DisableTransactions    bool `gorm:"default:false"`

	AllowlistedAddresses []AllowlistedAddress `gorm:"foreignKey:RelayerID"`
}

// AllowlistedAddress is one destination a relayer may send to when
// allowlisted_only is set.
type AllowlistedAddress struct {
	ID        uint   `gorm:"primaryKey"`
	RelayerID string `gorm:"type:varchar(36);uniqueIndex:idx_allowlist_relayer_addr,priority:1;not null"`
	Address   string `gorm:"type:varchar(42);uniqueIndex:idx_allowlist_relayer_addr,priority:2;not null"`
	CreatedAt time.Time
}

// ApiKey scopes API access to exactly one relayer.
type ApiKey struct {
	ID        uint       `gorm:"primaryKey"`
	RelayerID string     `gorm:"type:varchar(36);index;not null"`
	Key       string     `gorm:"type:varchar(32);uniqueIndex;not null"`
	CreatedAt time.Time
	RevokedAt *time.Time
}

// BlobSidecar stores the opaque EIP-4844 blob byte strings of a transaction
// as a JSON array of base64 blobs in a single bytea column.
type BlobSidecar [][]byte

func (b BlobSidecar) Value() (driver.Value, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return json.Marshal(b)
}

func (b *BlobSidecar) Scan(value interface{}) error {
	if value == nil {
		*b = nil
		return nil
	}
	raw, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected blob sidecar column type %T", value)
	}
	return json.Unmarshal(raw, b)
}

// Transaction is the durable queue row a pipeline worker drives to a
// terminal status.
type Transaction struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	RelayerID string `gorm:"type:varchar(36);not null;index:idx_tx_relayer_status_nonce,priority:1;index:idx_tx_relayer_queued,priority:1;uniqueIndex:idx_tx_external,priority:2"`
	ChainID   uint64 `gorm:"not null"`
	From      string `gorm:"column:from_address;type:varchar(42);not null"`
	To        string `gorm:"column:to_address;type:varchar(42);not null"`
	Value     string `gorm:"type:varchar(80);not null;default:'0'"`
	Data      []byte `gorm:"type:bytea"`
	Blobs     BlobSidecar `gorm:"type:bytea"`

	Nonce uint64                 `gorm:"index:idx_tx_relayer_status_nonce,priority:3"`
	Speed types.TransactionSpeed `gorm:"type:varchar(8);not null"`

	// Gas parameters at the last submission attempt.
	MaxFee         *string `gorm:"type:varchar(80)"`
	MaxPriorityFee *string `gorm:"type:varchar(80)"`
	GasPrice       *string `gorm:"type:varchar(80)"`
	GasLimit       *uint64

	Status types.TransactionStatus `gorm:"type:varchar(12);not null;index:idx_tx_relayer_status_nonce,priority:2"`
	Hash   *string                 `gorm:"type:varchar(66);index"`

	QueuedAt           time.Time `gorm:"index:idx_tx_relayer_queued,priority:2,sort:desc"`
	ExpiresAt          time.Time
	SentAt             *time.Time
	MinedAt            *time.Time
	MinedAtBlockNumber *uint64
	ConfirmedAt        *time.Time
	FailedAt           *time.Time
	FailedReason       *string `gorm:"type:text"`

	ExternalID               *string `gorm:"type:varchar(255);uniqueIndex:idx_tx_external,priority:1"`
	IsNoop                   bool    `gorm:"default:false"`
	CancelledByTransactionID *string `gorm:"type:varchar(36)"`
	ApiKey                   *string `gorm:"type:varchar(32)"`
}

// RelayerAuditLog is an immutable copy of a relayer row taken on every
// state-changing mutation. history_id is the authoritative ordering.
type RelayerAuditLog struct {
	HistoryID uint64 `gorm:"primaryKey;autoIncrement"`
	RelayerID string `gorm:"type:varchar(36);index;not null"`
	Snapshot  []byte `gorm:"type:jsonb;not null"`
	CreatedAt time.Time
}

// TransactionAuditLog mirrors RelayerAuditLog for transaction rows; it also
// preserves every historically broadcast hash.
type TransactionAuditLog struct {
	HistoryID     uint64 `gorm:"primaryKey;autoIncrement"`
	TransactionID string `gorm:"type:varchar(36);index;not null"`
	RelayerID     string `gorm:"type:varchar(36);index;not null"`
	Status        types.TransactionStatus `gorm:"type:varchar(12);not null"`
	Hash          *string `gorm:"type:varchar(66)"`
	Snapshot      []byte  `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time
}

// SignedTextHistory is append-only history of EIP-191 text signatures.
type SignedTextHistory struct {
	ID        uint   `gorm:"primaryKey"`
	RelayerID string `gorm:"type:varchar(36);index;not null"`
	ChainID   uint64 `gorm:"not null"`
	Message   string `gorm:"type:text;not null"`
	Digest    string `gorm:"type:varchar(66);not null"`
	Signature string `gorm:"type:varchar(132);not null"`
	SignedAt  time.Time
}

// SignedTypedDataHistory is append-only history of EIP-712 signatures with
// the canonicalized payload.
type SignedTypedDataHistory struct {
	ID          uint   `gorm:"primaryKey"`
	RelayerID   string `gorm:"type:varchar(36);index;not null"`
	ChainID     uint64 `gorm:"not null"`
	Domain      []byte `gorm:"type:jsonb;not null"`
	PrimaryType string `gorm:"type:varchar(255);not null"`
	Payload     []byte `gorm:"type:jsonb;not null"`
	Digest      string `gorm:"type:varchar(66);not null"`
	Signature   string `gorm:"type:varchar(132);not null"`
	SignedAt    time.Time
}

// Webhook delivery states.
const (
	WebhookStatePending   = "pending"
	WebhookStateDelivered = "delivered"
	WebhookStateDead      = "dead"
)

// WebhookDelivery is the durable at-least-once delivery queue.
type WebhookDelivery struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	Endpoint    string `gorm:"type:varchar(2048);not null"`
	EventType   string `gorm:"type:varchar(64);not null"`
	RelayerID   string `gorm:"type:varchar(36);index"`
	Payload     []byte `gorm:"type:jsonb;not null"`
	State       string `gorm:"type:varchar(12);not null;default:'pending';index"`
	Attempts    int    `gorm:"default:0"`
	NextRetryAt time.Time `gorm:"index"`
	LastError   *string   `gorm:"type:text"`
	CreatedAt   time.Time
	DeliveredAt *time.Time
}
