package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"
)

const manifestDomain = "coffer_manifest"

// ManifestEntry names one borrowed asset by identity.
type ManifestEntry struct {
	AssetID   [32]byte
	AssetType string
}

// Manifest is the hot-potato receipt handed to the operator when an
// operation is armed. It must accompany every later phase call and is
// consumed exactly once by completion. The engine persists only its digest,
// so a presented manifest that differs in any field is rejected.
type Manifest struct {
	Vault        string
	OperationID  [32]byte
	Operator     [20]byte
	Entries      []ManifestEntry
	PrincipalOut *big.Int
	ReserveOut   *big.Int
	BegunAt      int64
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Entries = append([]ManifestEntry(nil), m.Entries...)
	clone.PrincipalOut = copyBig(m.PrincipalOut)
	clone.ReserveOut = copyBig(m.ReserveOut)
	return &clone
}

// AssetTypes returns the borrowed asset types in manifest order.
func (m *Manifest) AssetTypes() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.Entries))
	for i, entry := range m.Entries {
		out[i] = entry.AssetType
	}
	return out
}

type storedManifestEntry struct {
	AssetID   [32]byte
	AssetType string
}

type storedManifest struct {
	Domain       string
	Vault        string
	OperationID  [32]byte
	Operator     [20]byte
	Entries      []storedManifestEntry
	PrincipalOut *big.Int
	ReserveOut   *big.Int
	BegunAt      uint64
}

// Digest returns the canonical manifest hash bound into the operation record.
func (m *Manifest) Digest() ([32]byte, error) {
	var zero [32]byte
	if m == nil {
		return zero, fmt.Errorf("nil manifest")
	}
	if m.BegunAt < 0 {
		return zero, fmt.Errorf("manifest timestamp must not be negative")
	}
	stored := storedManifest{
		Domain:       manifestDomain,
		Vault:        m.Vault,
		OperationID:  m.OperationID,
		Operator:     m.Operator,
		Entries:      make([]storedManifestEntry, len(m.Entries)),
		PrincipalOut: copyBig(m.PrincipalOut),
		ReserveOut:   copyBig(m.ReserveOut),
		BegunAt:      uint64(m.BegunAt),
	}
	for i, entry := range m.Entries {
		stored.Entries[i] = storedManifestEntry{AssetID: entry.AssetID, AssetType: entry.AssetType}
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return zero, fmt.Errorf("encode manifest: %w", err)
	}
	return blake3.Sum256(encoded), nil
}

// CustodyEntry pairs a borrowed asset identity with its handle.
type CustodyEntry struct {
	AssetID   [32]byte
	AssetType string
	Handle    *AssetHandle
}

// Clone returns a deep copy of the entry.
func (e *CustodyEntry) Clone() *CustodyEntry {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Handle = e.Handle.Clone()
	return &clone
}

// CustodyLedger carries the borrowed handles while an operation is armed.
// Return drains it entry by entry; it must come back empty.
type CustodyLedger struct {
	Vault       string
	OperationID [32]byte
	Entries     []CustodyEntry
}

// Clone returns a deep copy of the ledger.
func (l *CustodyLedger) Clone() *CustodyLedger {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Entries = make([]CustodyEntry, len(l.Entries))
	for i := range l.Entries {
		clone.Entries[i] = *l.Entries[i].Clone()
	}
	return &clone
}

// Len reports the number of handles still held by the ledger.
func (l *CustodyLedger) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Entries)
}

// Take removes and returns the entry matching the asset identity. The second
// return is false when no such entry is held.
func (l *CustodyLedger) Take(assetID [32]byte, assetType string) (*CustodyEntry, bool) {
	if l == nil {
		return nil, false
	}
	for i := range l.Entries {
		if l.Entries[i].AssetID == assetID && l.Entries[i].AssetType == assetType {
			entry := l.Entries[i]
			l.Entries = append(l.Entries[:i], l.Entries[i+1:]...)
			return &entry, true
		}
	}
	return nil, false
}

// ReconciliationRecord tracks which borrowed assets have been revalued since
// they were returned. Updated never contains a type outside Borrowed.
type ReconciliationRecord struct {
	Borrowed []string
	Updated  []string
}

// NewReconciliationRecord seeds the record with the manifest's asset types.
func NewReconciliationRecord(borrowed []string) ReconciliationRecord {
	return ReconciliationRecord{Borrowed: append([]string(nil), borrowed...)}
}

// Clone returns a deep copy of the record.
func (r ReconciliationRecord) Clone() ReconciliationRecord {
	return ReconciliationRecord{
		Borrowed: append([]string(nil), r.Borrowed...),
		Updated:  append([]string(nil), r.Updated...),
	}
}

// IsBorrowed reports whether assetType is part of the armed operation.
func (r ReconciliationRecord) IsBorrowed(assetType string) bool {
	for _, existing := range r.Borrowed {
		if existing == assetType {
			return true
		}
	}
	return false
}

// IsUpdated reports whether assetType has a post-return valuation.
func (r ReconciliationRecord) IsUpdated(assetType string) bool {
	for _, existing := range r.Updated {
		if existing == assetType {
			return true
		}
	}
	return false
}

// MarkUpdated records a post-return valuation for assetType. It reports
// false when the type was never borrowed, leaving the record untouched.
func (r *ReconciliationRecord) MarkUpdated(assetType string) bool {
	if r == nil || !r.IsBorrowed(assetType) {
		return false
	}
	if r.IsUpdated(assetType) {
		return true
	}
	r.Updated = append(r.Updated, assetType)
	return true
}

// MissingUpdates lists borrowed asset types still lacking a post-return
// valuation, in manifest order.
func (r ReconciliationRecord) MissingUpdates() []string {
	missing := make([]string, 0, len(r.Borrowed))
	for _, assetType := range r.Borrowed {
		if !r.IsUpdated(assetType) {
			missing = append(missing, assetType)
		}
	}
	return missing
}

// OperationRecord is the persisted state of an armed operation. The manifest
// itself travels with the operator; the record pins its digest plus the
// snapshot the completion gates compare against.
type OperationRecord struct {
	OperationID    [32]byte
	ManifestDigest [32]byte
	Operator       [20]byte
	BegunAt        int64
	SnapshotValue  *big.Int
	SnapshotShares *big.Int
	Reconciliation ReconciliationRecord
	PrincipalOut   *big.Int
	ReserveOut     *big.Int
}

// Clone returns a deep copy of the record.
func (o *OperationRecord) Clone() *OperationRecord {
	if o == nil {
		return nil
	}
	clone := *o
	clone.SnapshotValue = copyBig(o.SnapshotValue)
	clone.SnapshotShares = copyBig(o.SnapshotShares)
	clone.Reconciliation = o.Reconciliation.Clone()
	clone.PrincipalOut = copyBig(o.PrincipalOut)
	clone.ReserveOut = copyBig(o.ReserveOut)
	return &clone
}

// AssetID derives the stable identity of an asset instance within a vault.
func AssetID(vaultID, assetType string) [32]byte {
	payload := fmt.Sprintf("coffer_asset|%s|%s", vaultID, assetType)
	return blake3.Sum256([]byte(payload))
}

// OperationID derives the identity of one armed operation from the vault's
// monotonic operation nonce.
func OperationID(vaultID string, nonce uint64) [32]byte {
	payload := fmt.Sprintf("coffer_operation|%s|%d", vaultID, nonce)
	return blake3.Sum256([]byte(payload))
}
