package modules

import (
	"encoding/json"
	"math/big"
	"testing"

	"coffer/native/vault"
)

func testAddr(fill byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = fill
	}
	return out
}

// The digest pins every manifest field, so the wire form must reproduce the
// exact record the engine issued, including amounts that were nil at begin.
func TestManifestPayloadRoundTripPreservesDigest(t *testing.T) {
	manifest := &vault.Manifest{
		Vault:       "growth",
		OperationID: vault.OperationID("growth", 1),
		Operator:    testAddr(0xB0),
		Entries: []vault.ManifestEntry{
			{AssetID: vault.AssetID("growth", "alpha-lend"), AssetType: "alpha-lend"},
			{AssetID: vault.AssetID("growth", "beta-pool"), AssetType: "beta-pool"},
		},
		PrincipalOut: big.NewInt(100_000_000),
		ReserveOut:   nil,
		BegunAt:      1_700_000_000,
	}
	want, err := manifest.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	encoded, err := json.Marshal(NewManifestPayload(manifest))
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var decoded ManifestPayload
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	restored, modErr := decoded.toManifest()
	if modErr != nil {
		t.Fatalf("to manifest: %v", modErr)
	}
	got, err := restored.Digest()
	if err != nil {
		t.Fatalf("restored digest: %v", err)
	}
	if got != want {
		t.Fatal("digest changed across the wire")
	}
	if restored.Operator != manifest.Operator {
		t.Fatal("operator changed across the wire")
	}
	if len(restored.Entries) != 2 || restored.Entries[1].AssetType != "beta-pool" {
		t.Fatalf("entries changed across the wire: %+v", restored.Entries)
	}
}

func TestCustodyLedgerPayloadRoundTrip(t *testing.T) {
	ledger := &vault.CustodyLedger{
		Vault:       "growth",
		OperationID: vault.OperationID("growth", 7),
		Entries: []vault.CustodyEntry{
			{
				AssetID:   vault.AssetID("growth", "alpha-lend"),
				AssetType: "alpha-lend",
				Handle: &vault.AssetHandle{
					ID:   vault.AssetID("growth", "alpha-lend"),
					Kind: vault.KindLending,
					Lending: &vault.LendingPosition{
						Symbol:          "USDC",
						Decimals:        6,
						Principal:       big.NewInt(250_000_000),
						AccruedInterest: big.NewInt(1_250_000),
					},
				},
			},
		},
	}

	encoded, err := json.Marshal(NewCustodyLedgerPayload(ledger))
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var decoded CustodyLedgerPayload
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	restored, modErr := decoded.toLedger()
	if modErr != nil {
		t.Fatalf("to ledger: %v", modErr)
	}
	if restored.OperationID != ledger.OperationID || restored.Vault != "growth" {
		t.Fatalf("ledger identity changed: %+v", restored)
	}
	if restored.Len() != 1 {
		t.Fatalf("entry count = %d", restored.Len())
	}
	entry := restored.Entries[0]
	if entry.AssetID != ledger.Entries[0].AssetID {
		t.Fatal("asset id changed across the wire")
	}
	if entry.Handle == nil || entry.Handle.Kind != vault.KindLending || entry.Handle.Lending == nil {
		t.Fatalf("handle shape changed: %+v", entry.Handle)
	}
	if entry.Handle.Lending.Principal.Cmp(big.NewInt(250_000_000)) != 0 {
		t.Fatalf("principal = %s", entry.Handle.Lending.Principal)
	}
	if entry.Handle.ID != ledger.Entries[0].Handle.ID {
		t.Fatal("handle id changed across the wire")
	}
}

func TestHandlePayloadRejectsUnknownKind(t *testing.T) {
	payload := &HandlePayload{Kind: "margin"}
	if _, err := payload.toHandle(); err == nil {
		t.Fatal("unknown kind accepted")
	}
	var missing *HandlePayload
	if _, err := missing.toHandle(); err == nil {
		t.Fatal("nil handle accepted")
	}
}

func TestParseAmount(t *testing.T) {
	if _, err := parseAmount("amount", ""); err == nil {
		t.Fatal("empty amount accepted")
	}
	if _, err := parseAmount("amount", "12.5"); err == nil {
		t.Fatal("fractional amount accepted")
	}
	if _, err := parseAmount("amount", "-3"); err == nil {
		t.Fatal("negative amount accepted")
	}
	value, err := parseAmount("amount", " 42 ")
	if err != nil || value.Int64() != 42 {
		t.Fatalf("value=%v err=%v", value, err)
	}
	optional, err := parseOptionalAmount("amount", "")
	if err != nil || optional != nil {
		t.Fatalf("optional=%v err=%v", optional, err)
	}
}

func TestParseHash(t *testing.T) {
	id := vault.AssetID("growth", "alpha-lend")
	parsed, err := parseHash("id", formatHash(id))
	if err != nil || parsed != id {
		t.Fatalf("parsed=%x err=%v", parsed, err)
	}
	if _, err := parseHash("id", "0x1234"); err == nil {
		t.Fatal("short hash accepted")
	}
	if _, err := parseHash("id", "zz"); err == nil {
		t.Fatal("non-hex hash accepted")
	}
}
