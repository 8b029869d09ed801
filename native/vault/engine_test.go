package vault

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"coffer/core/events"
	"coffer/core/types"
	nativecommon "coffer/native/common"
)

type mockState struct {
	vaults     map[string]*Vault
	slots      map[string]*AssetSlot
	valuations map[string]*Valuation
	ops        map[string]*OperationRecord
	receipts   map[string]*Receipt
	owners     map[string][][20]byte
	requests   map[string][]*Request
	accounts   map[[20]byte]*types.Account
}

func newMockState() *mockState {
	return &mockState{
		vaults:     make(map[string]*Vault),
		slots:      make(map[string]*AssetSlot),
		valuations: make(map[string]*Valuation),
		ops:        make(map[string]*OperationRecord),
		receipts:   make(map[string]*Receipt),
		owners:     make(map[string][][20]byte),
		requests:   make(map[string][]*Request),
		accounts:   make(map[[20]byte]*types.Account),
	}
}

func slotKey(vaultID, assetType string) string { return vaultID + "/" + assetType }

func receiptKey(vaultID string, owner [20]byte) string {
	return vaultID + "|" + string(owner[:])
}

func (m *mockState) GetVault(id string) (*Vault, bool, error) {
	vault, ok := m.vaults[id]
	if !ok {
		return nil, false, nil
	}
	return vault.Clone(), true, nil
}

func (m *mockState) PutVault(v *Vault) error {
	m.vaults[v.ID] = v.Clone()
	return nil
}

func (m *mockState) GetSlot(vaultID, assetType string) (*AssetSlot, bool, error) {
	slot, ok := m.slots[slotKey(vaultID, assetType)]
	if !ok {
		return nil, false, nil
	}
	return slot.Clone(), true, nil
}

func (m *mockState) PutSlot(vaultID string, slot *AssetSlot) error {
	m.slots[slotKey(vaultID, slot.AssetType)] = slot.Clone()
	return nil
}

func (m *mockState) GetValuation(vaultID, assetType string) (*Valuation, bool, error) {
	valuation, ok := m.valuations[slotKey(vaultID, assetType)]
	if !ok {
		return nil, false, nil
	}
	return valuation.Clone(), true, nil
}

func (m *mockState) PutValuation(vaultID, assetType string, valuation *Valuation) error {
	m.valuations[slotKey(vaultID, assetType)] = valuation.Clone()
	return nil
}

func (m *mockState) GetOperation(vaultID string) (*OperationRecord, bool, error) {
	op, ok := m.ops[vaultID]
	if !ok {
		return nil, false, nil
	}
	return op.Clone(), true, nil
}

func (m *mockState) PutOperation(vaultID string, op *OperationRecord) error {
	m.ops[vaultID] = op.Clone()
	return nil
}

func (m *mockState) ClearOperation(vaultID string) error {
	delete(m.ops, vaultID)
	return nil
}

func (m *mockState) GetReceipt(vaultID string, owner [20]byte) (*Receipt, bool, error) {
	receipt, ok := m.receipts[receiptKey(vaultID, owner)]
	if !ok {
		return nil, false, nil
	}
	return receipt.Clone(), true, nil
}

func (m *mockState) PutReceipt(vaultID string, receipt *Receipt) error {
	key := receiptKey(vaultID, receipt.Owner)
	if _, ok := m.receipts[key]; !ok {
		m.owners[vaultID] = append(m.owners[vaultID], receipt.Owner)
	}
	m.receipts[key] = receipt.Clone()
	return nil
}

func (m *mockState) ReceiptOwners(vaultID string) ([][20]byte, error) {
	return append([][20]byte(nil), m.owners[vaultID]...), nil
}

func (m *mockState) GetRequests(vaultID string) ([]*Request, error) {
	queue := m.requests[vaultID]
	out := make([]*Request, len(queue))
	for i, request := range queue {
		out[i] = request.Clone()
	}
	return out, nil
}

func (m *mockState) PutRequests(vaultID string, requests []*Request) error {
	queue := make([]*Request, len(requests))
	for i, request := range requests {
		queue[i] = request.Clone()
	}
	m.requests[vaultID] = queue
	return nil
}

func (m *mockState) GetAccount(addr [20]byte) (*types.Account, error) {
	account, ok := m.accounts[addr]
	if !ok {
		return types.NewAccount(), nil
	}
	return account.Clone(), nil
}

func (m *mockState) PutAccount(addr [20]byte, account *types.Account) error {
	m.accounts[addr] = account.Clone()
	return nil
}

type stubPrices struct {
	prices map[string]*big.Int
}

func (s *stubPrices) CanonicalPrice(symbol string) (*big.Int, error) {
	price, ok := s.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("no price for %s", symbol)
	}
	return new(big.Int).Set(price), nil
}

type stubGate struct {
	frozen map[[20]byte]bool
}

func (s *stubGate) IsFrozen(operator [20]byte) (bool, error) {
	return s.frozen[operator], nil
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *captureEmitter) lastType() string {
	if len(c.events) == 0 {
		return ""
	}
	return c.events[len(c.events)-1].EventType()
}

var (
	testOperator = [20]byte{0x0a, 0x01}
	testClient   = [20]byte{0x0c, 0x03}
)

// oneUSD keeps the principal denomination at par so balances read directly as
// canonical value in tests.
var oneUSD = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type testEnv struct {
	engine  *Engine
	state   *mockState
	gate    *stubGate
	emitter *captureEmitter
	now     int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		state:   newMockState(),
		gate:    &stubGate{frozen: make(map[[20]byte]bool)},
		emitter: &captureEmitter{},
		now:     1_700_000_000,
	}
	engine := NewEngine()
	engine.SetState(env.state)
	engine.SetAuthGate(env.gate)
	engine.SetPrices(&stubPrices{prices: map[string]*big.Int{"USDC": new(big.Int).Set(oneUSD)}})
	engine.SetEmitter(env.emitter)
	engine.SetNowFunc(func() int64 { return env.now })
	env.engine = engine
	return env
}

func (env *testEnv) createVault(t *testing.T, principal int64, toleranceBps uint64) *Vault {
	t.Helper()
	created, err := env.engine.CreateVault(&Vault{
		ID:                "growth",
		PrincipalDenom:    "USDC",
		PrincipalDecimals: 18,
		Principal:         big.NewInt(principal),
		Params: VaultParams{
			LossToleranceBps: toleranceBps,
			PeriodSeconds:    86_400,
			FreshnessSeconds: 60,
		},
	})
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	return created
}

func (env *testEnv) registerAsset(t *testing.T, assetType string, value int64) {
	t.Helper()
	handle := &AssetHandle{
		Kind: KindLending,
		Lending: &LendingPosition{
			Symbol:    "USDC",
			Decimals:  18,
			Principal: big.NewInt(value),
		},
	}
	if _, err := env.engine.RegisterAsset("growth", assetType, KindLending, handle); err != nil {
		t.Fatalf("register asset %s: %v", assetType, err)
	}
	if err := env.engine.SubmitValuation("growth", assetType, big.NewInt(value)); err != nil {
		t.Fatalf("value asset %s: %v", assetType, err)
	}
}

func (env *testEnv) storedVault(t *testing.T) *Vault {
	t.Helper()
	vault, ok := env.state.vaults["growth"]
	if !ok {
		t.Fatalf("vault missing from state")
	}
	return vault
}

// runOperation arms an operation with the given principal outflow, returns
// principalBack, and completes. It fails the test on any phase error.
func (env *testEnv) runOperation(t *testing.T, out, back int64) *CompletionSummary {
	t.Helper()
	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", nil, big.NewInt(out), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, big.NewInt(back), nil); err != nil {
		t.Fatalf("return: %v", err)
	}
	summary, err := env.engine.CompleteOperation(testOperator, "growth", manifest)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return summary
}

func TestBeginChecksOutAssetsAndArmsVault(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)
	env.registerAsset(t, "alpha", 500)

	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", []string{"alpha"}, big.NewInt(2_000), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if len(manifest.Entries) != 1 || manifest.Entries[0].AssetType != "alpha" {
		t.Fatalf("unexpected manifest entries: %+v", manifest.Entries)
	}
	if ledger.Len() != 1 || ledger.Entries[0].Handle == nil {
		t.Fatalf("custody ledger should hold the live handle")
	}
	stored := env.storedVault(t)
	if stored.Status != StatusDuringOperation {
		t.Fatalf("expected armed status, got %s", stored.Status)
	}
	if stored.Principal.Cmp(big.NewInt(998_000)) != 0 {
		t.Fatalf("principal outflow not applied: %s", stored.Principal)
	}
	slot := env.state.slots[slotKey("growth", "alpha")]
	if slot.Custody != CustodyCheckedOut || slot.Handle != nil {
		t.Fatalf("slot should be checked out with no handle: %+v", slot)
	}
	// The ledger handle is the operator's copy; mutating it must not reach
	// vault state after return.
	ledger.Entries[0].Handle.Lending.Principal = big.NewInt(999_999)
	op, ok := env.state.ops["growth"]
	if !ok {
		t.Fatalf("operation record missing")
	}
	if op.SnapshotValue.Cmp(big.NewInt(1_000_500)) != 0 {
		t.Fatalf("snapshot should include asset value, got %s", op.SnapshotValue)
	}
}

func TestLossAtExactBudgetCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	// Budget is 10 bps of the 1,000,000 baseline: exactly 1,000.
	summary := env.runOperation(t, 5_000, 4_000)
	if summary.Loss.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected loss 1000, got %s", summary.Loss)
	}
	if summary.CumulativeLoss.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected cumulative 1000, got %s", summary.CumulativeLoss)
	}
	if env.storedVault(t).Status != StatusNormal {
		t.Fatalf("vault should return to normal service")
	}
}

func TestOneUnitOverBudgetAborts(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	env.runOperation(t, 5_000, 4_000)

	// One more unit of loss in the same period tips the ledger over budget.
	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", nil, big.NewInt(100), nil)
	if err != nil {
		t.Fatalf("begin second op: %v", err)
	}
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, big.NewInt(99), nil); err != nil {
		t.Fatalf("return second op: %v", err)
	}
	_, err = env.engine.CompleteOperation(testOperator, "growth", manifest)
	if !errors.Is(err, ErrLossToleranceExceeded) {
		t.Fatalf("expected loss tolerance violation, got %v", err)
	}
	var violation *LossViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected LossViolation detail, got %T", err)
	}
	if violation.Budget.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected budget 1000, got %s", violation.Budget)
	}
	stored := env.storedVault(t)
	if stored.Status != StatusDuringOperation {
		t.Fatalf("aborted completion must leave the operation armed")
	}
	if stored.Loss.CumulativeLoss.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("aborted completion must not book the loss, got %s", stored.Loss.CumulativeLoss)
	}
}

func TestSingleLossOverBudgetAborts(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", nil, big.NewInt(5_000), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, big.NewInt(3_999), nil); err != nil {
		t.Fatalf("return: %v", err)
	}
	_, err = env.engine.CompleteOperation(testOperator, "growth", manifest)
	if !errors.Is(err, ErrLossToleranceExceeded) {
		t.Fatalf("expected loss tolerance violation, got %v", err)
	}
}

func TestReturnWithMissingLedgerEntryAborts(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)
	env.registerAsset(t, "alpha", 500)

	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", []string{"alpha"}, nil, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	intact := ledger.Clone()
	ledger.Entries = ledger.Entries[:0]

	err = env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, nil, nil)
	if !errors.Is(err, ErrCustodyMismatch) {
		t.Fatalf("expected custody mismatch, got %v", err)
	}
	stored := env.storedVault(t)
	if stored.Status != StatusDuringOperation {
		t.Fatalf("failed return must not move the status")
	}
	if slot := env.state.slots[slotKey("growth", "alpha")]; slot.Custody != CustodyCheckedOut {
		t.Fatalf("failed return must leave the slot checked out")
	}
	if stored.Principal.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("failed return must not credit balances, got %s", stored.Principal)
	}

	// The untampered ledger still settles the operation.
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, intact, nil, nil); err != nil {
		t.Fatalf("return with intact ledger: %v", err)
	}
	if err := env.engine.SubmitValuation("growth", "alpha", big.NewInt(500)); err != nil {
		t.Fatalf("revalue: %v", err)
	}
	if _, err := env.engine.CompleteOperation(testOperator, "growth", manifest); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestValuationFreshnessBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)
	env.registerAsset(t, "alpha", 500)
	valuedAt := env.now

	// Probes run oldest first so failed begins leave no armed state behind.
	env.now = valuedAt + 61
	if _, _, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil); !errors.Is(err, ErrStaleValuation) {
		t.Fatalf("age 61 should be stale, got %v", err)
	}
	env.now = valuedAt + 60
	if _, _, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil); !errors.Is(err, ErrStaleValuation) {
		t.Fatalf("age 60 should be stale, got %v", err)
	}
	if env.storedVault(t).Status != StatusNormal {
		t.Fatalf("failed begins must leave the vault in normal service")
	}
	env.now = valuedAt + 59
	if _, _, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil); err != nil {
		t.Fatalf("age 59 should be fresh, got %v", err)
	}
}

func TestFrozenOperatorStallsArmedOperation(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)
	env.registerAsset(t, "alpha", 500)

	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", []string{"alpha"}, nil, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	env.gate.frozen[testOperator] = true

	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, nil, nil); !errors.Is(err, ErrOperatorFrozen) {
		t.Fatalf("return while frozen: %v", err)
	}
	if env.emitter.lastType() != events.TypeOperationBlocked {
		t.Fatalf("blocked phase should page, last event %s", env.emitter.lastType())
	}
	if _, err := env.engine.CompleteOperation(testOperator, "growth", manifest); !errors.Is(err, ErrOperatorFrozen) {
		t.Fatalf("complete while frozen: %v", err)
	}
	if env.storedVault(t).Status != StatusDuringOperation {
		t.Fatalf("vault must stay armed while the operator is frozen")
	}

	// Unfreezing lets the stalled operation settle through the normal phases.
	env.gate.frozen[testOperator] = false
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, nil, nil); err != nil {
		t.Fatalf("return after unfreeze: %v", err)
	}
	if err := env.engine.SubmitValuation("growth", "alpha", big.NewInt(500)); err != nil {
		t.Fatalf("revalue after unfreeze: %v", err)
	}
	if _, err := env.engine.CompleteOperation(testOperator, "growth", manifest); err != nil {
		t.Fatalf("complete after unfreeze: %v", err)
	}
	if env.storedVault(t).Status != StatusNormal {
		t.Fatalf("vault should be back in normal service")
	}
}

func TestBeginRejectsDuplicateAssets(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)
	env.registerAsset(t, "alpha", 500)

	_, _, err := env.engine.BeginOperation(testOperator, "growth", []string{"alpha", "alpha"}, nil, nil)
	if !errors.Is(err, ErrCustodyMismatch) {
		t.Fatalf("expected custody mismatch for duplicates, got %v", err)
	}
	if env.storedVault(t).Status != StatusNormal {
		t.Fatalf("failed begin must not arm the vault")
	}
}

func TestBeginRejectsUnknownAsset(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	_, _, err := env.engine.BeginOperation(testOperator, "growth", []string{"ghost"}, nil, nil)
	if !errors.Is(err, ErrAssetUnknown) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
}

func TestBeginWhileArmedRejected(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	if _, _, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil); err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, _, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil)
	if !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected invalid status transition, got %v", err)
	}
}

func TestBeginRequiresValuationForEveryRegisteredAsset(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)
	handle := &AssetHandle{
		Kind:    KindLending,
		Lending: &LendingPosition{Symbol: "USDC", Decimals: 18, Principal: big.NewInt(100)},
	}
	if _, err := env.engine.RegisterAsset("growth", "fresh", KindLending, handle); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, _, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil)
	if !errors.Is(err, ErrStaleValuation) {
		t.Fatalf("unvalued asset should block snapshots, got %v", err)
	}
}

func TestTamperedManifestRejected(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", nil, big.NewInt(1_000), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	forged := manifest.Clone()
	forged.PrincipalOut = big.NewInt(999)

	if err := env.engine.ReturnAssets(testOperator, "growth", forged, ledger, big.NewInt(1_000), nil); !errors.Is(err, ErrCustodyMismatch) {
		t.Fatalf("forged manifest should be rejected, got %v", err)
	}
	if _, err := env.engine.CompleteOperation(testOperator, "growth", forged); !errors.Is(err, ErrCustodyMismatch) {
		t.Fatalf("forged manifest should be rejected at completion, got %v", err)
	}
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, big.NewInt(1_000), nil); err != nil {
		t.Fatalf("genuine manifest should settle, got %v", err)
	}
}

func TestManifestConsumedExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	first := env.runOperation(t, 1_000, 1_000)

	// Replaying the settled manifest against a fresh operation must fail.
	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", nil, big.NewInt(500), nil)
	if err != nil {
		t.Fatalf("begin second op: %v", err)
	}
	stale := &Manifest{
		Vault:        "growth",
		OperationID:  first.OperationID,
		Operator:     testOperator,
		PrincipalOut: big.NewInt(1_000),
		ReserveOut:   big.NewInt(0),
		BegunAt:      env.now,
	}
	if _, err := env.engine.CompleteOperation(testOperator, "growth", stale); !errors.Is(err, ErrCustodyMismatch) {
		t.Fatalf("replayed manifest should be rejected, got %v", err)
	}
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, big.NewInt(500), nil); err != nil {
		t.Fatalf("return: %v", err)
	}
	if _, err := env.engine.CompleteOperation(testOperator, "growth", manifest); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.engine.CompleteOperation(testOperator, "growth", manifest); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("second completion should find no armed operation, got %v", err)
	}
}

func TestCompleteRequiresAllAssetsReturned(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)
	env.registerAsset(t, "alpha", 500)

	manifest, _, err := env.engine.BeginOperation(testOperator, "growth", []string{"alpha"}, nil, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err = env.engine.CompleteOperation(testOperator, "growth", manifest)
	if !errors.Is(err, ErrCustodyMismatch) {
		t.Fatalf("completion before return should fail custody, got %v", err)
	}
}

func TestCompleteRequiresPostReturnValuations(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)
	env.registerAsset(t, "alpha", 500)

	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", []string{"alpha"}, nil, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, nil, nil); err != nil {
		t.Fatalf("return: %v", err)
	}
	_, err = env.engine.CompleteOperation(testOperator, "growth", manifest)
	if !errors.Is(err, ErrReconciliationIncomplete) {
		t.Fatalf("expected reconciliation gate, got %v", err)
	}
	if err := env.engine.SubmitValuation("growth", "alpha", big.NewInt(480)); err != nil {
		t.Fatalf("revalue: %v", err)
	}
	summary, err := env.engine.CompleteOperation(testOperator, "growth", manifest)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if summary.Loss.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("expected loss 20 from devalued asset, got %s", summary.Loss)
	}
}

func TestCompleteRejectsShareSupplyChange(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, nil, nil); err != nil {
		t.Fatalf("return: %v", err)
	}
	env.state.vaults["growth"].TotalShares = big.NewInt(42)

	_, err = env.engine.CompleteOperation(testOperator, "growth", manifest)
	if !errors.Is(err, ErrShareCountMismatch) {
		t.Fatalf("expected share count mismatch, got %v", err)
	}
}

func TestStatusToggleAndParamsRejectedDuringOperation(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	if _, _, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := env.engine.SetVaultEnabled("growth", false); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("toggle during operation should fail, got %v", err)
	}
	params := VaultParams{LossToleranceBps: 50, PeriodSeconds: 86_400, FreshnessSeconds: 60}
	if _, err := env.engine.UpdateParams("growth", params); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("param change during operation should fail, got %v", err)
	}
}

func TestDisabledVaultRejectsBegin(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	if _, err := env.engine.SetVaultEnabled("growth", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	_, _, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil)
	if !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("disabled vault should reject begin, got %v", err)
	}
	if _, err := env.engine.SetVaultEnabled("growth", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, _, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil); err != nil {
		t.Fatalf("begin after enable: %v", err)
	}
}

func TestGainDoesNotOffsetLaterLoss(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	// A profitable operation leaves the cumulative loss untouched.
	summary := env.runOperation(t, 1_000, 1_500)
	if summary.Loss.Sign() != 0 {
		t.Fatalf("gain should book zero loss, got %s", summary.Loss)
	}
	if summary.CumulativeLoss.Sign() != 0 {
		t.Fatalf("gain must not reduce cumulative loss, got %s", summary.CumulativeLoss)
	}

	// The full budget is still 1,000 of the original baseline; 1,001 aborts
	// even though the vault gained 500 beforehand.
	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", nil, big.NewInt(2_000), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, big.NewInt(999), nil); err != nil {
		t.Fatalf("return: %v", err)
	}
	_, err = env.engine.CompleteOperation(testOperator, "growth", manifest)
	if !errors.Is(err, ErrLossToleranceExceeded) {
		t.Fatalf("expected loss tolerance violation, got %v", err)
	}
}

func TestLossLedgerRebasesAtPeriodBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	env.runOperation(t, 5_000, 4_000)
	if env.storedVault(t).Loss.CumulativeLoss.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("first period should close with cumulative 1000")
	}

	// The next period rebases lazily at its first begin: fresh baseline from
	// the current snapshot, cumulative loss reset.
	env.now += 86_400
	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", nil, big.NewInt(5_000), nil)
	if err != nil {
		t.Fatalf("begin next period: %v", err)
	}
	stored := env.storedVault(t)
	if stored.Loss.Baseline.Cmp(big.NewInt(999_000)) != 0 {
		t.Fatalf("expected rebased baseline 999000, got %s", stored.Loss.Baseline)
	}
	if stored.Loss.CumulativeLoss.Sign() != 0 {
		t.Fatalf("rebased period should restart at zero loss")
	}
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, big.NewInt(4_001), nil); err != nil {
		t.Fatalf("return: %v", err)
	}
	// New budget: 10 bps of 999,000 is 999 exactly.
	summary, err := env.engine.CompleteOperation(testOperator, "growth", manifest)
	if err != nil {
		t.Fatalf("complete at new budget: %v", err)
	}
	if summary.Loss.Cmp(big.NewInt(999)) != 0 {
		t.Fatalf("expected loss 999, got %s", summary.Loss)
	}
}

func TestZeroBaselineRejectsAnyLoss(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 10)

	// An empty vault pins a zero baseline for the period.
	summary := env.runOperation(t, 0, 0)
	if summary.ValueBefore.Sign() != 0 {
		t.Fatalf("expected zero snapshot, got %s", summary.ValueBefore)
	}

	// Value arrives mid-period; the baseline does not re-capture, so any loss
	// at all overruns the zero budget.
	env.state.vaults["growth"].Principal = big.NewInt(10_000)
	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", nil, big.NewInt(100), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, big.NewInt(99), nil); err != nil {
		t.Fatalf("return: %v", err)
	}
	_, err = env.engine.CompleteOperation(testOperator, "growth", manifest)
	if !errors.Is(err, ErrLossToleranceExceeded) {
		t.Fatalf("zero baseline must reject any loss, got %v", err)
	}
}

func TestEmptyOperationRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if len(manifest.Entries) != 0 || ledger.Len() != 0 {
		t.Fatalf("empty operation should carry no entries")
	}
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, nil, nil); err != nil {
		t.Fatalf("return: %v", err)
	}
	summary, err := env.engine.CompleteOperation(testOperator, "growth", manifest)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if summary.Loss.Sign() != 0 {
		t.Fatalf("no-op operation should book no loss")
	}
}

func TestSubmitValuationRejectsCheckedOutAsset(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)
	env.registerAsset(t, "alpha", 500)

	if _, _, err := env.engine.BeginOperation(testOperator, "growth", []string{"alpha"}, nil, nil); err != nil {
		t.Fatalf("begin: %v", err)
	}
	err := env.engine.SubmitValuation("growth", "alpha", big.NewInt(777))
	if !errors.Is(err, ErrAssetCheckedOut) {
		t.Fatalf("checked-out asset should reject valuations, got %v", err)
	}
}

func TestOperatorBindingOnPhases(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)

	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	other := [20]byte{0xff}
	if err := env.engine.ReturnAssets(other, "growth", manifest, ledger, nil, nil); !errors.Is(err, ErrCustodyMismatch) {
		t.Fatalf("foreign operator should be rejected, got %v", err)
	}
	if _, err := env.engine.CompleteOperation(other, "growth", manifest); !errors.Is(err, ErrCustodyMismatch) {
		t.Fatalf("foreign operator should be rejected at completion, got %v", err)
	}
}

type stubPauses struct {
	paused map[string]bool
}

func (s stubPauses) IsPaused(module string) bool { return s.paused[module] }

func TestPausedModuleRejectsMutations(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 1_000_000, 10)
	env.registerAsset(t, "alpha", 500)

	env.engine.SetPauses(stubPauses{paused: map[string]bool{"vault": true}})

	if _, _, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("begin under pause should fail, got %v", err)
	}
	if err := env.engine.SubmitValuation("growth", "alpha", big.NewInt(600)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("valuation under pause should fail, got %v", err)
	}
	handle := &AssetHandle{
		Kind:    KindLending,
		Lending: &LendingPosition{Symbol: "USDC", Decimals: 18, Principal: big.NewInt(1)},
	}
	if _, err := env.engine.RegisterAsset("growth", "beta", KindLending, handle); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("registration under pause should fail, got %v", err)
	}

	// Reads stay open while the module is paused.
	if _, err := env.engine.GetVault("growth"); err != nil {
		t.Fatalf("read under pause: %v", err)
	}

	env.engine.SetPauses(stubPauses{paused: map[string]bool{}})
	env.runOperation(t, 0, 0)
}
