package core

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"coffer/core/events"
	"coffer/core/state"
	"coffer/core/types"
	nativecommon "coffer/native/common"
	"coffer/native/operator"
	"coffer/native/oracle"
	"coffer/native/vault"
	"coffer/native/vault/adaptors"
	"coffer/observability"
	"coffer/storage"
)

// Node owns the database handle and serialises every state-touching call of
// the daemon. Each call opens a fresh state manager over the store; buffered
// writes reach disk only when the call returns nil, so a failed phase leaves
// no partial state behind.
type Node struct {
	db storage.Database

	stateMu sync.Mutex

	prices    *oracle.Cache
	operators *operator.Registry
	valuers   *adaptors.Registry

	pauses   nativecommon.PauseView
	treasury [20]byte
	nowFn    func() time.Time

	eventMu      sync.Mutex
	eventSeq     uint64
	eventNextID  uint64
	eventSubs    map[uint64]chan EventUpdate
	eventHistory []EventUpdate
	eventSink    EventSink
}

// EventSink observes every published event after it is sequenced. Sinks run
// on the publishing goroutine and are advisory: implementations log and
// swallow their own failures.
type EventSink interface {
	Record(update EventUpdate)
}

// NewNode wires the shared daemon services around the database. Vault
// definitions and price feeds arrive later through the registry bootstrap.
func NewNode(db storage.Database) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node requires a database")
	}
	n := &Node{
		db:      db,
		nowFn:   time.Now,
		valuers: adaptors.NewRegistry(),
	}
	n.prices = oracle.NewCache()
	n.prices.SetClock(n.now)
	n.prices.SetEmitter(nodeEventEmitter{node: n})
	n.operators = operator.NewRegistry()
	n.operators.SetNowFunc(func() int64 { return n.now().Unix() })
	n.operators.SetEmitter(nodeEventEmitter{node: n})
	return n, nil
}

// SetPauses installs the module pause view consulted before every mutating
// vault call. Configure before serving traffic.
func (n *Node) SetPauses(p nativecommon.PauseView) {
	if n == nil {
		return
	}
	n.pauses = p
}

// SetNowFunc overrides the node clock, which also drives the price cache and
// the freeze registry. Nil restores the wall clock.
func (n *Node) SetNowFunc(now func() time.Time) {
	if n == nil {
		return
	}
	if now == nil {
		now = time.Now
	}
	n.nowFn = now
	n.prices.SetClock(n.now)
	n.operators.SetNowFunc(func() int64 { return n.now().Unix() })
}

// SetTreasury names the account credited with execution fees. The zero
// address keeps fees inside the vaults. Configure before serving traffic.
func (n *Node) SetTreasury(addr [20]byte) {
	if n == nil {
		return
	}
	n.treasury = addr
}

// SetEventSink attaches an advisory consumer for the sequenced event stream.
// Configure before serving traffic.
func (n *Node) SetEventSink(sink EventSink) {
	if n == nil {
		return
	}
	n.eventMu.Lock()
	n.eventSink = sink
	n.eventMu.Unlock()
}

// SetFreshnessWindow adjusts the cache-wide price read window in seconds.
func (n *Node) SetFreshnessWindow(seconds int64) {
	if n == nil {
		return
	}
	n.prices.SetFreshnessWindow(seconds)
}

// Valuers exposes the adaptor registry so the bootstrap can install custom
// adaptors alongside the built-in kinds.
func (n *Node) Valuers() *adaptors.Registry {
	if n == nil {
		return nil
	}
	return n.valuers
}

func (n *Node) now() time.Time {
	if n == nil || n.nowFn == nil {
		return time.Now()
	}
	return n.nowFn()
}

// WithState runs fn against a fresh state manager bound to the node's
// database. The price cache and freeze registry share the manager for the
// duration of the call, so their reads and writes commit or roll back with
// everything else fn does.
func (n *Node) WithState(fn func(*state.Manager) error) error {
	if n == nil || n.db == nil {
		return fmt.Errorf("node not initialised")
	}
	if fn == nil {
		return fmt.Errorf("state callback must not be nil")
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.db)
	n.prices.SetStore(manager)
	n.operators.SetStore(manager)
	defer func() {
		n.prices.SetStore(nil)
		n.operators.SetStore(nil)
	}()
	if err := fn(manager); err != nil {
		manager.Discard()
		return err
	}
	return manager.Commit()
}

// vaultEngine builds a vault engine bound to the supplied manager. Engines
// are per-call; all durable state lives behind the manager.
func (n *Node) vaultEngine(manager *state.Manager) *vault.Engine {
	engine := vault.NewEngine()
	engine.SetState(manager.VaultState())
	engine.SetAuthGate(n.operators)
	engine.SetPrices(n.prices)
	engine.SetPauses(n.pauses)
	engine.SetTreasury(n.treasury)
	engine.SetEmitter(nodeEventEmitter{node: n})
	engine.SetNowFunc(func() int64 { return n.now().Unix() })
	return engine
}

type eventWithPayload interface {
	Event() *types.Event
}

// nodeEventEmitter relays engine events into the node's sequenced stream.
// Engines emit success events only after their writes are buffered, and
// rejection events (operation blocked) must surface even though the state
// buffer is discarded, so relaying happens immediately.
type nodeEventEmitter struct {
	node *Node
}

func (e nodeEventEmitter) Emit(evt events.Event) {
	if e.node == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok || payload == nil {
		return
	}
	recordEventMetrics(evt)
	e.node.publishEvent(payload.Event())
}

// recordEventMetrics feeds the Prometheus collectors from the typed events so
// every instrumented path shares one choke point.
func recordEventMetrics(evt events.Event) {
	switch typed := evt.(type) {
	case events.OperationBegun:
		observability.Vault().RecordPhase(typed.Vault, "begin")
	case events.AssetsReturned:
		observability.Vault().RecordPhase(typed.Vault, "return")
	case events.OperationCompleted:
		observability.Vault().RecordPhase(typed.Vault, "complete")
		observability.Vault().SetCumulativeLoss(typed.Vault, typed.CumulativeLoss)
	case events.OperationBlocked:
		observability.Vault().RecordBlocked(typed.Vault, typed.Phase)
	case events.DepositExecuted:
		observability.Vault().RecordRequest(typed.Vault, "deposit", "executed")
	case events.WithdrawExecuted:
		observability.Vault().RecordRequest(typed.Vault, "withdraw", "executed")
	case events.RequestFailed:
		observability.Vault().RecordRequest(typed.Vault, typed.Kind, "failed")
	case events.PriceRefreshed:
		observability.Oracle().RecordRefresh(typed.Symbol, typed.UpdatedAt)
	}
}

// --- Vault lifecycle ---

// VaultCreate registers a new vault definition.
func (n *Node) VaultCreate(def *vault.Vault) (*vault.Vault, error) {
	var created *vault.Vault
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		created, err = n.vaultEngine(manager).CreateVault(def)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// VaultEnsure creates the vault when absent and returns the stored record
// otherwise. The registry bootstrap calls this on every start.
func (n *Node) VaultEnsure(def *vault.Vault) (*vault.Vault, error) {
	var ensured *vault.Vault
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		ensured, err = n.vaultEngine(manager).EnsureVault(def)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ensured, nil
}

// VaultGet loads one vault record.
func (n *Node) VaultGet(vaultID string) (*vault.Vault, error) {
	var loaded *vault.Vault
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		loaded, err = n.vaultEngine(manager).GetVault(vaultID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return loaded, nil
}

// VaultList loads every registered vault.
func (n *Node) VaultList() ([]*vault.Vault, error) {
	var vaults []*vault.Vault
	err := n.WithState(func(manager *state.Manager) error {
		ids, err := manager.VaultState().VaultIDs()
		if err != nil {
			return err
		}
		engine := n.vaultEngine(manager)
		vaults = make([]*vault.Vault, 0, len(ids))
		for _, id := range ids {
			loaded, err := engine.GetVault(id)
			if err != nil {
				return err
			}
			vaults = append(vaults, loaded)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vaults, nil
}

// VaultRegisterAsset adds an asset type to the vault's arena with its initial
// position handle.
func (n *Node) VaultRegisterAsset(vaultID, assetType string, kind vault.AssetKind, handle *vault.AssetHandle) (*vault.AssetSlot, error) {
	var slot *vault.AssetSlot
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		slot, err = n.vaultEngine(manager).RegisterAsset(vaultID, assetType, kind, handle)
		return err
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// VaultEnsureAsset registers the asset slot when absent and returns the
// stored slot otherwise. The registry bootstrap calls this on every start.
func (n *Node) VaultEnsureAsset(vaultID, assetType string, kind vault.AssetKind, handle *vault.AssetHandle) (*vault.AssetSlot, error) {
	var slot *vault.AssetSlot
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		slot, err = n.vaultEngine(manager).EnsureAsset(vaultID, assetType, kind, handle)
		return err
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// AssetStatus pairs an asset slot with its latest cached valuation. Valuation
// is nil until an adaptor has submitted a value.
type AssetStatus struct {
	Slot      *vault.AssetSlot
	Valuation *vault.Valuation
}

// VaultListAssets reports every asset slot of the vault with its valuation.
func (n *Node) VaultListAssets(vaultID string) ([]AssetStatus, error) {
	var assets []AssetStatus
	err := n.WithState(func(manager *state.Manager) error {
		engine := n.vaultEngine(manager)
		loaded, err := engine.GetVault(vaultID)
		if err != nil {
			return err
		}
		assets = make([]AssetStatus, 0, len(loaded.AssetTypes))
		for _, assetType := range loaded.AssetTypes {
			slot, err := engine.GetSlot(loaded.ID, assetType)
			if err != nil {
				return err
			}
			valuation, _, err := manager.VaultState().GetValuation(loaded.ID, assetType)
			if err != nil {
				return err
			}
			assets = append(assets, AssetStatus{Slot: slot, Valuation: valuation})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}

// VaultSetEnabled flips a vault between normal service and disabled. Vaults
// with an armed operation cannot be toggled.
func (n *Node) VaultSetEnabled(vaultID string, enabled bool) (*vault.Vault, error) {
	var updated *vault.Vault
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		updated, err = n.vaultEngine(manager).SetVaultEnabled(vaultID, enabled)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// VaultSetLossTolerance adjusts the per-period loss budget in basis points.
func (n *Node) VaultSetLossTolerance(vaultID string, bps uint64) (*vault.Vault, error) {
	var updated *vault.Vault
	err := n.WithState(func(manager *state.Manager) error {
		engine := n.vaultEngine(manager)
		loaded, err := engine.GetVault(vaultID)
		if err != nil {
			return err
		}
		params := loaded.Params
		params.LossToleranceBps = bps
		updated, err = engine.UpdateParams(vaultID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// VaultSetFees adjusts the deposit and withdraw fees.
func (n *Node) VaultSetFees(vaultID string, fees vault.FeeConfig) (*vault.Vault, error) {
	var updated *vault.Vault
	err := n.WithState(func(manager *state.Manager) error {
		engine := n.vaultEngine(manager)
		loaded, err := engine.GetVault(vaultID)
		if err != nil {
			return err
		}
		params := loaded.Params
		params.Fees = fees
		updated, err = engine.UpdateParams(vaultID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// --- Custody operations ---

// VaultBeginOperation arms a custody operation and hands back the manifest
// plus the custody ledger carrying the borrowed handles. Both must accompany
// the later phase calls.
func (n *Node) VaultBeginOperation(op [20]byte, vaultID string, assetTypes []string, principalOut, reserveOut *big.Int) (*vault.Manifest, *vault.CustodyLedger, error) {
	var (
		manifest *vault.Manifest
		ledger   *vault.CustodyLedger
	)
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		manifest, ledger, err = n.vaultEngine(manager).BeginOperation(op, vaultID, assetTypes, principalOut, reserveOut)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return manifest, ledger, nil
}

// VaultReturnAssets drains the custody ledger back into the vault's arena.
func (n *Node) VaultReturnAssets(op [20]byte, vaultID string, manifest *vault.Manifest, ledger *vault.CustodyLedger, principalBack, reserveBack *big.Int) error {
	return n.WithState(func(manager *state.Manager) error {
		return n.vaultEngine(manager).ReturnAssets(op, vaultID, manifest, ledger, principalBack, reserveBack)
	})
}

// VaultCompleteOperation runs the completion gates and settles the loss
// ledger, returning the vault to normal service.
func (n *Node) VaultCompleteOperation(op [20]byte, vaultID string, manifest *vault.Manifest) (*vault.CompletionSummary, error) {
	var summary *vault.CompletionSummary
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		summary, err = n.vaultEngine(manager).CompleteOperation(op, vaultID, manifest)
		return err
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// VaultOperation loads the armed operation record, if any.
func (n *Node) VaultOperation(vaultID string) (*vault.OperationRecord, error) {
	var record *vault.OperationRecord
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		record, err = n.vaultEngine(manager).Operation(vaultID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// VaultRevalueAsset runs the registered adaptor for the asset and submits the
// result to the vault's valuation map. This is the only write path into the
// map while an operation is armed, so frozen operators are rejected before
// the adaptor runs.
func (n *Node) VaultRevalueAsset(op [20]byte, vaultID, assetType string) (*vault.Valuation, error) {
	var valuation *vault.Valuation
	err := n.WithState(func(manager *state.Manager) error {
		frozen, err := n.operators.IsFrozen(op)
		if err != nil {
			return err
		}
		if frozen {
			return vault.ErrOperatorFrozen
		}
		engine := n.vaultEngine(manager)
		slot, err := engine.GetSlot(vaultID, assetType)
		if err != nil {
			return err
		}
		if slot.Custody != vault.CustodyInVault || slot.Handle == nil {
			return fmt.Errorf("%w: %s", vault.ErrAssetCheckedOut, strings.TrimSpace(assetType))
		}
		value, err := n.valuers.Value(slot.Handle, n.prices)
		if err != nil {
			return err
		}
		if err := engine.SubmitValuation(vaultID, assetType, value); err != nil {
			return err
		}
		stored, ok, err := manager.VaultState().GetValuation(strings.TrimSpace(vaultID), strings.TrimSpace(assetType))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("vault %s: valuation missing after submit", strings.TrimSpace(vaultID))
		}
		valuation = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return valuation, nil
}

// --- Requests and rewards ---

// VaultSubmitDeposit buffers a deposit request, escrowing the gross amount
// from the owner's account.
func (n *Node) VaultSubmitDeposit(owner [20]byte, vaultID string, amount, minShares *big.Int) (*vault.Request, error) {
	var request *vault.Request
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		request, err = n.vaultEngine(manager).SubmitDeposit(owner, vaultID, amount, minShares)
		return err
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

// VaultSubmitWithdraw buffers a withdrawal request, escrowing the shares from
// the owner's receipt.
func (n *Node) VaultSubmitWithdraw(owner [20]byte, vaultID string, shares, minAmount *big.Int) (*vault.Request, error) {
	var request *vault.Request
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		request, err = n.vaultEngine(manager).SubmitWithdraw(owner, vaultID, shares, minAmount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

// VaultCancelRequest removes a buffered request and refunds its escrow.
func (n *Node) VaultCancelRequest(owner [20]byte, vaultID, requestID string) error {
	return n.WithState(func(manager *state.Manager) error {
		return n.vaultEngine(manager).CancelRequest(owner, vaultID, requestID)
	})
}

// VaultListRequests lists the vault's buffered requests in submission order.
func (n *Node) VaultListRequests(vaultID string) ([]*vault.Request, error) {
	var requests []*vault.Request
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		requests, err = n.vaultEngine(manager).ListRequests(vaultID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return requests, nil
}

// VaultExecuteRequests drains up to max buffered requests against the current
// share price. max zero drains everything executable.
func (n *Node) VaultExecuteRequests(op [20]byte, vaultID string, max int) (*vault.ExecutionReport, error) {
	var report *vault.ExecutionReport
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		report, err = n.vaultEngine(manager).ExecuteRequests(op, vaultID, max)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// VaultReceipt loads the owner's share receipt plus the settled pending
// reward balance.
func (n *Node) VaultReceipt(vaultID string, owner [20]byte) (*vault.Receipt, *big.Int, error) {
	var (
		receipt *vault.Receipt
		pending *big.Int
	)
	err := n.WithState(func(manager *state.Manager) error {
		engine := n.vaultEngine(manager)
		var err error
		receipt, err = engine.GetReceipt(vaultID, owner)
		if err != nil {
			return err
		}
		pending, err = engine.PendingRewards(vaultID, owner)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return receipt, pending, nil
}

// VaultAccrueReward credits harvested yield to the vault's reward pool out of
// the operator's account.
func (n *Node) VaultAccrueReward(op [20]byte, vaultID string, amount *big.Int) error {
	return n.WithState(func(manager *state.Manager) error {
		return n.vaultEngine(manager).AccrueReward(op, vaultID, amount)
	})
}

// VaultClaimRewards settles and pays out the owner's pending rewards.
func (n *Node) VaultClaimRewards(owner [20]byte, vaultID string) (*big.Int, error) {
	var claimed *big.Int
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		claimed, err = n.vaultEngine(manager).ClaimRewards(owner, vaultID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// --- Operator freeze registry ---

// VaultFreezeOperator blocks the operator from every phase call daemon-wide.
func (n *Node) VaultFreezeOperator(admin, op [20]byte) error {
	return n.WithState(func(*state.Manager) error {
		return n.operators.Freeze(admin, op)
	})
}

// VaultUnfreezeOperator lifts a freeze.
func (n *Node) VaultUnfreezeOperator(admin, op [20]byte) error {
	return n.WithState(func(*state.Manager) error {
		return n.operators.Unfreeze(admin, op)
	})
}

// VaultFrozenOperators lists the currently frozen operator addresses.
func (n *Node) VaultFrozenOperators() ([][20]byte, error) {
	var frozen [][20]byte
	err := n.WithState(func(*state.Manager) error {
		var err error
		frozen, err = n.operators.Frozen()
		return err
	})
	if err != nil {
		return nil, err
	}
	return frozen, nil
}

// VaultOperatorFrozen reports whether the operator is currently frozen.
func (n *Node) VaultOperatorFrozen(op [20]byte) (bool, error) {
	var frozen bool
	err := n.WithState(func(*state.Manager) error {
		var err error
		frozen, err = n.operators.IsFrozen(op)
		return err
	})
	if err != nil {
		return false, err
	}
	return frozen, nil
}

// --- Oracle ---

// OracleRegisterFeed binds a price feed to its symbol in the shared cache.
func (n *Node) OracleRegisterFeed(feed oracle.Feed, maxObservationAge time.Duration, freshnessSeconds int64) error {
	if n == nil {
		return fmt.Errorf("node not initialised")
	}
	return n.prices.RegisterFeed(feed, maxObservationAge, freshnessSeconds)
}

// OracleSymbols lists the registered feed symbols.
func (n *Node) OracleSymbols() []string {
	if n == nil {
		return nil
	}
	return n.prices.Symbols()
}

// OracleRefreshPrice pulls the feed for symbol and persists the normalised
// observation. The state lock is held across the fetch; feeds are expected to
// answer quickly or time out via ctx.
func (n *Node) OracleRefreshPrice(ctx context.Context, symbol string) (*oracle.PriceRecord, error) {
	var record *oracle.PriceRecord
	err := n.WithState(func(*state.Manager) error {
		if err := nativecommon.Guard(n.pauses, "oracle"); err != nil {
			return err
		}
		var err error
		record, err = n.prices.Refresh(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// OracleSetManualPrice drives a manual feed and refreshes the cache from it
// in one step. A zero observedAt stamps the observation with the node clock.
func (n *Node) OracleSetManualPrice(ctx context.Context, symbol string, value *big.Int, decimals uint8, observedAt time.Time) (*oracle.PriceRecord, error) {
	if n == nil {
		return nil, fmt.Errorf("node not initialised")
	}
	if err := nativecommon.Guard(n.pauses, "oracle"); err != nil {
		return nil, err
	}
	feed, ok := n.prices.Feed(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", oracle.ErrFeedUnknown, strings.TrimSpace(symbol))
	}
	manual, ok := feed.(*oracle.ManualFeed)
	if !ok {
		return nil, fmt.Errorf("oracle: feed %s is not manual", strings.TrimSpace(symbol))
	}
	if observedAt.IsZero() {
		observedAt = n.now()
	}
	manual.Set(value, decimals, observedAt)
	return n.OracleRefreshPrice(ctx, symbol)
}

// OracleGetPrice reads the cached price for symbol, enforcing the freshness
// window.
func (n *Node) OracleGetPrice(symbol string) (*oracle.PriceRecord, error) {
	var record *oracle.PriceRecord
	err := n.WithState(func(*state.Manager) error {
		var err error
		record, err = n.prices.Read(symbol)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// --- Accounts ---

// AccountGet loads the ledger entry for addr. Unknown addresses read as
// empty accounts.
func (n *Node) AccountGet(addr [20]byte) (*types.Account, error) {
	var account *types.Account
	err := n.WithState(func(manager *state.Manager) error {
		var err error
		account, err = manager.GetAccount(addr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// AccountCredit mints amount of denom onto the account and returns the
// updated record.
func (n *Node) AccountCredit(addr [20]byte, denom string, amount *big.Int) (*types.Account, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(denom))
	if trimmed == "" {
		return nil, fmt.Errorf("denom required")
	}
	var account *types.Account
	err := n.WithState(func(manager *state.Manager) error {
		if err := manager.Credit(addr, trimmed, amount); err != nil {
			return err
		}
		var err error
		account, err = manager.GetAccount(addr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Close releases the underlying database.
func (n *Node) Close() {
	if n == nil || n.db == nil {
		return
	}
	n.db.Close()
}
