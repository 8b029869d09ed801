// Package adaptors values strategy positions in canonical USD. Each adaptor
// understands one asset kind's payload; the registry dispatches on the
// handle's kind so the vault engine never inspects payloads itself.
package adaptors

import (
	"errors"
	"fmt"
	"math/big"

	"coffer/native/vault"
)

var (
	ErrNilHandle       = errors.New("adaptors: nil asset handle")
	ErrKindUnsupported = errors.New("adaptors: unsupported asset kind")
)

// PriceView resolves a symbol to its canonical USD price (18 decimals).
type PriceView interface {
	CanonicalPrice(symbol string) (*big.Int, error)
}

// Adaptor computes the canonical USD value of one asset kind.
type Adaptor interface {
	Kind() vault.AssetKind
	Value(handle *vault.AssetHandle, prices PriceView) (*big.Int, error)
}

// Registry holds one adaptor per asset kind.
type Registry struct {
	adaptors map[vault.AssetKind]Adaptor
}

// NewRegistry returns a registry preloaded with the lending, pool, and
// staking adaptors.
func NewRegistry() *Registry {
	registry := &Registry{adaptors: make(map[vault.AssetKind]Adaptor)}
	registry.Register(LendingAdaptor{})
	registry.Register(PoolAdaptor{})
	registry.Register(StakingAdaptor{})
	return registry
}

// Register installs an adaptor, replacing any previous one for the kind.
func (r *Registry) Register(adaptor Adaptor) {
	if r == nil || adaptor == nil {
		return
	}
	if r.adaptors == nil {
		r.adaptors = make(map[vault.AssetKind]Adaptor)
	}
	r.adaptors[adaptor.Kind()] = adaptor
}

// Value dispatches the handle to the adaptor registered for its kind.
func (r *Registry) Value(handle *vault.AssetHandle, prices PriceView) (*big.Int, error) {
	if handle == nil {
		return nil, ErrNilHandle
	}
	if r == nil || r.adaptors == nil {
		return nil, fmt.Errorf("%w: %s", ErrKindUnsupported, handle.Kind)
	}
	adaptor, ok := r.adaptors[handle.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKindUnsupported, handle.Kind)
	}
	return adaptor.Value(handle, prices)
}
