package vault

import "math/big"

// periodOf maps a unix timestamp onto a loss-ledger period.
func periodOf(now int64, periodSeconds uint64) uint64 {
	if periodSeconds == 0 || now <= 0 {
		return 0
	}
	return uint64(now) / periodSeconds
}

// rebaseLossLedger pins the period baseline at the first armed operation of a
// period: the baseline becomes the fresh snapshot and the cumulative loss
// restarts at zero. Later operations in the same period keep the ledger as
// is, so losses accumulate against the original baseline.
func rebaseLossLedger(v *Vault, now int64, snapshot *big.Int) {
	period := periodOf(now, v.Params.PeriodSeconds)
	if v.Loss.Captured && period == v.Loss.PeriodID {
		return
	}
	v.Loss.PeriodID = period
	v.Loss.Baseline = copyBig(snapshot)
	v.Loss.CumulativeLoss = big.NewInt(0)
	v.Loss.Captured = true
}

// checkLossBudget rejects a cumulative loss above the period budget. The
// comparison runs on integers, loss*10000 against toleranceBps*baseline, so
// no intermediate division can hide a one-unit overshoot. A zero baseline
// grants no budget at all: any loss aborts.
func checkLossBudget(v *Vault, cumulative *big.Int) error {
	lhs := new(big.Int).Mul(cumulative, basisPoints)
	rhs := new(big.Int).Mul(new(big.Int).SetUint64(v.Params.LossToleranceBps), v.Loss.Baseline)
	if lhs.Cmp(rhs) <= 0 {
		return nil
	}
	budget := new(big.Int).Mul(new(big.Int).SetUint64(v.Params.LossToleranceBps), v.Loss.Baseline)
	budget.Quo(budget, basisPoints)
	return &LossViolation{
		Vault:          v.ID,
		PeriodID:       v.Loss.PeriodID,
		Baseline:       copyBig(v.Loss.Baseline),
		Budget:         budget,
		CumulativeLoss: copyBig(cumulative),
	}
}
