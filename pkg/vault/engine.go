// Package vault implements the value-accrual accounting core: contribution
// tracking, round-based proportional share issuance, a cumulative
// value-per-share accumulator and watermark-delta claims.
//
// The engine functions in this file are pure integer math over State and
// Benefactor values. They perform no I/O; the store applies them inside a
// serializing transaction.
package vault

import "cosmossdk.io/math"

// Contribute adds amount to a benefactor's pending and lifetime totals and
// to the vault-wide pending pool. It never mints shares.
func Contribute(st *State, b *Benefactor, amount math.Int) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	b.PendingContribution = b.PendingContribution.Add(amount)
	b.LifetimeContribution = b.LifetimeContribution.Add(amount)
	st.TotalPendingContribution = st.TotalPendingContribution.Add(amount)
	return nil
}

// MintRound issues shares for one conversion round. netOutput is the venue
// output after the caller incentive. Each participant receives
//
//	netOutput * ShareScalar * pending_i / totalPending
//
// added to their existing balance, so later rounds cannot retroactively
// change the outcome of earlier ones. Participant pendings and the global
// pending pool are zeroed. Returns the total shares actually minted, which
// is the sum of the floored per-participant mints; TotalShares is advanced
// by exactly that sum so it always equals the sum of balances.
func MintRound(st *State, participants []*Benefactor, netOutput math.Int) math.Int {
	totalPending := st.TotalPendingContribution
	minted := math.ZeroInt()
	if totalPending.IsZero() {
		return minted
	}

	newShares := netOutput.Mul(ShareScalar)
	for _, p := range participants {
		if !p.PendingContribution.IsPositive() {
			continue
		}
		cut := newShares.Mul(p.PendingContribution).Quo(totalPending)
		p.Shares = p.Shares.Add(cut)
		p.PendingContribution = math.ZeroInt()
		minted = minted.Add(cut)
	}

	st.TotalShares = st.TotalShares.Add(minted)
	st.TotalPendingContribution = math.ZeroInt()
	return minted
}

// AccrueYield advances the accumulator for a yield deposit, weighting by the
// share total at this moment. When no shares exist the amount is buffered in
// DeferredYield instead; dividing by a zero share total is prevented by this
// branch, never detected after the fact. Reports whether the deposit was
// deferred.
func AccrueYield(st *State, amount math.Int) (deferred bool, err error) {
	if !amount.IsPositive() {
		return false, ErrInvalidAmount
	}
	if st.TotalShares.IsZero() {
		st.DeferredYield = st.DeferredYield.Add(amount)
		return true, nil
	}
	st.CumulativeValuePerShare = st.CumulativeValuePerShare.Add(
		amount.Mul(AccumulatorScale).Quo(st.TotalShares))
	return false, nil
}

// DrainDeferred folds buffered yield into the accumulator once shares exist.
// Returns the amount applied, zero when nothing was buffered or no shares
// have been minted yet.
func DrainDeferred(st *State) math.Int {
	if st.DeferredYield.IsZero() || st.TotalShares.IsZero() {
		return math.ZeroInt()
	}
	applied := st.DeferredYield
	st.CumulativeValuePerShare = st.CumulativeValuePerShare.Add(
		applied.Mul(AccumulatorScale).Quo(st.TotalShares))
	st.DeferredYield = math.ZeroInt()
	return applied
}

// Claimable computes the unclaimed delta for a benefactor against their
// personal watermark. Cost is O(1) regardless of how many deposits happened
// since the last claim.
func Claimable(st *State, b *Benefactor) math.Int {
	return b.Shares.Mul(st.CumulativeValuePerShare.Sub(b.LastClaimWatermark)).Quo(AccumulatorScale)
}

// Claim computes the owed delta and advances the benefactor's watermark to
// the current accumulator. The watermark moves before any outward payout is
// made, so a re-entrant caller observes already-updated state.
func Claim(st *State, b *Benefactor) math.Int {
	owed := Claimable(st, b)
	b.LastClaimWatermark = st.CumulativeValuePerShare
	return owed
}
