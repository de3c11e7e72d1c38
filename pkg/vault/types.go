package vault

import (
	"time"

	"cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// Fixed-point parameters.
//
// ShareScalar sets the neutral issuance precision: 1 settlement unit of
// converted value mints ShareScalar shares, keeping pro-rata arithmetic
// precise across many small, unevenly sized contributions.
//
// AccumulatorScale is the fixed-point scale of the cumulative
// value-per-share accumulator and of per-benefactor watermarks. It is much
// larger than ShareScalar so that a deposit small relative to the share
// population still moves the accumulator.
var (
	ShareScalar      = math.NewInt(1_000_000)
	AccumulatorScale = math.NewIntWithDecimal(1, 18)
)

// State is the vault-wide accounting state. A single row of it exists for
// the lifetime of the vault.
type State struct {
	// TotalShares equals the sum of all benefactor share balances.
	TotalShares math.Int
	// CumulativeValuePerShare is the monotonic accumulator, scaled by
	// AccumulatorScale. Each yield deposit adds
	// amount*AccumulatorScale/TotalShares using the share total at the
	// moment of that deposit.
	CumulativeValuePerShare math.Int
	// TotalPendingContribution is the unconverted contribution pool.
	TotalPendingContribution math.Int
	// DeferredYield buffers yield deposited while no shares exist. It is
	// folded into the accumulator by the next conversion that mints shares.
	DeferredYield math.Int
}

// NewState returns the zero vault state.
func NewState() State {
	return State{
		TotalShares:              math.ZeroInt(),
		CumulativeValuePerShare:  math.ZeroInt(),
		TotalPendingContribution: math.ZeroInt(),
		DeferredYield:            math.ZeroInt(),
	}
}

// Benefactor is a contributing identity and its proportional claim.
type Benefactor struct {
	Key                  string
	PendingContribution  math.Int
	LifetimeContribution math.Int
	Shares               math.Int
	LastClaimWatermark   math.Int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// NewBenefactor returns a benefactor record with zero defaults. Records are
// created lazily on first contribution.
func NewBenefactor(key string) *Benefactor {
	return &Benefactor{
		Key:                  key,
		PendingContribution:  math.ZeroInt(),
		LifetimeContribution: math.ZeroInt(),
		Shares:               math.ZeroInt(),
		LastClaimWatermark:   math.ZeroInt(),
	}
}

// ValidateBenefactorKey checks that a benefactor identity is a non-empty
// base58 string, the form contribution sources use for on-venue accounts.
func ValidateBenefactorKey(key string) error {
	if key == "" {
		return ErrInvalidBenefactorKey
	}
	if _, err := base58.Decode(key); err != nil {
		return ErrInvalidBenefactorKey
	}
	return nil
}

// Round records the effect of one non-empty conversion.
type Round struct {
	ID              uuid.UUID
	InputAmount     math.Int
	OutputAmount    math.Int
	CallerIncentive math.Int
	MintedShares    math.Int
	Participants    int
	PositionRef     string
	CreatedAt       time.Time
}

// Config holds the administrative knobs outside the accounting core.
type Config struct {
	// CallerIncentiveBps is the fraction of converted output paid to
	// whoever triggered the conversion, in basis points.
	CallerIncentiveBps int64
	// SlippageFloorBps bounds acceptable venue slippage when the caller
	// does not supply an explicit minimum output: the conversion aborts if
	// output < input * (10000 - SlippageFloorBps) / 10000.
	SlippageFloorBps int64
}

// Validate checks config bounds.
func (c Config) Validate() error {
	if c.CallerIncentiveBps < 0 || c.CallerIncentiveBps > 10000 {
		return ErrInvalidAmount
	}
	if c.SlippageFloorBps < 0 || c.SlippageFloorBps > 10000 {
		return ErrInvalidAmount
	}
	return nil
}

// MinimumOutput derives the slippage floor for a given input when no
// explicit minimum was supplied.
func (c Config) MinimumOutput(input math.Int) math.Int {
	return input.MulRaw(10000 - c.SlippageFloorBps).QuoRaw(10000)
}

// CallerIncentive returns the incentive cut for a converted output.
func (c Config) CallerIncentive(output math.Int) math.Int {
	return output.MulRaw(c.CallerIncentiveBps).QuoRaw(10000)
}
