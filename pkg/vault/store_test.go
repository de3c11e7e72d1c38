package vault

import (
	"context"
	"errors"
	"testing"

	"cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	tribtesting "github.com/tributelabs/tributary/pkg/testing"
)

// Benefactor keys are base58 venue account identifiers.
const (
	testKeyA      = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testKeyB      = "4Nd1mYvDzFifAWrYpPHyuBPNNR2ijDCZCvLDpjKZidBe"
	testKeyCaller = "7Gk4kZQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9Pus"
)

func newTestStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	pool := tribtesting.NewTestPool(t, testDB)
	store, err := NewStore(StoreConfig{
		Logger: tribtesting.NewLogger(),
		Pool:   pool,
	})
	require.NoError(t, err)
	return store, pool
}

// exchangeAt returns an ExchangeFunc that converts at num/den.
func exchangeAt(num, den int64) ExchangeFunc {
	return func(ctx context.Context, input math.Int) (math.Int, string, error) {
		return input.MulRaw(num).QuoRaw(den), "pos-" + input.String(), nil
	}
}

func discardDelivery(ctx context.Context, payoutID uuid.UUID, benefactor string, amount math.Int) error {
	return nil
}

func countRows(t *testing.T, pool *pgxpool.Pool, table string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(t.Context(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestTributary_Store_RecordContribution(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store, pool := newTestStore(t)

	t.Run("creates benefactor lazily and accumulates", func(t *testing.T) {
		b, err := store.RecordContribution(ctx, testKeyA, units(5))
		require.NoError(t, err)
		require.True(t, b.PendingContribution.Equal(units(5)))

		b, err = store.RecordContribution(ctx, testKeyA, units(3))
		require.NoError(t, err)
		require.True(t, b.PendingContribution.Equal(units(8)))
		require.True(t, b.LifetimeContribution.Equal(units(8)))
		require.True(t, b.Shares.IsZero())

		st, err := store.GetState(ctx)
		require.NoError(t, err)
		require.True(t, st.TotalPendingContribution.Equal(units(8)))
		require.Equal(t, 2, countRows(t, pool, "events"))
	})

	t.Run("rejects invalid inputs without writes", func(t *testing.T) {
		_, err := store.RecordContribution(ctx, "", units(1))
		require.ErrorIs(t, err, ErrInvalidBenefactorKey)

		_, err = store.RecordContribution(ctx, "not/base58", units(1))
		require.ErrorIs(t, err, ErrInvalidBenefactorKey)

		_, err = store.RecordContribution(ctx, testKeyB, math.ZeroInt())
		require.ErrorIs(t, err, ErrInvalidAmount)

		_, err = store.GetBenefactor(ctx, testKeyB)
		require.ErrorIs(t, err, ErrUnknownBenefactor)
	})
}

func TestTributary_Store_Convert(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	t.Run("no-op with nothing pending", func(t *testing.T) {
		t.Parallel()
		store, pool := newTestStore(t)

		res, err := store.Convert(ctx, ConvertParams{}, Config{}, exchangeAt(1, 1), discardDelivery)
		require.NoError(t, err)
		require.True(t, res.NoOp)
		require.Equal(t, 0, countRows(t, pool, "rounds"))
		require.Equal(t, 0, countRows(t, pool, "events"))
	})

	t.Run("mints pro-rata and zeroes pendings", func(t *testing.T) {
		t.Parallel()
		store, pool := newTestStore(t)

		_, err := store.RecordContribution(ctx, testKeyA, units(10))
		require.NoError(t, err)
		_, err = store.RecordContribution(ctx, testKeyB, units(5))
		require.NoError(t, err)

		res, err := store.Convert(ctx, ConvertParams{}, Config{SlippageFloorBps: 100}, exchangeAt(1, 1), discardDelivery)
		require.NoError(t, err)
		require.False(t, res.NoOp)
		require.True(t, res.Round.InputAmount.Equal(units(15)))
		require.True(t, res.Round.OutputAmount.Equal(units(15)))
		require.Equal(t, 2, res.Round.Participants)
		require.True(t, res.Round.CallerIncentive.IsZero())

		a, err := store.GetBenefactor(ctx, testKeyA)
		require.NoError(t, err)
		b, err := store.GetBenefactor(ctx, testKeyB)
		require.NoError(t, err)
		require.True(t, a.PendingContribution.IsZero())
		require.True(t, b.PendingContribution.IsZero())
		require.True(t, a.Shares.Sub(b.Shares.MulRaw(2)).Abs().LTE(math.OneInt()))

		st, err := store.GetState(ctx)
		require.NoError(t, err)
		require.True(t, st.TotalPendingContribution.IsZero())
		require.True(t, st.TotalShares.Equal(a.Shares.Add(b.Shares)))

		rounds, err := store.ListRounds(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, rounds, 1)
		require.Equal(t, res.Round.ID, rounds[0].ID)
		require.NotEmpty(t, rounds[0].PositionRef)
		require.Equal(t, 0, countRows(t, pool, "payouts"))
	})

	t.Run("slippage aborts with no state change", func(t *testing.T) {
		t.Parallel()
		store, pool := newTestStore(t)

		_, err := store.RecordContribution(ctx, testKeyA, units(10))
		require.NoError(t, err)

		minOut := units(10)
		_, err = store.Convert(ctx, ConvertParams{MinimumOutput: &minOut},
			Config{}, exchangeAt(9, 10), discardDelivery)
		require.ErrorIs(t, err, ErrSlippageExceeded)

		st, err := store.GetState(ctx)
		require.NoError(t, err)
		require.True(t, st.TotalPendingContribution.Equal(units(10)),
			"aborted conversion must leave the pending pool intact")
		require.True(t, st.TotalShares.IsZero())
		require.Equal(t, 0, countRows(t, pool, "rounds"))
	})

	t.Run("configured floor applies when no explicit minimum", func(t *testing.T) {
		t.Parallel()
		store, _ := newTestStore(t)

		_, err := store.RecordContribution(ctx, testKeyA, units(10))
		require.NoError(t, err)

		// A 1% floor rejects a 5% haircut but accepts 0.5%.
		_, err = store.Convert(ctx, ConvertParams{}, Config{SlippageFloorBps: 100}, exchangeAt(95, 100), discardDelivery)
		require.ErrorIs(t, err, ErrSlippageExceeded)

		res, err := store.Convert(ctx, ConvertParams{}, Config{SlippageFloorBps: 100}, exchangeAt(995, 1000), discardDelivery)
		require.NoError(t, err)
		require.False(t, res.NoOp)
	})

	t.Run("pays caller incentive and mints the remainder", func(t *testing.T) {
		t.Parallel()
		store, pool := newTestStore(t)

		_, err := store.RecordContribution(ctx, testKeyA, units(100))
		require.NoError(t, err)

		delivered := math.ZeroInt()
		deliver := func(ctx context.Context, payoutID uuid.UUID, benefactor string, amount math.Int) error {
			require.Equal(t, testKeyCaller, benefactor)
			delivered = delivered.Add(amount)
			return nil
		}

		cfg := Config{CallerIncentiveBps: 10, SlippageFloorBps: 100}
		res, err := store.Convert(ctx, ConvertParams{Caller: testKeyCaller}, cfg, exchangeAt(1, 1), deliver)
		require.NoError(t, err)

		wantIncentive := units(100).MulRaw(10).QuoRaw(10000)
		require.True(t, res.Round.CallerIncentive.Equal(wantIncentive))
		require.True(t, delivered.Equal(wantIncentive))
		require.Equal(t, 1, countRows(t, pool, "payouts"))

		a, err := store.GetBenefactor(ctx, testKeyA)
		require.NoError(t, err)
		require.True(t, a.Shares.Equal(units(100).Sub(wantIncentive).Mul(ShareScalar)))
	})

	t.Run("venue failure rolls everything back", func(t *testing.T) {
		t.Parallel()
		store, pool := newTestStore(t)

		_, err := store.RecordContribution(ctx, testKeyA, units(10))
		require.NoError(t, err)

		venueErr := errors.New("venue unavailable")
		_, err = store.Convert(ctx, ConvertParams{}, Config{},
			func(ctx context.Context, input math.Int) (math.Int, string, error) {
				return math.Int{}, "", venueErr
			}, discardDelivery)
		require.ErrorIs(t, err, venueErr)

		st, err := store.GetState(ctx)
		require.NoError(t, err)
		require.True(t, st.TotalPendingContribution.Equal(units(10)))
		require.Equal(t, 0, countRows(t, pool, "rounds"))
		require.Equal(t, 1, countRows(t, pool, "events"), "only the contribution event remains")
	})
}

func TestTributary_Store_DepositYield(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	t.Run("defers while no shares exist and applies on conversion", func(t *testing.T) {
		t.Parallel()
		store, _ := newTestStore(t)

		deferred, err := store.DepositYield(ctx, units(4))
		require.NoError(t, err)
		require.True(t, deferred)

		st, err := store.GetState(ctx)
		require.NoError(t, err)
		require.True(t, st.DeferredYield.Equal(units(4)))

		_, err = store.RecordContribution(ctx, testKeyA, units(10))
		require.NoError(t, err)
		res, err := store.Convert(ctx, ConvertParams{}, Config{SlippageFloorBps: 100}, exchangeAt(1, 1), discardDelivery)
		require.NoError(t, err)
		require.True(t, res.DeferredApplied.Equal(units(4)))

		st, err = store.GetState(ctx)
		require.NoError(t, err)
		require.True(t, st.DeferredYield.IsZero())

		claimable, err := store.GetClaimable(ctx, testKeyA)
		require.NoError(t, err)
		require.True(t, claimable.Sub(units(4)).Abs().LTE(math.OneInt()),
			"sole share holder should be owed the whole buffer, got %s", claimable)
	})

	t.Run("accrues against the live share total", func(t *testing.T) {
		t.Parallel()
		store, _ := newTestStore(t)

		_, err := store.RecordContribution(ctx, testKeyA, units(5))
		require.NoError(t, err)
		_, err = store.RecordContribution(ctx, testKeyB, units(5))
		require.NoError(t, err)
		_, err = store.Convert(ctx, ConvertParams{}, Config{SlippageFloorBps: 100}, exchangeAt(1, 1), discardDelivery)
		require.NoError(t, err)

		deferred, err := store.DepositYield(ctx, units(2))
		require.NoError(t, err)
		require.False(t, deferred)

		claimableA, err := store.GetClaimable(ctx, testKeyA)
		require.NoError(t, err)
		require.True(t, claimableA.Sub(units(1)).Abs().LTE(math.OneInt()))
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		t.Parallel()
		store, _ := newTestStore(t)
		_, err := store.DepositYield(ctx, math.ZeroInt())
		require.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestTributary_Store_Claim(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	seed := func(t *testing.T, store *Store) {
		t.Helper()
		_, err := store.RecordContribution(ctx, testKeyA, units(5))
		require.NoError(t, err)
		_, err = store.RecordContribution(ctx, testKeyB, units(5))
		require.NoError(t, err)
		_, err = store.Convert(ctx, ConvertParams{}, Config{SlippageFloorBps: 100}, exchangeAt(1, 1), discardDelivery)
		require.NoError(t, err)
		_, err = store.DepositYield(ctx, units(2))
		require.NoError(t, err)
	}

	t.Run("delivers the delta and advances the watermark", func(t *testing.T) {
		t.Parallel()
		store, pool := newTestStore(t)
		seed(t, store)

		delivered := math.ZeroInt()
		deliver := func(ctx context.Context, payoutID uuid.UUID, benefactor string, amount math.Int) error {
			delivered = delivered.Add(amount)
			return nil
		}

		owed, err := store.Claim(ctx, testKeyA, deliver)
		require.NoError(t, err)
		require.True(t, owed.Sub(units(1)).Abs().LTE(math.OneInt()))
		require.True(t, delivered.Equal(owed))
		require.Equal(t, 1, countRows(t, pool, "payouts"))

		// Nothing new accrued, so a second claim owes nothing and writes
		// nothing.
		owed, err = store.Claim(ctx, testKeyA, deliver)
		require.NoError(t, err)
		require.True(t, owed.IsZero())
		require.Equal(t, 1, countRows(t, pool, "payouts"))
	})

	t.Run("delivery failure rolls the watermark back", func(t *testing.T) {
		t.Parallel()
		store, pool := newTestStore(t)
		seed(t, store)

		before, err := store.GetClaimable(ctx, testKeyA)
		require.NoError(t, err)
		require.True(t, before.IsPositive())

		deliveryErr := errors.New("transfer rejected")
		_, err = store.Claim(ctx, testKeyA, func(ctx context.Context, payoutID uuid.UUID, benefactor string, amount math.Int) error {
			return deliveryErr
		})
		require.ErrorIs(t, err, deliveryErr)

		after, err := store.GetClaimable(ctx, testKeyA)
		require.NoError(t, err)
		require.True(t, after.Equal(before), "failed payout must not consume the claimable delta")
		require.Equal(t, 0, countRows(t, pool, "payouts"))
	})

	t.Run("unknown benefactor", func(t *testing.T) {
		t.Parallel()
		store, _ := newTestStore(t)
		_, err := store.Claim(ctx, testKeyA, discardDelivery)
		require.ErrorIs(t, err, ErrUnknownBenefactor)
	})
}

func TestTributary_Store_Config(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store, _ := newTestStore(t)

	cfg, err := store.GetConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(10), cfg.CallerIncentiveBps)
	require.Equal(t, int64(100), cfg.SlippageFloorBps)

	cfg.CallerIncentiveBps = 25
	cfg.SlippageFloorBps = 50
	require.NoError(t, store.UpdateConfig(ctx, cfg))

	got, err := store.GetConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, cfg, got)

	require.ErrorIs(t, store.UpdateConfig(ctx, Config{CallerIncentiveBps: 10001}), ErrInvalidAmount)
}

func TestTributary_Store_Sources(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store, _ := newTestStore(t)

	token, err := store.RegisterSource(ctx, "harvester")
	require.NoError(t, err)
	require.Len(t, token, 64)

	name, err := store.AuthorizeSource(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "harvester", name)

	_, err = store.AuthorizeSource(ctx, "")
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = store.AuthorizeSource(ctx, "wrong-token")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = store.RegisterSource(ctx, "")
	require.Error(t, err)
}

func TestTributary_Store_Listings(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store, _ := newTestStore(t)

	for range 3 {
		_, err := store.RecordContribution(ctx, testKeyA, units(1))
		require.NoError(t, err)
		_, err = store.Convert(ctx, ConvertParams{}, Config{SlippageFloorBps: 100}, exchangeAt(1, 1), discardDelivery)
		require.NoError(t, err)
	}

	rounds, err := store.ListRounds(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 3)

	page, err := store.ListRounds(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	rest, err := store.ListRounds(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)

	events, err := store.ListEvents(ctx, 100, 0)
	require.NoError(t, err)
	require.Len(t, events, 6)
	kinds := map[EventKind]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
	}
	require.Equal(t, 3, kinds[EventContributionRecorded])
	require.Equal(t, 3, kinds[EventConverted])
}
