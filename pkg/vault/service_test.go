package vault

import (
	"context"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	tribtesting "github.com/tributelabs/tributary/pkg/testing"
	"github.com/tributelabs/tributary/pkg/venue"
)

func newTestService(t *testing.T) (*Service, *venue.Fake) {
	t.Helper()
	store, _ := newTestStore(t)
	fake := venue.NewFake()
	svc, err := NewService(ServiceConfig{
		Logger:    tribtesting.NewLogger(),
		Store:     store,
		Converter: fake,
		Payouts:   fake,
	})
	require.NoError(t, err)
	return svc, fake
}

func registerTestSource(t *testing.T, svc *Service) string {
	t.Helper()
	token, err := svc.RegisterSource(t.Context(), "harvester")
	require.NoError(t, err)
	return token
}

func TestTributary_Service_SourceAuthorization(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	svc, _ := newTestService(t)
	token := registerTestSource(t, svc)

	_, err := svc.RecordContribution(ctx, "bogus", testKeyA, units(1))
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.DepositYield(ctx, "", units(1))
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.RecordContribution(ctx, token, testKeyA, units(1))
	require.NoError(t, err)
	_, err = svc.DepositYield(ctx, token, units(1))
	require.NoError(t, err)
}

func TestTributary_Service_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	svc, fake := newTestService(t)
	token := registerTestSource(t, svc)

	// Contribute, convert, accrue, claim.
	_, err := svc.RecordContribution(ctx, token, testKeyA, units(5))
	require.NoError(t, err)
	_, err = svc.RecordContribution(ctx, token, testKeyB, units(5))
	require.NoError(t, err)

	res, err := svc.Convert(ctx, ConvertParams{})
	require.NoError(t, err)
	require.False(t, res.NoOp)
	require.Equal(t, 1, fake.Conversions())
	require.Equal(t, 2, res.Round.Participants)

	deferred, err := svc.DepositYield(ctx, token, units(2))
	require.NoError(t, err)
	require.False(t, deferred)

	view, err := svc.GetBenefactor(ctx, testKeyA)
	require.NoError(t, err)
	require.True(t, view.Claimable.Sub(units(1)).Abs().LTE(math.OneInt()))

	owed, err := svc.Claim(ctx, testKeyA)
	require.NoError(t, err)
	require.True(t, owed.Equal(view.Claimable))
	require.True(t, fake.PaidTo(testKeyA).Equal(owed))

	vault, err := svc.GetVault(ctx)
	require.NoError(t, err)
	require.True(t, vault.TotalPendingContribution.IsZero())
	require.True(t, vault.TotalShares.IsPositive())
	require.Equal(t, int64(10), vault.Config.CallerIncentiveBps)

	events, err := svc.ListEvents(ctx, 100, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	rounds, err := svc.ListRounds(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
}

func TestTributary_Service_ConvertCallerIncentive(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	svc, fake := newTestService(t)
	token := registerTestSource(t, svc)

	_, err := svc.RecordContribution(ctx, token, testKeyA, units(1000))
	require.NoError(t, err)

	res, err := svc.Convert(ctx, ConvertParams{Caller: testKeyCaller})
	require.NoError(t, err)

	// Default config pays 10 bps of output to the caller.
	want := units(1000).MulRaw(10).QuoRaw(10000)
	require.True(t, res.Round.CallerIncentive.Equal(want))
	require.True(t, fake.PaidTo(testKeyCaller).Equal(want))
}

func TestTributary_Service_ConvertVenueFailure(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	svc, fake := newTestService(t)
	token := registerTestSource(t, svc)

	_, err := svc.RecordContribution(ctx, token, testKeyA, units(10))
	require.NoError(t, err)

	fake.ConvertErr = context.DeadlineExceeded
	_, err = svc.Convert(ctx, ConvertParams{})
	require.Error(t, err)

	fake.ConvertErr = nil
	res, err := svc.Convert(ctx, ConvertParams{})
	require.NoError(t, err)
	require.False(t, res.NoOp, "pending pool must survive a failed conversion")
}

func TestTributary_Service_UpdateConfig(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	svc, _ := newTestService(t)

	require.NoError(t, svc.UpdateConfig(ctx, Config{CallerIncentiveBps: 50, SlippageFloorBps: 200}))
	vault, err := svc.GetVault(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(50), vault.Config.CallerIncentiveBps)
	require.Equal(t, int64(200), vault.Config.SlippageFloorBps)
}

func TestTributary_Service_AutoConvert(t *testing.T) {
	t.Parallel()
	svc, fake := newTestService(t)
	token := registerTestSource(t, svc)

	_, err := svc.RecordContribution(t.Context(), token, testKeyA, units(10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	clock := clockwork.NewFakeClock()
	done := make(chan error, 1)
	go func() {
		done <- svc.RunAutoConvert(ctx, clock, time.Minute)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return fake.Conversions() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
