package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cosmossdk.io/math"
	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"

	"github.com/tributelabs/tributary/pkg/metrics"
	"github.com/tributelabs/tributary/pkg/notify"
	"github.com/tributelabs/tributary/pkg/venue"
)

type ServiceConfig struct {
	Logger    *slog.Logger
	Store     *Store
	Converter venue.Converter
	Payouts   venue.PayoutSender
	// Notifier is optional; nil disables notifications.
	Notifier notify.Notifier
}

func (cfg *ServiceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Converter == nil {
		return errors.New("venue converter is required")
	}
	if cfg.Payouts == nil {
		return errors.New("payout sender is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Noop{}
	}
	return nil
}

// Service orchestrates vault operations: source authorization, venue calls,
// store transactions, metrics and notifications.
type Service struct {
	log      *slog.Logger
	store    *Store
	conv     venue.Converter
	payouts  venue.PayoutSender
	notifier notify.Notifier
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		log:      cfg.Logger,
		store:    cfg.Store,
		conv:     cfg.Converter,
		payouts:  cfg.Payouts,
		notifier: cfg.Notifier,
	}, nil
}

// RecordContribution records a contribution from an authorized source.
func (s *Service) RecordContribution(ctx context.Context, sourceToken, key string, amount math.Int) (*Benefactor, error) {
	done := s.observe("record_contribution")
	source, err := s.store.AuthorizeSource(ctx, sourceToken)
	if err != nil {
		done(err)
		return nil, err
	}
	b, err := s.store.RecordContribution(ctx, key, amount)
	done(err)
	if err != nil {
		return nil, err
	}
	s.log.Info("vault: contribution recorded",
		"source", source, "benefactor", key, "amount", amount.String())
	return b, nil
}

// Convert triggers a conversion round. Anyone may call it; with nothing
// pending it is a cheap no-op.
func (s *Service) Convert(ctx context.Context, params ConvertParams) (*ConvertResult, error) {
	done := s.observe("convert")
	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		done(err)
		return nil, err
	}

	exchange := func(ctx context.Context, input math.Int) (math.Int, string, error) {
		res, err := s.conv.Convert(ctx, input)
		if err != nil {
			return math.Int{}, "", err
		}
		return res.Output, res.PositionRef, nil
	}
	res, err := s.store.Convert(ctx, params, cfg, exchange, s.payouts.SendPayout)
	done(err)
	if err != nil {
		return nil, err
	}
	if res.NoOp {
		metrics.ConversionNoOpsTotal.Inc()
		return res, nil
	}

	metrics.ConversionParticipants.Observe(float64(res.Round.Participants))
	s.notify(ctx, fmt.Sprintf("Converted %s into position %s for %d benefactors (output %s).",
		res.Round.InputAmount, res.Round.PositionRef, res.Round.Participants, res.Round.OutputAmount))
	return res, nil
}

// DepositYield records harvested yield from an authorized source.
func (s *Service) DepositYield(ctx context.Context, sourceToken string, amount math.Int) (deferred bool, err error) {
	done := s.observe("deposit_yield")
	source, err := s.store.AuthorizeSource(ctx, sourceToken)
	if err != nil {
		done(err)
		return false, err
	}
	deferred, err = s.store.DepositYield(ctx, amount)
	done(err)
	if err != nil {
		return false, err
	}
	s.log.Info("vault: yield deposited", "source", source, "amount", amount.String(), "deferred", deferred)
	return deferred, nil
}

// Claim pays out a benefactor's unclaimed delta. Returns zero for a
// benefactor with nothing owed.
func (s *Service) Claim(ctx context.Context, key string) (math.Int, error) {
	done := s.observe("claim")
	owed, err := s.store.Claim(ctx, key, s.payouts.SendPayout)
	done(err)
	if err != nil {
		return math.Int{}, err
	}
	if owed.IsPositive() {
		s.log.Info("vault: claimed", "benefactor", key, "amount", owed.String())
	}
	return owed, nil
}

// BenefactorView is the read model for a single benefactor.
type BenefactorView struct {
	Key                  string    `json:"key"`
	PendingContribution  math.Int  `json:"pending_contribution"`
	LifetimeContribution math.Int  `json:"lifetime_contribution"`
	Shares               math.Int  `json:"shares"`
	LastClaimWatermark   math.Int  `json:"last_claim_watermark"`
	Claimable            math.Int  `json:"claimable"`
	CreatedAt            time.Time `json:"created_at"`
}

// GetBenefactor returns a benefactor with their computed claimable delta.
func (s *Service) GetBenefactor(ctx context.Context, key string) (*BenefactorView, error) {
	st, err := s.store.GetState(ctx)
	if err != nil {
		return nil, err
	}
	b, err := s.store.GetBenefactor(ctx, key)
	if err != nil {
		return nil, err
	}
	return &BenefactorView{
		Key:                  b.Key,
		PendingContribution:  b.PendingContribution,
		LifetimeContribution: b.LifetimeContribution,
		Shares:               b.Shares,
		LastClaimWatermark:   b.LastClaimWatermark,
		Claimable:            Claimable(&st, b),
		CreatedAt:            b.CreatedAt,
	}, nil
}

// VaultView is the read model for the vault aggregate.
type VaultView struct {
	TotalShares              math.Int `json:"total_shares"`
	CumulativeValuePerShare  math.Int `json:"cumulative_value_per_share"`
	TotalPendingContribution math.Int `json:"total_pending_contribution"`
	DeferredYield            math.Int `json:"deferred_yield"`
	Config                   Config   `json:"config"`
}

// GetVault returns the vault state and configuration.
func (s *Service) GetVault(ctx context.Context) (*VaultView, error) {
	st, err := s.store.GetState(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &VaultView{
		TotalShares:              st.TotalShares,
		CumulativeValuePerShare:  st.CumulativeValuePerShare,
		TotalPendingContribution: st.TotalPendingContribution,
		DeferredYield:            st.DeferredYield,
		Config:                   cfg,
	}, nil
}

// ListEvents returns the observability feed, newest first.
func (s *Service) ListEvents(ctx context.Context, limit, offset int) ([]Event, error) {
	return s.store.ListEvents(ctx, limit, offset)
}

// ListRounds returns past conversion rounds, newest first.
func (s *Service) ListRounds(ctx context.Context, limit, offset int) ([]Round, error) {
	return s.store.ListRounds(ctx, limit, offset)
}

// UpdateConfig replaces the administrative configuration.
func (s *Service) UpdateConfig(ctx context.Context, cfg Config) error {
	return s.store.UpdateConfig(ctx, cfg)
}

// RegisterSource creates an approved contribution source and returns its
// bearer token.
func (s *Service) RegisterSource(ctx context.Context, name string) (string, error) {
	return s.store.RegisterSource(ctx, name)
}

// RunAutoConvert triggers a conversion every interval until ctx is done.
// The loop is just another permissionless caller: with nothing pending each
// tick is a benign no-op, and a failed tick is logged and retried at the
// next one.
func (s *Service) RunAutoConvert(ctx context.Context, clock clockwork.Clock, interval time.Duration) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	s.log.Info("vault: auto-convert running", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := s.Convert(ctx, ConvertParams{}); err != nil {
				s.log.Error("vault: scheduled conversion failed", "error", err)
			}
		}
	}
}

// observe starts a metrics observation for one operation and returns the
// completion callback.
func (s *Service) observe(operation string) func(error) {
	start := time.Now()
	return func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
			if !isClientError(err) {
				sentry.CaptureException(err)
			}
		}
		metrics.OperationsTotal.WithLabelValues(operation, status).Inc()
		metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func (s *Service) notify(ctx context.Context, text string) {
	if err := s.notifier.Notify(ctx, text); err != nil {
		s.log.Warn("vault: notification failed", "error", err)
	}
}

// isClientError reports whether an error is caused by the caller rather than
// by this service or its collaborators.
func isClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSlippageExceeded) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrUnknownBenefactor) ||
		errors.Is(err, ErrInvalidBenefactorKey)
}
