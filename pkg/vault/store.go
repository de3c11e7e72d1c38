package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// ExchangeFunc hands the aggregate pending pool to the external yield venue
// and returns the realized output value plus a position reference.
type ExchangeFunc func(ctx context.Context, input math.Int) (output math.Int, positionRef string, err error)

// DeliverFunc performs an outward payout transfer. It runs after all ledger
// state has been mutated; an error rolls the whole operation back.
type DeliverFunc func(ctx context.Context, payoutID uuid.UUID, benefactor string, amount math.Int) error

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store persists the vault aggregate in Postgres. Every mutating operation
// runs in a single transaction that first locks the singleton vault_state
// row, so mutations are fully serialized and either commit in full or have
// no effect.
type Store struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:   cfg.Logger,
		pool:  cfg.Pool,
		clock: cfg.Clock,
	}, nil
}

// ConvertParams are the caller-supplied inputs to a conversion trigger.
type ConvertParams struct {
	// MinimumOutput aborts the conversion when the venue returns less. When
	// nil, the configured slippage floor applies.
	MinimumOutput *math.Int
	// Caller, when set, receives the caller incentive cut.
	Caller string
}

// ConvertResult reports the effect of a conversion trigger.
type ConvertResult struct {
	NoOp            bool
	Round           *Round
	DeferredApplied math.Int
}

// RecordContribution adds amount to a benefactor's pending contribution,
// creating the record lazily on first contribution.
func (s *Store) RecordContribution(ctx context.Context, key string, amount math.Int) (*Benefactor, error) {
	if err := ValidateBenefactorKey(key); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var out *Benefactor
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		st, err := s.lockState(ctx, tx)
		if err != nil {
			return err
		}
		b, err := s.lockBenefactor(ctx, tx, key)
		if err != nil && !errors.Is(err, ErrUnknownBenefactor) {
			return err
		}
		if b == nil {
			b = NewBenefactor(key)
		}
		if err := Contribute(&st, b, amount); err != nil {
			return err
		}
		if err := s.saveBenefactor(ctx, tx, b); err != nil {
			return err
		}
		if err := s.saveState(ctx, tx, st); err != nil {
			return err
		}
		if err := s.insertEvent(ctx, tx, Event{
			Kind:       EventContributionRecorded,
			Benefactor: key,
			Amount:     amount,
		}); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("vault/store: contribution recorded", "benefactor", key, "amount", amount.String())
	return out, nil
}

// Convert snapshots the pending pool, exchanges it at the venue and mints
// the round's shares pro-rata. Zero pending contribution is a benign no-op.
// A venue output below the minimum aborts the whole call with
// ErrSlippageExceeded and no state change.
func (s *Store) Convert(ctx context.Context, params ConvertParams, cfg Config, exchange ExchangeFunc, deliver DeliverFunc) (*ConvertResult, error) {
	if params.Caller != "" {
		if err := ValidateBenefactorKey(params.Caller); err != nil {
			return nil, err
		}
	}

	var res *ConvertResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		st, err := s.lockState(ctx, tx)
		if err != nil {
			return err
		}
		if st.TotalPendingContribution.IsZero() {
			res = &ConvertResult{NoOp: true, DeferredApplied: math.ZeroInt()}
			return nil
		}

		participants, err := s.lockParticipants(ctx, tx)
		if err != nil {
			return err
		}

		input := st.TotalPendingContribution
		minOut := cfg.MinimumOutput(input)
		if params.MinimumOutput != nil {
			minOut = *params.MinimumOutput
		}

		output, positionRef, err := exchange(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to exchange at venue: %w", err)
		}
		if output.LT(minOut) {
			return fmt.Errorf("%w: output %s < minimum %s", ErrSlippageExceeded, output, minOut)
		}

		incentive := math.ZeroInt()
		if params.Caller != "" {
			incentive = cfg.CallerIncentive(output)
		}
		minted := MintRound(&st, participants, output.Sub(incentive))
		deferredApplied := DrainDeferred(&st)

		for _, p := range participants {
			if err := s.saveBenefactor(ctx, tx, p); err != nil {
				return err
			}
		}
		if err := s.saveState(ctx, tx, st); err != nil {
			return err
		}

		round := &Round{
			ID:              uuid.New(),
			InputAmount:     input,
			OutputAmount:    output,
			CallerIncentive: incentive,
			MintedShares:    minted,
			Participants:    len(participants),
			PositionRef:     positionRef,
			CreatedAt:       s.clock.Now().UTC(),
		}
		if err := s.insertRound(ctx, tx, round); err != nil {
			return err
		}
		if err := s.insertEvent(ctx, tx, Event{
			Kind:    EventConverted,
			Amount:  output,
			RoundID: &round.ID,
		}); err != nil {
			return err
		}

		if incentive.IsPositive() {
			payoutID := uuid.New()
			if err := s.insertPayout(ctx, tx, payoutID, params.Caller, incentive, "incentive"); err != nil {
				return err
			}
			if err := deliver(ctx, payoutID, params.Caller, incentive); err != nil {
				return fmt.Errorf("failed to deliver caller incentive: %w", err)
			}
		}

		res = &ConvertResult{Round: round, DeferredApplied: deferredApplied}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.NoOp {
		s.log.Debug("vault/store: convert with nothing pending, no-op")
	} else {
		s.log.Info("vault/store: round converted",
			"round_id", res.Round.ID,
			"input", res.Round.InputAmount.String(),
			"output", res.Round.OutputAmount.String(),
			"participants", res.Round.Participants)
	}
	return res, nil
}

// DepositYield advances the accumulator, or buffers the amount when no
// shares exist yet.
func (s *Store) DepositYield(ctx context.Context, amount math.Int) (deferred bool, err error) {
	if !amount.IsPositive() {
		return false, ErrInvalidAmount
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		st, err := s.lockState(ctx, tx)
		if err != nil {
			return err
		}
		deferred, err = AccrueYield(&st, amount)
		if err != nil {
			return err
		}
		if err := s.saveState(ctx, tx, st); err != nil {
			return err
		}
		return s.insertEvent(ctx, tx, Event{
			Kind:   EventYieldDeposited,
			Amount: amount,
		})
	})
	if err != nil {
		return false, err
	}
	s.log.Debug("vault/store: yield deposited", "amount", amount.String(), "deferred", deferred)
	return deferred, nil
}

// Claim computes the benefactor's unclaimed delta, advances their watermark
// and delivers the payout. The watermark moves before the outward transfer;
// a delivery error rolls everything back. A zero delta is a valid no-op that
// leaves the watermark untouched so sub-unit accrual is not discarded.
func (s *Store) Claim(ctx context.Context, key string, deliver DeliverFunc) (math.Int, error) {
	if err := ValidateBenefactorKey(key); err != nil {
		return math.Int{}, err
	}

	owed := math.ZeroInt()
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		st, err := s.lockState(ctx, tx)
		if err != nil {
			return err
		}
		b, err := s.lockBenefactor(ctx, tx, key)
		if err != nil {
			return err
		}
		owed = Claim(&st, b)
		if owed.IsZero() {
			return nil
		}
		if err := s.saveBenefactor(ctx, tx, b); err != nil {
			return err
		}
		payoutID := uuid.New()
		if err := s.insertPayout(ctx, tx, payoutID, key, owed, "claim"); err != nil {
			return err
		}
		if err := s.insertEvent(ctx, tx, Event{
			Kind:       EventClaimed,
			Benefactor: key,
			Amount:     owed,
		}); err != nil {
			return err
		}
		if err := deliver(ctx, payoutID, key, owed); err != nil {
			return fmt.Errorf("failed to deliver payout: %w", err)
		}
		return nil
	})
	if err != nil {
		return math.Int{}, err
	}
	s.log.Debug("vault/store: claimed", "benefactor", key, "owed", owed.String())
	return owed, nil
}

// GetState returns the current vault state without locking.
func (s *Store) GetState(ctx context.Context) (State, error) {
	return s.readState(ctx, s.pool, "")
}

// GetBenefactor returns a benefactor record.
func (s *Store) GetBenefactor(ctx context.Context, key string) (*Benefactor, error) {
	if err := ValidateBenefactorKey(key); err != nil {
		return nil, err
	}
	return s.readBenefactor(ctx, s.pool, key, "")
}

// GetClaimable returns the benefactor's current unclaimed delta.
func (s *Store) GetClaimable(ctx context.Context, key string) (math.Int, error) {
	st, err := s.GetState(ctx)
	if err != nil {
		return math.Int{}, err
	}
	b, err := s.GetBenefactor(ctx, key)
	if err != nil {
		return math.Int{}, err
	}
	return Claimable(&st, b), nil
}

// ListEvents returns the observability feed, newest first.
func (s *Store) ListEvents(ctx context.Context, limit, offset int) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, COALESCE(benefactor, ''), amount::text, round_id, created_at
		FROM events
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			ev     Event
			amount string
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Benefactor, &amount, &ev.RoundID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if ev.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListRounds returns past conversion rounds, newest first.
func (s *Store) ListRounds(ctx context.Context, limit, offset int) ([]Round, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, input_amount::text, output_amount::text, caller_incentive::text,
		       minted_shares::text, participants, position_ref, created_at
		FROM rounds
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	defer rows.Close()

	rounds := []Round{}
	for rows.Next() {
		var (
			r                              Round
			input, output, incentive, mint string
		)
		if err := rows.Scan(&r.ID, &input, &output, &incentive, &mint, &r.Participants, &r.PositionRef, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		if r.InputAmount, err = parseNumeric(input); err != nil {
			return nil, err
		}
		if r.OutputAmount, err = parseNumeric(output); err != nil {
			return nil, err
		}
		if r.CallerIncentive, err = parseNumeric(incentive); err != nil {
			return nil, err
		}
		if r.MintedShares, err = parseNumeric(mint); err != nil {
			return nil, err
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

// GetConfig returns the administrative configuration.
func (s *Store) GetConfig(ctx context.Context) (Config, error) {
	var cfg Config
	err := s.pool.QueryRow(ctx, `
		SELECT caller_incentive_bps, slippage_floor_bps FROM vault_config WHERE id = 1`).
		Scan(&cfg.CallerIncentiveBps, &cfg.SlippageFloorBps)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read vault config: %w", err)
	}
	return cfg, nil
}

// UpdateConfig replaces the administrative configuration.
func (s *Store) UpdateConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE vault_config
		SET caller_incentive_bps = $1, slippage_floor_bps = $2, updated_at = $3
		WHERE id = 1`,
		cfg.CallerIncentiveBps, cfg.SlippageFloorBps, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update vault config: %w", err)
	}
	s.log.Info("vault/store: config updated",
		"caller_incentive_bps", cfg.CallerIncentiveBps,
		"slippage_floor_bps", cfg.SlippageFloorBps)
	return nil
}

// RegisterSource creates an approved contribution source and returns its
// bearer token. Only the token's hash is stored.
func (s *Store) RegisterSource(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.New("source name is required")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate source token: %w", err)
	}
	token := hex.EncodeToString(raw)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sources (id, name, token_hash, created_at) VALUES ($1, $2, $3, $4)`,
		uuid.New(), name, hashToken(token), s.clock.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to register source: %w", err)
	}
	s.log.Info("vault/store: source registered", "name", name)
	return token, nil
}

// AuthorizeSource resolves a bearer token to a registered source name,
// failing closed with ErrUnauthorized.
func (s *Store) AuthorizeSource(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	var name string
	err := s.pool.QueryRow(ctx, `SELECT name FROM sources WHERE token_hash = $1`, hashToken(token)).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUnauthorized
	}
	if err != nil {
		return "", fmt.Errorf("failed to authorize source: %w", err)
	}
	return name, nil
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) lockState(ctx context.Context, tx pgx.Tx) (State, error) {
	return s.readState(ctx, tx, " FOR UPDATE")
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) readState(ctx context.Context, q querier, suffix string) (State, error) {
	var shares, accumulator, pending, deferred string
	err := q.QueryRow(ctx, `
		SELECT total_shares::text, cumulative_value_per_share::text,
		       total_pending_contribution::text, deferred_yield::text
		FROM vault_state WHERE id = 1`+suffix).
		Scan(&shares, &accumulator, &pending, &deferred)
	if err != nil {
		return State{}, fmt.Errorf("failed to read vault state: %w", err)
	}

	st := State{}
	if st.TotalShares, err = parseNumeric(shares); err != nil {
		return State{}, err
	}
	if st.CumulativeValuePerShare, err = parseNumeric(accumulator); err != nil {
		return State{}, err
	}
	if st.TotalPendingContribution, err = parseNumeric(pending); err != nil {
		return State{}, err
	}
	if st.DeferredYield, err = parseNumeric(deferred); err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *Store) saveState(ctx context.Context, tx pgx.Tx, st State) error {
	_, err := tx.Exec(ctx, `
		UPDATE vault_state
		SET total_shares = $1::numeric,
		    cumulative_value_per_share = $2::numeric,
		    total_pending_contribution = $3::numeric,
		    deferred_yield = $4::numeric,
		    updated_at = $5
		WHERE id = 1`,
		st.TotalShares.String(), st.CumulativeValuePerShare.String(),
		st.TotalPendingContribution.String(), st.DeferredYield.String(),
		s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save vault state: %w", err)
	}
	return nil
}

func (s *Store) lockBenefactor(ctx context.Context, tx pgx.Tx, key string) (*Benefactor, error) {
	return s.readBenefactor(ctx, tx, key, " FOR UPDATE")
}

func (s *Store) readBenefactor(ctx context.Context, q querier, key, suffix string) (*Benefactor, error) {
	var (
		b                                    Benefactor
		pending, lifetime, shares, watermark string
	)
	err := q.QueryRow(ctx, `
		SELECT key, pending_contribution::text, lifetime_contribution::text,
		       shares::text, last_claim_watermark::text, created_at, updated_at
		FROM benefactors WHERE key = $1`+suffix, key).
		Scan(&b.Key, &pending, &lifetime, &shares, &watermark, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBenefactor, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read benefactor: %w", err)
	}

	if b.PendingContribution, err = parseNumeric(pending); err != nil {
		return nil, err
	}
	if b.LifetimeContribution, err = parseNumeric(lifetime); err != nil {
		return nil, err
	}
	if b.Shares, err = parseNumeric(shares); err != nil {
		return nil, err
	}
	if b.LastClaimWatermark, err = parseNumeric(watermark); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) lockParticipants(ctx context.Context, tx pgx.Tx) ([]*Benefactor, error) {
	rows, err := tx.Query(ctx, `
		SELECT key, pending_contribution::text, lifetime_contribution::text,
		       shares::text, last_claim_watermark::text, created_at, updated_at
		FROM benefactors
		WHERE pending_contribution > 0
		ORDER BY key
		FOR UPDATE`)
	if err != nil {
		return nil, fmt.Errorf("failed to lock participants: %w", err)
	}
	defer rows.Close()

	var participants []*Benefactor
	for rows.Next() {
		var (
			b                                    Benefactor
			pending, lifetime, shares, watermark string
		)
		if err := rows.Scan(&b.Key, &pending, &lifetime, &shares, &watermark, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		if b.PendingContribution, err = parseNumeric(pending); err != nil {
			return nil, err
		}
		if b.LifetimeContribution, err = parseNumeric(lifetime); err != nil {
			return nil, err
		}
		if b.Shares, err = parseNumeric(shares); err != nil {
			return nil, err
		}
		if b.LastClaimWatermark, err = parseNumeric(watermark); err != nil {
			return nil, err
		}
		participants = append(participants, &b)
	}
	return participants, rows.Err()
}

func (s *Store) saveBenefactor(ctx context.Context, tx pgx.Tx, b *Benefactor) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO benefactors (key, pending_contribution, lifetime_contribution,
		                         shares, last_claim_watermark, created_at, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6, $6)
		ON CONFLICT (key) DO UPDATE
		SET pending_contribution = EXCLUDED.pending_contribution,
		    lifetime_contribution = EXCLUDED.lifetime_contribution,
		    shares = EXCLUDED.shares,
		    last_claim_watermark = EXCLUDED.last_claim_watermark,
		    updated_at = EXCLUDED.updated_at`,
		b.Key, b.PendingContribution.String(), b.LifetimeContribution.String(),
		b.Shares.String(), b.LastClaimWatermark.String(), s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save benefactor: %w", err)
	}
	return nil
}

func (s *Store) insertRound(ctx context.Context, tx pgx.Tx, r *Round) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO rounds (id, input_amount, output_amount, caller_incentive,
		                    minted_shares, participants, position_ref, created_at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8)`,
		r.ID, r.InputAmount.String(), r.OutputAmount.String(), r.CallerIncentive.String(),
		r.MintedShares.String(), r.Participants, r.PositionRef, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert round: %w", err)
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	var benefactor *string
	if ev.Benefactor != "" {
		benefactor = &ev.Benefactor
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO events (id, kind, benefactor, amount, round_id, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		uuid.New(), ev.Kind, benefactor, ev.Amount.String(), ev.RoundID, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *Store) insertPayout(ctx context.Context, tx pgx.Tx, id uuid.UUID, benefactor string, amount math.Int, kind string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payouts (id, benefactor, amount, kind, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5)`,
		id, benefactor, amount.String(), kind, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert payout: %w", err)
	}
	return nil
}

func parseNumeric(s string) (math.Int, error) {
	v, ok := math.NewIntFromString(s)
	if !ok {
		return math.Int{}, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
