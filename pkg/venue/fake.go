package venue

import (
	"context"
	"fmt"
	"sync"

	"cosmossdk.io/math"
	"github.com/google/uuid"
)

// Fake is an in-memory venue for tests. Output is input scaled by
// RateNum/RateDen (1:1 by default) and payouts are recorded per benefactor.
type Fake struct {
	mu sync.Mutex

	RateNum int64
	RateDen int64
	// ConvertErr and PayoutErr, when set, fail the respective calls.
	ConvertErr error
	PayoutErr  error

	conversions int
	payouts     map[string]math.Int
}

var (
	_ Converter    = (*Fake)(nil)
	_ PayoutSender = (*Fake)(nil)
)

func NewFake() *Fake {
	return &Fake{
		RateNum: 1,
		RateDen: 1,
		payouts: make(map[string]math.Int),
	}
}

func (f *Fake) Convert(ctx context.Context, input math.Int) (*ConversionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConvertErr != nil {
		return nil, f.ConvertErr
	}
	f.conversions++
	return &ConversionResult{
		Output:      input.MulRaw(f.RateNum).QuoRaw(f.RateDen),
		PositionRef: fmt.Sprintf("position-%d", f.conversions),
	}, nil
}

func (f *Fake) SendPayout(ctx context.Context, id uuid.UUID, benefactor string, amount math.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PayoutErr != nil {
		return f.PayoutErr
	}
	total, ok := f.payouts[benefactor]
	if !ok {
		total = math.ZeroInt()
	}
	f.payouts[benefactor] = total.Add(amount)
	return nil
}

// Conversions returns how many exchanges were performed.
func (f *Fake) Conversions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversions
}

// PaidTo returns the total delivered to a benefactor.
func (f *Fake) PaidTo(benefactor string) math.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if total, ok := f.payouts[benefactor]; ok {
		return total
	}
	return math.ZeroInt()
}
