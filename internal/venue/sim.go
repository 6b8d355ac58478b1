package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNoPendingOrders = errors.New("no pending orders")
	ErrBelowMinSize    = errors.New("size delta below venue minimum")
)

// Sim is a deterministic in-process venue used for paper trading and
// tests. Orders queue on submit; the pump (ExecuteNext/CancelNext, or the
// Run loop in paper mode) delivers outcomes to the handler. Fill ratio
// and fee factors are settable so deviation and accrual paths can be
// exercised exactly.
type Sim struct {
	log *zap.Logger

	mu            sync.Mutex
	handler       Handler
	queue         []OrderRequest
	keys          []OrderKey
	fillRatio     decimal.Decimal
	minSize       decimal.Decimal
	minCollateral decimal.Decimal
	fundingAccrum decimal.Decimal
	borrowAccrum  decimal.Decimal
	claimable     decimal.Decimal
}

func NewSim(minSize, minCollateral decimal.Decimal, log *zap.Logger) *Sim {
	return &Sim{
		log:           log,
		fillRatio:     decimal.NewFromInt(1),
		minSize:       minSize,
		minCollateral: minCollateral,
	}
}

func (s *Sim) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// SetFillRatio scales executed deltas relative to requested ones; 0.95
// simulates a 5% shortfall.
func (s *Sim) SetFillRatio(ratio decimal.Decimal) {
	s.mu.Lock()
	s.fillRatio = ratio
	s.mu.Unlock()
}

func (s *Sim) SubmitOrder(_ context.Context, req OrderRequest) (OrderKey, error) {
	if req.SizeDelta.IsPositive() && req.SizeDelta.LessThan(s.MinSizeTokens()) {
		return OrderKey{}, fmt.Errorf("%w: %s < %s", ErrBelowMinSize, req.SizeDelta, s.MinSizeTokens())
	}
	key, err := RequestKey(req)
	if err != nil {
		return OrderKey{}, err
	}
	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	if s.log != nil {
		s.log.Debug("sim order queued", zap.String("key", key.Hex()))
	}
	return key, nil
}

// ExecuteNext delivers the oldest pending order at the configured fill
// ratio. The handler is invoked without the sim lock held.
func (s *Sim) ExecuteNext(ctx context.Context) error {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return ErrNoPendingOrders
	}
	req := s.queue[0]
	key := s.keys[0]
	s.queue = s.queue[1:]
	s.keys = s.keys[1:]
	ratio := s.fillRatio
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return errors.New("sim handler not set")
	}
	report := ExecutionReport{
		Key:             key,
		SizeDelta:       req.SizeDelta.Mul(ratio),
		CollateralDelta: req.CollateralDelta.Mul(ratio),
		IsIncrease:      req.IsIncrease,
	}
	return handler.HandleExecution(ctx, report)
}

// CancelNext reports the oldest pending order as cancelled by the venue.
func (s *Sim) CancelNext(ctx context.Context) error {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return ErrNoPendingOrders
	}
	key := s.keys[0]
	s.queue = s.queue[1:]
	s.keys = s.keys[1:]
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return errors.New("sim handler not set")
	}
	return handler.HandleCancelled(ctx, key)
}

// ExecuteAll drains the queue, delivering every pending order.
func (s *Sim) ExecuteAll(ctx context.Context) error {
	for {
		err := s.ExecuteNext(ctx)
		if errors.Is(err, ErrNoPendingOrders) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *Sim) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Sim) MinSizeTokens() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minSize
}

func (s *Sim) MinCollateral() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minCollateral
}

func (s *Sim) FundingFeePerSize(context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fundingAccrum, nil
}

func (s *Sim) BorrowingFeePerSize(context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.borrowAccrum, nil
}

// AdvanceFunding moves the cumulative funding-fee-per-size factor forward.
func (s *Sim) AdvanceFunding(delta decimal.Decimal) {
	s.mu.Lock()
	s.fundingAccrum = s.fundingAccrum.Add(delta)
	s.mu.Unlock()
}

// AdvanceBorrowing moves the cumulative borrowing-fee-per-size factor.
func (s *Sim) AdvanceBorrowing(delta decimal.Decimal) {
	s.mu.Lock()
	s.borrowAccrum = s.borrowAccrum.Add(delta)
	s.mu.Unlock()
}

func (s *Sim) SetClaimable(amount decimal.Decimal) {
	s.mu.Lock()
	s.claimable = amount
	s.mu.Unlock()
}

func (s *Sim) ClaimFunding(context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claimed := s.claimable
	s.claimable = decimal.Zero
	return claimed, nil
}
