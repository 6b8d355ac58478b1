package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RestClient talks to a live hedge venue over HTTP. Orders are posted in
// their canonical msgpack form; execution reports are pulled by the Run
// poll loop and dispatched to the handler.
type RestClient struct {
	http         *resty.Client
	market       string
	pollInterval time.Duration
	log          *zap.Logger

	minSize       decimal.Decimal
	minCollateral decimal.Decimal
	cursor        int64
}

type marketInfo struct {
	MinSizeTokens decimal.Decimal `json:"min_size_tokens"`
	MinCollateral decimal.Decimal `json:"min_collateral"`
}

type feeInfo struct {
	FundingFeePerSize   decimal.Decimal `json:"funding_fee_per_size"`
	BorrowingFeePerSize decimal.Decimal `json:"borrowing_fee_per_size"`
}

type claimResult struct {
	Claimed decimal.Decimal `json:"claimed"`
}

type executionEntry struct {
	Key             string          `json:"key"`
	SizeDelta       decimal.Decimal `json:"size_delta"`
	CollateralDelta decimal.Decimal `json:"collateral_delta"`
	IsIncrease      bool            `json:"is_increase"`
	Status          string          `json:"status"`
	Sequence        int64           `json:"sequence"`
}

func NewRestClient(baseURL string, timeout, pollInterval time.Duration, market string, log *zap.Logger) *RestClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &RestClient{
		http:         client,
		market:       market,
		pollInterval: pollInterval,
		log:          log,
	}
}

// Bootstrap fetches the market's size/collateral minimums. Must be called
// before the client is handed to the hedge manager.
func (c *RestClient) Bootstrap(ctx context.Context) error {
	var info marketInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/markets/" + c.market)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("market info failed: http %d", resp.StatusCode())
	}
	c.minSize = info.MinSizeTokens
	c.minCollateral = info.MinCollateral
	return nil
}

func (c *RestClient) SubmitOrder(ctx context.Context, req OrderRequest) (OrderKey, error) {
	key, err := RequestKey(req)
	if err != nil {
		return OrderKey{}, err
	}
	payload, err := EncodeOrderRequest(req)
	if err != nil {
		return OrderKey{}, err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/msgpack").
		SetBody(payload).
		Post("/orders")
	if err != nil {
		return OrderKey{}, err
	}
	if resp.IsError() {
		return OrderKey{}, fmt.Errorf("order submit failed: http %d: %s", resp.StatusCode(), resp.String())
	}
	c.log.Info("hedge order submitted", zap.String("key", key.Hex()))
	return key, nil
}

func (c *RestClient) MinSizeTokens() decimal.Decimal { return c.minSize }

func (c *RestClient) MinCollateral() decimal.Decimal { return c.minCollateral }

func (c *RestClient) FundingFeePerSize(ctx context.Context) (decimal.Decimal, error) {
	fees, err := c.fees(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return fees.FundingFeePerSize, nil
}

func (c *RestClient) BorrowingFeePerSize(ctx context.Context) (decimal.Decimal, error) {
	fees, err := c.fees(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return fees.BorrowingFeePerSize, nil
}

func (c *RestClient) fees(ctx context.Context) (feeInfo, error) {
	var fees feeInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&fees).
		Get("/markets/" + c.market + "/fees")
	if err != nil {
		return feeInfo{}, err
	}
	if resp.IsError() {
		return feeInfo{}, fmt.Errorf("fee info failed: http %d", resp.StatusCode())
	}
	return fees, nil
}

func (c *RestClient) ClaimFunding(ctx context.Context) (decimal.Decimal, error) {
	var result claimResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Post("/markets/" + c.market + "/funding/claim")
	if err != nil {
		return decimal.Zero, err
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("funding claim failed: http %d", resp.StatusCode())
	}
	return result.Claimed, nil
}

// Run polls for execution reports and dispatches them until ctx is done.
func (c *RestClient) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("venue handler is required")
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := c.pollOnce(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("execution poll failed", zap.Error(err))
		}
	}
}

func (c *RestClient) pollOnce(ctx context.Context, handler Handler) error {
	var entries []executionEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("market", c.market).
		SetQueryParam("since", fmt.Sprintf("%d", c.cursor)).
		SetResult(&entries).
		Get("/executions")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("execution poll failed: http %d", resp.StatusCode())
	}
	for _, entry := range entries {
		if entry.Sequence > c.cursor {
			c.cursor = entry.Sequence
		}
		key, ok := OrderKeyFromHex(entry.Key)
		if !ok {
			c.log.Warn("execution entry with bad key skipped", zap.String("key", entry.Key))
			continue
		}
		var dispatchErr error
		if entry.Status == "cancelled" {
			dispatchErr = handler.HandleCancelled(ctx, key)
		} else {
			dispatchErr = handler.HandleExecution(ctx, ExecutionReport{
				Key:             key,
				SizeDelta:       entry.SizeDelta,
				CollateralDelta: entry.CollateralDelta,
				IsIncrease:      entry.IsIncrease,
			})
		}
		if dispatchErr != nil {
			c.log.Warn("execution report rejected",
				zap.String("key", key.Hex()), zap.Error(dispatchErr))
		}
	}
	return nil
}
