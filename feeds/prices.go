package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyflip/updownbot/core"
	"github.com/polyflip/updownbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE SOURCE - CLOB midpoint with websocket fast path
// ═══════════════════════════════════════════════════════════════════════════════
//
// The /midpoint endpoint beats the Gamma outcomePrices field (stale) and the
// raw order book (wide spreads) for trigger decisions. When a websocket cache
// is attached, a fresh streamed quote short-circuits the HTTP round trip.
//
// ═══════════════════════════════════════════════════════════════════════════════

// CLOBPrices reads midpoints from the CLOB API
type CLOBPrices struct {
	baseURL string
	client  *http.Client
	cache   *WSCache // optional
}

// NewCLOBPrices creates the REST price source
func NewCLOBPrices(baseURL string, timeout time.Duration) *CLOBPrices {
	return &CLOBPrices{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// WithCache attaches a websocket midprice cache as the fast path
func (p *CLOBPrices) WithCache(cache *WSCache) *CLOBPrices {
	p.cache = cache
	return p
}

// MidPrice returns the current midpoint for one side of a market
func (p *CLOBPrices) MidPrice(ctx context.Context, market *types.Market, side types.Side) (decimal.Decimal, error) {
	tokenID, ok := market.Tokens[side]
	if !ok || tokenID == "" {
		return decimal.Zero, fmt.Errorf("%w: market %s has no %s token", core.ErrPriceUnavailable, market.Slug, side)
	}

	if p.cache != nil {
		p.cache.Watch(tokenID)
		if mid, ok := p.cache.Mid(tokenID); ok {
			return mid, nil
		}
	}

	mid, err := p.fetchMidpoint(ctx, tokenID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", core.ErrPriceUnavailable, err)
	}
	return mid, nil
}

func (p *CLOBPrices) fetchMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/midpoint?token_id=%s", p.baseURL, url.QueryEscape(tokenID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("midpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}

	var out struct {
		Mid string `json:"mid"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, fmt.Errorf("parse midpoint: %w", err)
	}
	if out.Mid == "" {
		return decimal.Zero, fmt.Errorf("empty midpoint for token %s", tokenID)
	}

	mid, err := decimal.NewFromString(out.Mid)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse midpoint %q: %w", out.Mid, err)
	}
	return mid, nil
}
