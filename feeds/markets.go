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

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyflip/updownbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET FEED - Discovers active 15-minute up/down windows
// ═══════════════════════════════════════════════════════════════════════════════
//
// These markets belong to a recurring series keyed by the unix timestamp of
// their quarter-hour start:
//
//   btc-updown-15m-1718039700
//
// Instead of paging through the full market list, the feed derives the slugs
// for the current quarter and its neighbours (-1, 0, +1, +2) and looks each
// one up directly. Four event lookups per refresh, no search.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	quarter = 15 * time.Minute

	// Slug offsets around the current quarter, to catch overlapping windows
	offsetBack    = -1
	offsetForward = 2
)

// GammaFeed discovers markets through the Gamma events API
type GammaFeed struct {
	baseURL  string
	prefixes []string
	client   *http.Client
}

// NewGammaFeed creates the market discovery feed
func NewGammaFeed(baseURL string, prefixes []string, timeout time.Duration) *GammaFeed {
	return &GammaFeed{
		baseURL:  strings.TrimRight(baseURL, "/"),
		prefixes: prefixes,
		client:   &http.Client{Timeout: timeout},
	}
}

// gammaEvent is the subset of the Gamma event payload the feed reads
type gammaEvent struct {
	Active  bool          `json:"active"`
	Closed  bool          `json:"closed"`
	EndDate time.Time     `json:"endDate"`
	Markets []gammaMarket `json:"markets"`
}

type gammaMarket struct {
	ConditionID   string `json:"conditionId"`
	Slug          string `json:"slug"`
	Question      string `json:"question"`
	EndDate       time.Time `json:"endDate"`
	Outcomes      string `json:"outcomes"`      // JSON string: ["Up","Down"]
	ClobTokenIDs  string `json:"clobTokenIds"`  // JSON string: [upToken, downToken]
	OutcomePrices string `json:"outcomePrices"` // JSON string: ["1","0"] once resolved
	Closed        bool   `json:"closed"`
}

// ActiveMarkets returns the up/down windows live right now
func (f *GammaFeed) ActiveMarkets(ctx context.Context) ([]*types.Market, error) {
	now := time.Now()
	var markets []*types.Market

	for _, prefix := range f.prefixes {
		for _, slug := range seriesSlugs(prefix, now) {
			event, err := f.fetchEvent(ctx, slug)
			if err != nil {
				log.Debug().Str("slug", slug).Err(err).Msg("Event lookup failed")
				continue
			}
			if event == nil || !event.Active || event.Closed || len(event.Markets) == 0 {
				continue
			}

			market, err := toMarket(&event.Markets[0], slug, event.EndDate)
			if err != nil {
				log.Debug().Str("slug", slug).Err(err).Msg("Skipping malformed market")
				continue
			}
			if market.IsExpired(now) {
				continue
			}
			markets = append(markets, market)
		}
	}

	log.Debug().Int("count", len(markets)).Msg("Active windows refreshed")
	return markets, nil
}

// Outcome reports the winning side once the market has resolved. A market
// is resolved when its outcome prices have converged to 1/0.
func (f *GammaFeed) Outcome(ctx context.Context, market *types.Market) (types.Side, bool, error) {
	event, err := f.fetchEvent(ctx, market.Slug)
	if err != nil {
		return "", false, err
	}
	if event == nil || len(event.Markets) == 0 {
		return "", false, fmt.Errorf("feeds: event %s not found", market.Slug)
	}

	m := &event.Markets[0]
	if !m.Closed {
		return "", false, nil
	}

	sides, err := parseSides(m.Outcomes)
	if err != nil {
		return "", false, err
	}
	var prices []string
	if err := json.Unmarshal([]byte(m.OutcomePrices), &prices); err != nil {
		return "", false, fmt.Errorf("feeds: parse outcomePrices: %w", err)
	}
	if len(prices) != len(sides) {
		return "", false, fmt.Errorf("feeds: %d outcome prices for %d sides", len(prices), len(sides))
	}

	for i, raw := range prices {
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return "", false, fmt.Errorf("feeds: parse outcome price %q: %w", raw, err)
		}
		if p.Equal(decimal.NewFromInt(1)) {
			return sides[i], true, nil
		}
	}
	return "", false, nil
}

func (f *GammaFeed) fetchEvent(ctx context.Context, slug string) (*gammaEvent, error) {
	u := fmt.Sprintf("%s/events?slug=%s", f.baseURL, url.QueryEscape(slug))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feeds: gamma returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var events []gammaEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("feeds: parse events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// seriesSlugs derives the slugs around the quarter containing now
func seriesSlugs(prefix string, now time.Time) []string {
	start := now.Truncate(quarter)

	slugs := make([]string, 0, offsetForward-offsetBack+1)
	for i := offsetBack; i <= offsetForward; i++ {
		ts := start.Add(time.Duration(i) * quarter).Unix()
		slugs = append(slugs, fmt.Sprintf("%s%d", prefix, ts))
	}
	return slugs
}

// toMarket converts a Gamma market into the engine's market type
func toMarket(m *gammaMarket, slug string, eventEnd time.Time) (*types.Market, error) {
	sides, err := parseSides(m.Outcomes)
	if err != nil {
		return nil, err
	}

	var tokenIDs []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokenIDs); err != nil {
		return nil, fmt.Errorf("feeds: parse clobTokenIds: %w", err)
	}
	if len(tokenIDs) != len(sides) {
		return nil, fmt.Errorf("feeds: %d tokens for %d sides", len(tokenIDs), len(sides))
	}

	tokens := make(map[types.Side]string, len(sides))
	for i, side := range sides {
		tokens[side] = tokenIDs[i]
	}
	if tokens[types.SideUp] == "" || tokens[types.SideDown] == "" {
		return nil, fmt.Errorf("feeds: market %s missing up/down token", slug)
	}

	expires := m.EndDate
	if expires.IsZero() {
		expires = eventEnd
	}
	if expires.IsZero() {
		return nil, fmt.Errorf("feeds: market %s has no end date", slug)
	}

	return &types.Market{
		ID:        m.ConditionID,
		Slug:      slug,
		Question:  m.Question,
		Tokens:    tokens,
		ExpiresAt: expires,
	}, nil
}

// parseSides maps the Gamma outcomes array onto up/down sides
func parseSides(outcomes string) ([]types.Side, error) {
	var names []string
	if err := json.Unmarshal([]byte(outcomes), &names); err != nil {
		return nil, fmt.Errorf("feeds: parse outcomes: %w", err)
	}

	sides := make([]types.Side, len(names))
	for i, name := range names {
		switch strings.ToLower(name) {
		case "up":
			sides[i] = types.SideUp
		case "down":
			sides[i] = types.SideDown
		default:
			return nil, fmt.Errorf("feeds: unexpected outcome %q", name)
		}
	}
	if len(sides) != 2 {
		return nil, fmt.Errorf("feeds: expected 2 outcomes, got %d", len(sides))
	}
	return sides, nil
}
