package exec

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyflip/updownbot/internal/config"
	"github.com/polyflip/updownbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER GATEWAY - CLOB order placement
// ═══════════════════════════════════════════════════════════════════════════════
//
// Submits signed immediate-or-cancel orders to the Polymarket CLOB and maps
// the response into a fill. L1 auth is the wallet key; L2 auth is the HMAC
// header set derived from the API credentials.
//
// Dry-run mode simulates full fills at the limit price without touching the
// API, so the whole engine can be exercised safely.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Client talks to the CLOB order endpoint
type Client struct {
	baseURL    string
	privateKey *ecdsa.PrivateKey
	address    string
	funder     string
	apiKey     string
	apiSecret  string
	passphrase string
	dryRun     bool
	httpClient *http.Client
}

// NewClient creates the execution client from config
func NewClient(cfg *config.Config) (*Client, error) {
	client := &Client{
		baseURL:    strings.TrimRight(cfg.CLOBURL, "/"),
		funder:     cfg.FunderAddress,
		apiKey:     cfg.CLOBApiKey,
		apiSecret:  cfg.CLOBApiSecret,
		passphrase: cfg.CLOBPassphrase,
		dryRun:     cfg.DryRun,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	if cfg.WalletPrivateKey != "" {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.WalletPrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("exec: invalid private key: %w", err)
		}
		client.privateKey = pk
		client.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	} else if !cfg.DryRun {
		return nil, fmt.Errorf("exec: live mode requires a wallet private key")
	}

	mode := "DRY RUN"
	if !cfg.DryRun {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Str("address", client.address).
		Msg("🚀 Execution client initialized")

	return client, nil
}

// Submit places an order and reports how much of it filled
func (c *Client) Submit(ctx context.Context, req types.OrderRequest) (types.Fill, error) {
	if c.dryRun {
		return c.simulate(req), nil
	}

	order := map[string]interface{}{
		"tokenID":       req.TokenID,
		"price":         req.LimitPrice.String(),
		"size":          req.Size.String(),
		"side":          directionString(req.Direction),
		"orderType":     string(req.TimeInForce),
		"expiration":    "0",
		"nonce":         fmt.Sprintf("%d", time.Now().UnixNano()),
		"feeRateBps":    "0",
		"maker":         c.funder,
		"signer":        c.address,
		"signatureType": 2,
	}

	signature, err := c.signOrder(order)
	if err != nil {
		return types.Fill{}, fmt.Errorf("exec: signing failed: %w", err)
	}
	order["signature"] = signature

	body, err := c.post(ctx, "/order", map[string]interface{}{
		"order":     order,
		"orderType": string(req.TimeInForce),
		"owner":     c.apiKey,
	})
	if err != nil {
		return types.Fill{}, err
	}

	var result struct {
		Success      bool   `json:"success"`
		OrderID      string `json:"orderID"`
		Status       string `json:"status"`
		ErrorMsg     string `json:"errorMsg"`
		TakingAmount string `json:"takingAmount"`
		MakingAmount string `json:"makingAmount"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return types.Fill{}, fmt.Errorf("exec: parse response: %w", err)
	}

	if !result.Success || result.ErrorMsg != "" {
		if isLiquidityError(result.ErrorMsg) {
			return types.Fill{Status: types.NoFill}, nil
		}
		return types.Fill{}, fmt.Errorf("exec: order rejected: %s", result.ErrorMsg)
	}

	fill := c.toFill(req, result.Status, result.MakingAmount, result.TakingAmount)

	log.Info().
		Str("order_id", result.OrderID).
		Str("status", result.Status).
		Str("filled", fill.FilledSize.StringFixed(2)).
		Msg("📬 Order response")

	return fill, nil
}

// simulate fills the order in full at the limit price
func (c *Client) simulate(req types.OrderRequest) types.Fill {
	log.Info().
		Str("token", shortToken(req.TokenID)).
		Str("direction", directionString(req.Direction)).
		Str("price", req.LimitPrice.StringFixed(2)).
		Str("size", req.Size.StringFixed(2)).
		Msg("📝 DRY RUN: order filled")

	return types.Fill{
		Status:       types.FullFill,
		FilledSize:   req.Size,
		AvgFillPrice: req.LimitPrice,
	}
}

// toFill derives the fill from the order status and matched amounts. For a
// buy, makingAmount is collateral spent and takingAmount is shares received;
// a sell is the reverse.
func (c *Client) toFill(req types.OrderRequest, status, making, taking string) types.Fill {
	switch status {
	case "matched":
	case "live", "delayed":
		// An immediate-or-cancel order that did not match is dead
		return types.Fill{Status: types.NoFill}
	default:
		return types.Fill{Status: types.NoFill}
	}

	makingDec, err1 := decimal.NewFromString(making)
	takingDec, err2 := decimal.NewFromString(taking)
	if err1 != nil || err2 != nil || !makingDec.IsPositive() || !takingDec.IsPositive() {
		// Matched with no amounts reported; trust the limit
		return types.Fill{
			Status:       types.FullFill,
			FilledSize:   req.Size,
			AvgFillPrice: req.LimitPrice,
		}
	}

	var shares, collateral decimal.Decimal
	if req.Direction == types.Buy {
		shares, collateral = takingDec, makingDec
	} else {
		shares, collateral = makingDec, takingDec
	}

	status2 := types.FullFill
	if shares.LessThan(req.Size) {
		status2 = types.PartialFill
	}
	return types.Fill{
		Status:       status2,
		FilledSize:   shares,
		AvgFillPrice: collateral.Div(shares),
	}
}

func isLiquidityError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "liquidity") ||
		strings.Contains(lower, "not enough") ||
		strings.Contains(lower, "couldn't be fully filled")
}

func directionString(d types.Direction) string {
	if d == types.Buy {
		return "BUY"
	}
	return "SELL"
}

func shortToken(tokenID string) string {
	if len(tokenID) <= 16 {
		return tokenID
	}
	return tokenID[:16] + "..."
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP + AUTH
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addAuthHeaders(req, string(jsonBody))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("exec: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// addAuthHeaders attaches the L2 header set the CLOB expects
func (c *Client) addAuthHeaders(req *http.Request, body string) {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	req.Header.Set("POLY_ADDRESS", c.address)
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)

	if c.apiSecret != "" {
		message := timestamp + req.Method + req.URL.Path + body
		req.Header.Set("POLY_SIGNATURE", c.hmacSign(message))
	}
}

// hmacSign computes the url-safe base64 HMAC-SHA256 over the request digest
func (c *Client) hmacSign(message string) string {
	secret, err := base64.URLEncoding.DecodeString(c.apiSecret)
	if err != nil {
		secret = []byte(c.apiSecret)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) signOrder(order map[string]interface{}) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	orderBytes, err := json.Marshal(order)
	if err != nil {
		return "", err
	}
	hash := crypto.Keccak256(orderBytes)

	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// IsDryRun reports whether orders are simulated
func (c *Client) IsDryRun() bool {
	return c.dryRun
}
