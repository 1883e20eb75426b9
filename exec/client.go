package exec

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/taogrid/retry"
	"github.com/web3guy0/taogrid/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STAKING GATEWAY CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Submits stake (buy) and unstake (sell) orders for subnet alpha through the
// gateway's HTTP API. Requests are signed with the wallet key. Errors are
// mapped onto the retry taxonomy:
//
//   4xx           -> Permanent (bad parameters, insufficient funds)
//   5xx / network -> Transient
//   write timeout -> Ambiguous (the order may have landed; reconcile via
//                    StakeBalance before acting on the same funds again)
//
// ═══════════════════════════════════════════════════════════════════════════════

// Quoter supplies the last known market price for paper fills in dry-run.
type Quoter interface {
	LastPrice() decimal.Decimal
}

type Client struct {
	baseURL    string
	netuid     int
	hotkey     string
	privateKey *ecdsa.PrivateKey
	address    string
	dryRun     bool
	quoter     Quoter
	httpClient *http.Client

	// Paper state, dry-run only.
	mu         sync.Mutex
	paperStake decimal.Decimal
	paperFree  decimal.Decimal
}

// Options configures the gateway client.
type Options struct {
	BaseURL       string
	Netuid        int
	Hotkey        string // validator hotkey to delegate to
	PrivateKeyHex string
	DryRun        bool
	Quoter        Quoter
	Timeout       time.Duration
}

// NewClient creates a gateway client.
func NewClient(opts Options) (*Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		baseURL:    opts.BaseURL,
		netuid:     opts.Netuid,
		hotkey:     opts.Hotkey,
		dryRun:     opts.DryRun,
		quoter:     opts.Quoter,
		httpClient: &http.Client{Timeout: timeout},
		paperStake: decimal.Zero,
		paperFree:  decimal.NewFromInt(100), // simulated wallet
	}

	if opts.PrivateKeyHex != "" {
		pk, err := crypto.HexToECDSA(opts.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	} else if !opts.DryRun {
		return nil, fmt.Errorf("WALLET_PRIVATE_KEY is required outside dry-run")
	}

	mode := "LIVE"
	if c.dryRun {
		mode = "DRY RUN"
	}
	log.Info().
		Str("mode", mode).
		Str("address", c.address).
		Int("netuid", c.netuid).
		Msg("🚀 Gateway client initialized")

	return c, nil
}

// Buy stakes the given TAO amount and returns the venue-reported fill.
func (c *Client) Buy(ctx context.Context, amount decimal.Decimal) (types.Fill, error) {
	if c.dryRun {
		return c.paperBuy(amount)
	}

	payload := map[string]interface{}{
		"netuid": c.netuid,
		"hotkey": c.hotkey,
		"amount": amount.String(),
		"nonce":  time.Now().UnixNano(),
	}
	sig, err := c.sign(payload)
	if err != nil {
		return types.Fill{}, retry.Permanent(err)
	}
	payload["signature"] = sig

	body, err := c.post(ctx, "/v1/stake", payload)
	if err != nil {
		return types.Fill{}, err
	}

	var result struct {
		FillPrice    decimal.Decimal `json:"fill_price"`
		FillQuantity decimal.Decimal `json:"fill_quantity"`
		Error        string          `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return types.Fill{}, retry.Transient(fmt.Errorf("parse stake response: %w", err))
	}
	if result.Error != "" {
		return types.Fill{}, retry.Permanent(fmt.Errorf("gateway: %s", result.Error))
	}

	return types.Fill{Price: result.FillPrice, Quantity: result.FillQuantity}, nil
}

// Sell unstakes the given alpha quantity and returns the fill price.
func (c *Client) Sell(ctx context.Context, quantity decimal.Decimal) (types.Fill, error) {
	if c.dryRun {
		return c.paperSell(quantity)
	}

	payload := map[string]interface{}{
		"netuid":   c.netuid,
		"hotkey":   c.hotkey,
		"quantity": quantity.String(),
		"nonce":    time.Now().UnixNano(),
	}
	sig, err := c.sign(payload)
	if err != nil {
		return types.Fill{}, retry.Permanent(err)
	}
	payload["signature"] = sig

	body, err := c.post(ctx, "/v1/unstake", payload)
	if err != nil {
		return types.Fill{}, err
	}

	var result struct {
		FillPrice decimal.Decimal `json:"fill_price"`
		Error     string          `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return types.Fill{}, retry.Transient(fmt.Errorf("parse unstake response: %w", err))
	}
	if result.Error != "" {
		return types.Fill{}, retry.Permanent(fmt.Errorf("gateway: %s", result.Error))
	}

	return types.Fill{Price: result.FillPrice, Quantity: quantity}, nil
}

// Balance returns the free wallet balance in TAO.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	if c.dryRun {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.paperFree, nil
	}

	body, err := c.get(ctx, fmt.Sprintf("/v1/balance?address=%s", c.address))
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, retry.Transient(fmt.Errorf("parse balance: %w", err))
	}
	return result.Balance, nil
}

// StakeBalance returns the current alpha stake held with the validator.
// Used to reconcile ambiguous buy/sell outcomes before any retry.
func (c *Client) StakeBalance(ctx context.Context) (decimal.Decimal, error) {
	if c.dryRun {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.paperStake, nil
	}

	body, err := c.get(ctx, fmt.Sprintf("/v1/stake?address=%s&netuid=%d&hotkey=%s", c.address, c.netuid, c.hotkey))
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Stake decimal.Decimal `json:"stake"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, retry.Transient(fmt.Errorf("parse stake: %w", err))
	}
	return result.Stake, nil
}

// IsDryRun returns true when running in paper mode.
func (c *Client) IsDryRun() bool { return c.dryRun }

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER FILLS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) paperBuy(amount decimal.Decimal) (types.Fill, error) {
	price := c.quoter.LastPrice()
	if price.IsZero() {
		return types.Fill{}, retry.Transient(fmt.Errorf("no quote available for paper fill"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if amount.GreaterThan(c.paperFree) {
		return types.Fill{}, retry.Permanent(fmt.Errorf("insufficient paper balance"))
	}
	qty := amount.Div(price).RoundBank(types.PriceScale)
	c.paperFree = c.paperFree.Sub(amount)
	c.paperStake = c.paperStake.Add(qty)

	log.Info().
		Str("amount", amount.String()).
		Str("price", price.String()).
		Str("quantity", qty.String()).
		Msg("📝 DRY RUN: stake filled")

	return types.Fill{Price: price, Quantity: qty}, nil
}

func (c *Client) paperSell(quantity decimal.Decimal) (types.Fill, error) {
	price := c.quoter.LastPrice()
	if price.IsZero() {
		return types.Fill{}, retry.Transient(fmt.Errorf("no quote available for paper fill"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if quantity.GreaterThan(c.paperStake) {
		return types.Fill{}, retry.Permanent(fmt.Errorf("insufficient paper stake"))
	}
	c.paperStake = c.paperStake.Sub(quantity)
	c.paperFree = c.paperFree.Add(quantity.Mul(price).RoundBank(types.PriceScale))

	log.Info().
		Str("quantity", quantity.String()).
		Str("price", price.String()).
		Msg("📝 DRY RUN: unstake filled")

	return types.Fill{Price: price, Quantity: quantity}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	return c.doRequest(req, false)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRequest(req, true)
}

// doRequest executes the call and classifies the failure. A timeout on a
// mutating request is ambiguous: the gateway may have applied it.
func (c *Client) doRequest(req *http.Request, mutating bool) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if mutating && isTimeout(err) {
			return nil, retry.Ambiguous(fmt.Errorf("gateway timeout, outcome unknown: %w", err))
		}
		return nil, retry.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, retry.Transient(fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)))
	case resp.StatusCode >= 400:
		return nil, retry.Permanent(fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)))
	}
	return body, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// sign hashes the payload and signs it with the wallet key.
func (c *Client) sign(payload map[string]interface{}) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	hash := crypto.Keccak256(payloadBytes)

	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}
