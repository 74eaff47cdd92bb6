package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/api"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/lx"
)

// Client talks JSON-RPC to a ledger node
type Client struct {
	baseURL string
	account string
	apiKey  string
	logger  log.Logger
	client  *http.Client
	nextID  uint64

	decimals map[string]uint8
}

func NewClient(baseURL, account, apiKey string, logger log.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		account: account,
		apiKey:  apiKey,
		logger:  logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Call invokes method and decodes the result into out, which may be nil.
// Ledger failures come back as *api.RPCError.
func (c *Client) Call(method string, params, out interface{}) error {
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      atomic.AddUint64(&c.nextID, 1),
	}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.baseURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(api.HeaderAccount, c.account)
	if c.apiKey != "" {
		httpReq.Header.Set(api.HeaderAPIKey, c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *api.RPCError   `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		c.logger.Warn("Failed to parse response", "error", err, "body", string(body))
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// Decimals returns the native decimals of a collateral token.
func (c *Client) Decimals(symbol string) (uint8, error) {
	if c.decimals == nil {
		var tokens []lx.Token
		if err := c.Call("lx_listTokens", nil, &tokens); err != nil {
			return 0, err
		}
		c.decimals = make(map[string]uint8, len(tokens))
		for _, t := range tokens {
			c.decimals[t.Symbol] = t.Decimals
		}
	}
	d, ok := c.decimals[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", lx.ErrUnknownToken, symbol)
	}
	return d, nil
}

// TokenAmount converts a human amount like "12.5" to token base units.
func (c *Client) TokenAmount(symbol, human string) (string, error) {
	d, err := c.Decimals(symbol)
	if err != nil {
		return "", err
	}
	return baseUnits(human, d)
}

func baseUnits(human string, decimals uint8) (string, error) {
	v, err := fixed.Parse(human, decimals)
	if err != nil {
		return "", err
	}
	return v.Dec(), nil
}

// Price converts a human price to its 18-decimal base-10 form.
func Price(human string) (string, error) {
	return baseUnits(human, fixed.Decimals)
}

func (c *Client) Ping() error {
	var pong string
	if err := c.Call("lx_ping", nil, &pong); err != nil {
		return err
	}
	if pong != "pong" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}

// OpenPosition opens a position with human size and collateral amounts.
func (c *Client) OpenPosition(pair uint64, direction, size string, sizeDecimals uint8, token, amount string) (*lx.Position, error) {
	sizeUnits, err := baseUnits(size, sizeDecimals)
	if err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	amountUnits, err := c.TokenAmount(token, amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	var pos lx.Position
	err = c.Call("lx_openPosition", map[string]interface{}{
		"pair":      pair,
		"direction": direction,
		"size":      sizeUnits,
		"token":     token,
		"amount":    amountUnits,
	}, &pos)
	return &pos, err
}

func (c *Client) ClosePosition(id uint64, token, recipient string) (*lx.Settlement, error) {
	var s lx.Settlement
	err := c.Call("lx_closePosition", map[string]interface{}{"id": id, "token": token, "recipient": recipient}, &s)
	return &s, err
}

func (c *Client) SetPrices(pairs []uint64, highs, lows []string, orderID uint64) error {
	toUnits := func(in []string) ([]string, error) {
		out := make([]string, len(in))
		for i, s := range in {
			v, err := Price(s)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	h, err := toUnits(highs)
	if err != nil {
		return err
	}
	l, err := toUnits(lows)
	if err != nil {
		return err
	}
	params := map[string]interface{}{"pairs": pairs, "highs": h, "lows": l}
	method := "lx_setPairPrices"
	if orderID != 0 {
		method = "lx_setPairPricesWithCallback"
		params["orderId"] = orderID
	}
	return c.Call(method, params, nil)
}

// Balance returns account's wallet balance as a human amount.
func (c *Client) Balance(account, token string) (string, error) {
	d, err := c.Decimals(token)
	if err != nil {
		return "", err
	}
	var res struct {
		Balance string `json:"balance"`
	}
	if err := c.Call("lx_balanceOf", map[string]interface{}{"account": account, "token": token}, &res); err != nil {
		return "", err
	}
	v, err := fixed.FromString(res.Balance)
	if err != nil {
		return "", err
	}
	return fixed.Format(v, d), nil
}

// AddToken registers a collateral token. Admin only.
func (c *Client) AddToken(symbol string, decimals uint8) error {
	c.decimals = nil
	return c.Call("lx_addToken", map[string]interface{}{"symbol": symbol, "decimals": decimals}, nil)
}

func (c *Client) AddPair(pair uint64) error {
	return c.Call("lx_addPair", map[string]interface{}{"id": pair}, nil)
}

func (c *Client) GrantFeeder(account string) error {
	return c.Call("lx_grantFeeder", map[string]interface{}{"account": account}, nil)
}

func (c *Client) RevokeFeeder(account string) error {
	return c.Call("lx_revokeFeeder", map[string]interface{}{"account": account}, nil)
}

// Credit mints a human amount of token into account's wallet. Admin only.
func (c *Client) Credit(account, token, amount string) error {
	units, err := c.TokenAmount(token, amount)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	return c.Call("lx_credit", map[string]interface{}{"account": account, "token": token, "amount": units}, nil)
}

// AddLiquidity moves a human amount of token from the caller's wallet into
// the pool.
func (c *Client) AddLiquidity(token, amount string) error {
	units, err := c.TokenAmount(token, amount)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	return c.Call("lx_addLiquidity", map[string]interface{}{"token": token, "amount": units}, nil)
}

func (c *Client) TransferPosition(id uint64, to string) (*lx.Position, error) {
	var pos lx.Position
	err := c.Call("lx_transferPosition", map[string]interface{}{"id": id, "to": to}, &pos)
	return &pos, err
}
