package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/lx"
)

// Request headers identifying the caller.
const (
	HeaderAccount = "X-Account"
	HeaderAPIKey  = "X-API-Key"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the ledger engine
type JSONRPCServer struct {
	engine *lx.Engine
	keys   *KeyStore
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server. A nil key store disables
// authentication and trusts the X-Account header.
func NewJSONRPCServer(engine *lx.Engine, keys *KeyStore, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		engine: engine,
		keys:   keys,
		logger: logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes. Data carries the ledger error kind.
const (
	LedgerError             = -32000
	UnknownPair             = -32001
	NoPriceSet              = -32002
	PairAlreadyExists       = -32003
	UnsupportedDecimals     = -32004
	InsufficientCollateral  = -32005
	NotOwner                = -32006
	PositionNotFound        = -32007
	PositionNotLiquidatable = -32008
	OrderNotFound           = -32009
	OrderNotTriggered       = -32010
	InsufficientLiquidity   = -32011
	Unauthorized            = -32012
)

var ledgerCodes = map[string]int{
	"UnknownPair":               UnknownPair,
	"NoPriceSet":                NoPriceSet,
	"PairAlreadyExists":         PairAlreadyExists,
	"UnsupportedDecimals":       UnsupportedDecimals,
	"InsufficientCollateral":    InsufficientCollateral,
	"NotOwner":                  NotOwner,
	"PositionNotFound":          PositionNotFound,
	"PositionNotLiquidatable":   PositionNotLiquidatable,
	"OrderNotFound":             OrderNotFound,
	"OrderNotTriggered":         OrderNotTriggered,
	"InsufficientPoolLiquidity": InsufficientLiquidity,
	"Unauthorized":              Unauthorized,
}

func ledgerError(err error) *RPCError {
	kind := lx.ErrorKind(err)
	if kind == "Internal" {
		return &RPCError{Code: InternalError, Message: err.Error()}
	}
	code, ok := ledgerCodes[kind]
	if !ok {
		code = LedgerError
	}
	return &RPCError{Code: code, Message: err.Error(), Data: kind}
}

func invalidParams(err error) *RPCError {
	return &RPCError{Code: InvalidParams, Message: "Invalid params: " + err.Error()}
}

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	caller := lx.Account(r.Header.Get(HeaderAccount))
	if s.keys != nil && req.Method != "lx_ping" {
		if err := s.keys.Verify(caller, r.Header.Get(HeaderAPIKey)); err != nil {
			s.logger.Warn("Rejected request", "account", caller, "method", req.Method)
			s.sendError(w, req.ID, &RPCError{Code: Unauthorized, Message: err.Error(), Data: "Unauthorized"})
			return
		}
	}

	result, err := s.handleMethod(caller, req.Method, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = ledgerError(err)
		}
		s.logger.Debug("Request failed", "method", req.Method, "account", caller, "error", err)
		s.sendError(w, req.ID, rpcErr)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(caller lx.Account, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Oracle
	case "lx_addPair":
		return s.addPair(caller, params)
	case "lx_setPairPrices":
		return s.setPairPrices(caller, params, false)
	case "lx_setPairPricesWithCallback":
		return s.setPairPrices(caller, params, true)
	case "lx_getPairPrice":
		return s.getPairPrice(params)
	case "lx_listPairs":
		return s.engine.ListPairs()
	case "lx_grantFeeder":
		return s.withAccount(params, func(account lx.Account) error { return s.engine.GrantFeeder(caller, account) })
	case "lx_revokeFeeder":
		return s.withAccount(params, func(account lx.Account) error { return s.engine.RevokeFeeder(caller, account) })

	// Positions
	case "lx_openPosition":
		return s.openPosition(caller, params)
	case "lx_getPosition":
		return s.withID(params, func(id uint64) (interface{}, error) { return s.engine.Position(id) })
	case "lx_getPositionPnL":
		return s.withID(params, func(id uint64) (interface{}, error) { return s.engine.PositionPnL(id) })
	case "lx_closePosition":
		return s.closePosition(caller, params)
	case "lx_liquidatePosition":
		return s.withID(params, func(id uint64) (interface{}, error) { return s.engine.LiquidatePosition(caller, id) })
	case "lx_transferPosition":
		return s.transferPosition(caller, params)
	case "lx_listPositions":
		return s.withOwner(caller, params, func(owner lx.Account) (interface{}, error) { return s.engine.Positions(owner) })

	// Orders
	case "lx_createOpenOrder":
		return s.createOpenOrder(caller, params)
	case "lx_createCloseOrder":
		return s.createCloseOrder(caller, params)
	case "lx_increaseOrderDeposit":
		return s.increaseOrderDeposit(caller, params)
	case "lx_cancelOrder":
		return s.withID(params, func(id uint64) (interface{}, error) { return s.engine.CancelOrder(caller, id) })
	case "lx_executeOrder":
		return s.withID(params, func(id uint64) (interface{}, error) { return s.engine.ExecuteOrder(caller, id) })
	case "lx_getOrder":
		return s.withID(params, func(id uint64) (interface{}, error) { return s.engine.Order(id) })
	case "lx_listOrders":
		return s.withOwner(caller, params, func(owner lx.Account) (interface{}, error) { return s.engine.Orders(owner) })

	// Pool
	case "lx_addToken":
		return s.addToken(caller, params)
	case "lx_credit":
		return s.credit(caller, params)
	case "lx_addLiquidity":
		return s.addLiquidity(caller, params)
	case "lx_balanceOf":
		return s.balanceOf(caller, params)
	case "lx_poolBalance":
		return s.poolBalance(params)
	case "lx_listTokens":
		return s.engine.ListTokens()

	case "lx_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams(errors.New("missing params"))
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams(err)
	}
	return nil
}

func amount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := fixed.FromString(s)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("%s: %w", field, err))
	}
	return v, nil
}

func amounts(field string, ss []string) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, len(ss))
	for i, s := range ss {
		v, err := amount(field, s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *JSONRPCServer) withID(params json.RawMessage, fn func(id uint64) (interface{}, error)) (interface{}, error) {
	var p struct {
		ID uint64 `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return fn(p.ID)
}

func (s *JSONRPCServer) withOwner(caller lx.Account, params json.RawMessage, fn func(owner lx.Account) (interface{}, error)) (interface{}, error) {
	var p struct {
		Owner lx.Account `json:"owner"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
	}
	if p.Owner == "" {
		p.Owner = caller
	}
	return fn(p.Owner)
}

func (s *JSONRPCServer) withAccount(params json.RawMessage, fn func(account lx.Account) error) (interface{}, error) {
	var p struct {
		Account lx.Account `json:"account"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := fn(p.Account); err != nil {
		return nil, err
	}
	return map[string]interface{}{"account": p.Account}, nil
}

func (s *JSONRPCServer) addPair(caller lx.Account, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID lx.PairID `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.AddPair(caller, p.ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": p.ID, "status": "added"}, nil
}

func (s *JSONRPCServer) setPairPrices(caller lx.Account, params json.RawMessage, withCallback bool) (interface{}, error) {
	var p struct {
		Pairs   []lx.PairID `json:"pairs"`
		Highs   []string    `json:"highs"`
		Lows    []string    `json:"lows"`
		OrderID uint64      `json:"orderId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	highs, err := amounts("highs", p.Highs)
	if err != nil {
		return nil, err
	}
	lows, err := amounts("lows", p.Lows)
	if err != nil {
		return nil, err
	}
	if withCallback {
		err = s.engine.SetPairPricesWithCallback(caller, p.Pairs, highs, lows, lx.ExecuteOrderCallback(p.OrderID))
	} else {
		err = s.engine.SetPairPrices(caller, p.Pairs, highs, lows)
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"updated": len(p.Pairs)}, nil
}

func (s *JSONRPCServer) getPairPrice(params json.RawMessage) (interface{}, error) {
	var p struct {
		ID   lx.PairID `json:"id"`
		Side string    `json:"side"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	side := lx.High
	switch p.Side {
	case "", "high":
	case "low":
		side = lx.Low
	default:
		return nil, invalidParams(fmt.Errorf("side %q", p.Side))
	}
	price, err := s.engine.GetPairPrice(p.ID, side)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": p.ID, "side": side.String(), "price": price}, nil
}

func (s *JSONRPCServer) openPosition(caller lx.Account, params json.RawMessage) (interface{}, error) {
	var p struct {
		Pair      lx.PairID `json:"pair"`
		Direction string    `json:"direction"`
		Size      string    `json:"size"`
		Token     string    `json:"token"`
		Amount    string    `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	dir, err := lx.ParseDirection(p.Direction)
	if err != nil {
		return nil, invalidParams(err)
	}
	size, err := amount("size", p.Size)
	if err != nil {
		return nil, err
	}
	deposit, err := amount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	return s.engine.OpenPosition(caller, p.Pair, dir, size, p.Token, deposit)
}

func (s *JSONRPCServer) closePosition(caller lx.Account, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID        uint64     `json:"id"`
		Token     string     `json:"token"`
		Recipient lx.Account `json:"recipient"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Recipient == "" {
		p.Recipient = caller
	}
	return s.engine.ClosePosition(caller, p.ID, p.Token, p.Recipient)
}

func (s *JSONRPCServer) transferPosition(caller lx.Account, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID uint64     `json:"id"`
		To lx.Account `json:"to"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return s.engine.TransferPosition(caller, p.ID, p.To)
}

func (s *JSONRPCServer) createOpenOrder(caller lx.Account, params json.RawMessage) (interface{}, error) {
	var p struct {
		Instruction  string    `json:"instruction"`
		TriggerPrice string    `json:"triggerPrice"`
		Pair         lx.PairID `json:"pair"`
		Direction    string    `json:"direction"`
		Size         string    `json:"size"`
		Token        string    `json:"token"`
		Amount       string    `json:"amount"`
		TotalAmount  string    `json:"totalAmount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	instruction, err := lx.ParseInstruction(p.Instruction)
	if err != nil {
		return nil, invalidParams(err)
	}
	dir, err := lx.ParseDirection(p.Direction)
	if err != nil {
		return nil, invalidParams(err)
	}
	req := lx.OpenOrder{Instruction: instruction, Pair: p.Pair, Direction: dir, DepositToken: p.Token}
	if req.TriggerPrice, err = amount("triggerPrice", p.TriggerPrice); err != nil {
		return nil, err
	}
	if req.Size, err = amount("size", p.Size); err != nil {
		return nil, err
	}
	if req.DepositAmount, err = amount("amount", p.Amount); err != nil {
		return nil, err
	}
	if req.TotalDepositAmount, err = amount("totalAmount", p.TotalAmount); err != nil {
		return nil, err
	}
	return s.engine.CreateOpenOrder(caller, req)
}

func (s *JSONRPCServer) createCloseOrder(caller lx.Account, params json.RawMessage) (interface{}, error) {
	var p struct {
		Instruction  string     `json:"instruction"`
		TriggerPrice string     `json:"triggerPrice"`
		PositionID   uint64     `json:"positionId"`
		Token        string     `json:"token"`
		Recipient    lx.Account `json:"recipient"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	instruction, err := lx.ParseInstruction(p.Instruction)
	if err != nil {
		return nil, invalidParams(err)
	}
	trigger, err := amount("triggerPrice", p.TriggerPrice)
	if err != nil {
		return nil, err
	}
	return s.engine.CreateCloseOrder(caller, lx.CloseOrder{
		Instruction:   instruction,
		TriggerPrice:  trigger,
		PositionID:    p.PositionID,
		WithdrawToken: p.Token,
		Recipient:     p.Recipient,
	})
}

func (s *JSONRPCServer) increaseOrderDeposit(caller lx.Account, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID     uint64 `json:"id"`
		Amount string `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	v, err := amount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	return s.engine.IncreaseOrderDeposit(caller, p.ID, v)
}

func (s *JSONRPCServer) addToken(caller lx.Account, params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol   string `json:"symbol"`
		Decimals uint8  `json:"decimals"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.AddToken(caller, p.Symbol, p.Decimals); err != nil {
		return nil, err
	}
	return s.engine.Token(p.Symbol)
}

// credit is the admin faucet: it mints amount of token into account's wallet.
func (s *JSONRPCServer) credit(caller lx.Account, params json.RawMessage) (interface{}, error) {
	var p struct {
		Account lx.Account `json:"account"`
		Token   string     `json:"token"`
		Amount  string     `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	v, err := amount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Credit(caller, p.Account, p.Token, v); err != nil {
		return nil, err
	}
	return s.balanceOf(caller, params)
}

func (s *JSONRPCServer) addLiquidity(caller lx.Account, params json.RawMessage) (interface{}, error) {
	var p struct {
		Token  string `json:"token"`
		Amount string `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	v, err := amount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.engine.AddLiquidity(caller, p.Token, v); err != nil {
		return nil, err
	}
	return s.poolBalance(params)
}

func (s *JSONRPCServer) balanceOf(caller lx.Account, params json.RawMessage) (interface{}, error) {
	var p struct {
		Account lx.Account `json:"account"`
		Token   string     `json:"token"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Account == "" {
		p.Account = caller
	}
	bal, err := s.engine.BalanceOf(p.Account, p.Token)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"account": p.Account, "token": p.Token, "balance": bal}, nil
}

func (s *JSONRPCServer) poolBalance(params json.RawMessage) (interface{}, error) {
	var p struct {
		Token string `json:"token"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	bal, err := s.engine.PoolBalance(p.Token)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"token": p.Token, "balance": bal}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer serves the JSON-RPC API on port until ctx is done.
func StartJSONRPCServer(ctx context.Context, port int, engine *lx.Engine, keys *KeyStore, logger log.Logger) error {
	server := NewJSONRPCServer(engine, keys, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
