package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/lx"
)

const (
	admin  lx.Account = "admin"
	feeder lx.Account = "feeder"
	alice  lx.Account = "alice"
	lp     lx.Account = "lp"
)

func newTestEngine(t *testing.T) *lx.Engine {
	t.Helper()
	level, _ := log.ToLevel("debug")
	eng, err := lx.NewEngine(memdb.New(), lx.Config{Admin: admin, Logger: log.NewTestLogger(level)})
	require.NoError(t, err)

	require.NoError(t, eng.GrantFeeder(admin, feeder))
	require.NoError(t, eng.AddToken(admin, "USDC", 6))
	require.NoError(t, eng.AddPair(feeder, 2))
	require.NoError(t, eng.Credit(admin, lp, "USDC", fixed.MustParse("1000000", 6)))
	require.NoError(t, eng.AddLiquidity(lp, "USDC", fixed.MustParse("1000000", 6)))
	require.NoError(t, eng.Credit(admin, alice, "USDC", fixed.MustParse("1000", 6)))
	return eng
}

func newTestServer(t *testing.T, keys *KeyStore) (*JSONRPCServer, *lx.Engine) {
	level, _ := log.ToLevel("debug")
	eng := newTestEngine(t)
	return NewJSONRPCServer(eng, keys, log.NewTestLogger(level)), eng
}

func call(t *testing.T, server http.Handler, caller lx.Account, method string, params interface{}) JSONRPCResponse {
	t.Helper()
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      1,
	}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest("POST", "/rpc", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderAccount, string(caller))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, httpReq)
	require.Equal(t, http.StatusOK, w.Code)

	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func resultMap(t *testing.T, resp JSONRPCResponse) map[string]interface{} {
	t.Helper()
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok, "result is %T", resp.Result)
	return result
}

func TestPing(t *testing.T) {
	server, _ := newTestServer(t, nil)
	resp := call(t, server, "", "lx_ping", nil)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "pong", resp.Result)
}

func TestRequestErrors(t *testing.T) {
	server, _ := newTestServer(t, nil)

	t.Run("GetNotAllowed", func(t *testing.T) {
		w := httptest.NewRecorder()
		server.ServeHTTP(w, httptest.NewRequest("GET", "/rpc", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("ParseError", func(t *testing.T) {
		w := httptest.NewRecorder()
		server.ServeHTTP(w, httptest.NewRequest("POST", "/rpc", bytes.NewBufferString("{not json")))
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, ParseError, resp.Error.Code)
	})

	t.Run("WrongVersion", func(t *testing.T) {
		w := httptest.NewRecorder()
		body := `{"jsonrpc":"1.0","method":"lx_ping","id":7}`
		server.ServeHTTP(w, httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(body)))
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		resp := call(t, server, alice, "lx_nope", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("MissingParams", func(t *testing.T) {
		resp := call(t, server, alice, "lx_getPosition", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("BadAmount", func(t *testing.T) {
		resp := call(t, server, alice, "lx_openPosition", map[string]interface{}{
			"pair": 2, "direction": "long", "size": "1.5", "token": "USDC", "amount": "100",
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("BadDirection", func(t *testing.T) {
		resp := call(t, server, alice, "lx_openPosition", map[string]interface{}{
			"pair": 2, "direction": "sideways", "size": "1", "token": "USDC", "amount": "100",
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})
}

func TestPriceMethods(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp := call(t, server, feeder, "lx_getPairPrice", map[string]interface{}{"id": 2})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NoPriceSet, resp.Error.Code)
	assert.Equal(t, "NoPriceSet", resp.Error.Data)

	resp = call(t, server, alice, "lx_setPairPrices", map[string]interface{}{
		"pairs": []int{2}, "highs": []string{"1500000000000000000000"}, "lows": []string{"1500000000000000000000"},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, Unauthorized, resp.Error.Code)

	resp = call(t, server, feeder, "lx_setPairPrices", map[string]interface{}{
		"pairs": []int{2}, "highs": []string{"1501000000000000000000"}, "lows": []string{"1499000000000000000000"},
	})
	assert.Equal(t, float64(1), resultMap(t, resp)["updated"])

	result := resultMap(t, call(t, server, alice, "lx_getPairPrice", map[string]interface{}{"id": 2, "side": "low"}))
	assert.Equal(t, "1499000000000000000000", result["price"])
	assert.Equal(t, "low", result["side"])

	resp = call(t, server, feeder, "lx_addPair", map[string]interface{}{"id": 2})
	require.NotNil(t, resp.Error)
	assert.Equal(t, PairAlreadyExists, resp.Error.Code)

	resp = call(t, server, alice, "lx_getPairPrice", map[string]interface{}{"id": 9})
	require.NotNil(t, resp.Error)
	assert.Equal(t, UnknownPair, resp.Error.Code)

	resp = call(t, server, alice, "lx_listPairs", nil)
	require.Nil(t, resp.Error)
	pairs, ok := resp.Result.([]interface{})
	require.True(t, ok)
	assert.Len(t, pairs, 1)
}

func TestPositionLifecycle(t *testing.T) {
	server, eng := newTestServer(t, nil)
	require.NoError(t, eng.SetPairPrice(feeder, 2, fixed.MustParse("1500", 18), fixed.MustParse("1500", 18)))

	result := resultMap(t, call(t, server, alice, "lx_openPosition", map[string]interface{}{
		"pair":      2,
		"direction": "long",
		"size":      "1000000000000000000",
		"token":     "USDC",
		"amount":    "100000000",
	}))
	id := result["id"]
	assert.Equal(t, float64(1), id)
	assert.Equal(t, "alice", result["owner"])
	assert.Equal(t, "1500000000000000000000", result["entryPrice"])

	balance := resultMap(t, call(t, server, alice, "lx_balanceOf", map[string]interface{}{"token": "USDC"}))
	assert.Equal(t, "900000000", balance["balance"])

	resp := call(t, server, alice, "lx_listPositions", nil)
	require.Nil(t, resp.Error)
	assert.Len(t, resp.Result, 1)

	require.NoError(t, eng.SetPairPrice(feeder, 2, fixed.MustParse("1550", 18), fixed.MustParse("1550", 18)))
	pnl := resultMap(t, call(t, server, alice, "lx_getPositionPnL", map[string]interface{}{"id": id}))
	assert.Equal(t, "50000000000000000000", pnl["profit"])

	resp = call(t, server, "mallory", "lx_closePosition", map[string]interface{}{"id": id, "token": "USDC"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotOwner, resp.Error.Code)

	settlement := resultMap(t, call(t, server, alice, "lx_closePosition", map[string]interface{}{"id": id, "token": "USDC"}))
	assert.Equal(t, "150000000", settlement["paid"])

	balance = resultMap(t, call(t, server, alice, "lx_balanceOf", map[string]interface{}{"token": "USDC"}))
	assert.Equal(t, "1050000000", balance["balance"])

	resp = call(t, server, alice, "lx_getPosition", map[string]interface{}{"id": id})
	require.NotNil(t, resp.Error)
	assert.Equal(t, PositionNotFound, resp.Error.Code)
}

func TestAdminMethods(t *testing.T) {
	level, _ := log.ToLevel("debug")
	eng, err := lx.NewEngine(memdb.New(), lx.Config{Admin: admin, Logger: log.NewTestLogger(level)})
	require.NoError(t, err)
	server := NewJSONRPCServer(eng, nil, log.NewTestLogger(level))

	expectCode := func(resp JSONRPCResponse, code int) {
		t.Helper()
		require.NotNil(t, resp.Error)
		assert.Equal(t, code, resp.Error.Code)
	}

	// A fresh node is set up entirely over RPC.
	token := resultMap(t, call(t, server, admin, "lx_addToken", map[string]interface{}{"symbol": "USDC", "decimals": 6}))
	assert.Equal(t, "USDC", token["symbol"])
	expectCode(call(t, server, alice, "lx_addToken", map[string]interface{}{"symbol": "DAI", "decimals": 18}), Unauthorized)

	expectCode(call(t, server, alice, "lx_grantFeeder", map[string]interface{}{"account": "feeder"}), Unauthorized)
	resultMap(t, call(t, server, admin, "lx_grantFeeder", map[string]interface{}{"account": "feeder"}))
	resultMap(t, call(t, server, feeder, "lx_addPair", map[string]interface{}{"id": 2}))
	resultMap(t, call(t, server, feeder, "lx_setPairPrices", map[string]interface{}{
		"pairs": []int{2}, "highs": []string{"1500000000000000000000"}, "lows": []string{"1500000000000000000000"},
	}))

	expectCode(call(t, server, alice, "lx_credit", map[string]interface{}{"account": "alice", "token": "USDC", "amount": "1"}), Unauthorized)
	credited := resultMap(t, call(t, server, admin, "lx_credit", map[string]interface{}{"account": "lp", "token": "USDC", "amount": "1000000000000"}))
	assert.Equal(t, "lp", credited["account"])
	assert.Equal(t, "1000000000000", credited["balance"])

	pool := resultMap(t, call(t, server, lp, "lx_addLiquidity", map[string]interface{}{"token": "USDC", "amount": "1000000000000"}))
	assert.Equal(t, "1000000000000", pool["balance"])
	expectCode(call(t, server, lp, "lx_addLiquidity", map[string]interface{}{"token": "USDC", "amount": "1"}), LedgerError)

	resultMap(t, call(t, server, admin, "lx_credit", map[string]interface{}{"account": "alice", "token": "USDC", "amount": "100000000"}))
	pos := resultMap(t, call(t, server, alice, "lx_openPosition", map[string]interface{}{
		"pair": 2, "direction": "long", "size": "1000000000000000000", "token": "USDC", "amount": "100000000",
	}))

	t.Run("transfer position", func(t *testing.T) {
		expectCode(call(t, server, "bob", "lx_transferPosition", map[string]interface{}{"id": pos["id"], "to": "bob"}), NotOwner)
		moved := resultMap(t, call(t, server, alice, "lx_transferPosition", map[string]interface{}{"id": pos["id"], "to": "bob"}))
		assert.Equal(t, "bob", moved["owner"])

		expectCode(call(t, server, alice, "lx_closePosition", map[string]interface{}{"id": pos["id"], "token": "USDC"}), NotOwner)
		settlement := resultMap(t, call(t, server, "bob", "lx_closePosition", map[string]interface{}{"id": pos["id"], "token": "USDC"}))
		assert.Equal(t, "100000000", settlement["paid"])
	})

	t.Run("revoke feeder", func(t *testing.T) {
		resultMap(t, call(t, server, admin, "lx_revokeFeeder", map[string]interface{}{"account": "feeder"}))
		expectCode(call(t, server, feeder, "lx_setPairPrices", map[string]interface{}{
			"pairs": []int{2}, "highs": []string{"1"}, "lows": []string{"1"},
		}), Unauthorized)
	})
}

func TestOrderLifecycle(t *testing.T) {
	server, eng := newTestServer(t, nil)
	require.NoError(t, eng.SetPairPrice(feeder, 2, fixed.MustParse("1200", 18), fixed.MustParse("1200", 18)))

	order := resultMap(t, call(t, server, alice, "lx_createOpenOrder", map[string]interface{}{
		"instruction":  "limit",
		"triggerPrice": "1300000000000000000000",
		"pair":         2,
		"direction":    "short",
		"size":         "1000000000000000000",
		"token":        "USDC",
		"amount":       "50000000",
		"totalAmount":  "100000000",
	}))
	id := order["id"]

	resp := call(t, server, feeder, "lx_setPairPricesWithCallback", map[string]interface{}{
		"pairs": []int{2}, "highs": []string{"1250000000000000000000"}, "lows": []string{"1250000000000000000000"}, "orderId": id,
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, OrderNotTriggered, resp.Error.Code)

	// The failed callback rolled the price back.
	price := resultMap(t, call(t, server, alice, "lx_getPairPrice", map[string]interface{}{"id": 2}))
	assert.Equal(t, "1200000000000000000000", price["price"])

	resultMap(t, call(t, server, alice, "lx_increaseOrderDeposit", map[string]interface{}{"id": id, "amount": "50000000"}))

	resp = call(t, server, feeder, "lx_setPairPricesWithCallback", map[string]interface{}{
		"pairs": []int{2}, "highs": []string{"1300000000000000000000"}, "lows": []string{"1300000000000000000000"}, "orderId": id,
	})
	require.Nil(t, resp.Error)

	resp = call(t, server, alice, "lx_getOrder", map[string]interface{}{"id": id})
	require.NotNil(t, resp.Error)
	assert.Equal(t, OrderNotFound, resp.Error.Code)

	resp = call(t, server, alice, "lx_listPositions", nil)
	require.Nil(t, resp.Error)
	positions, ok := resp.Result.([]interface{})
	require.True(t, ok)
	require.Len(t, positions, 1)
	pos := positions[0].(map[string]interface{})
	assert.Equal(t, "1300000000000000000000", pos["entryPrice"])
	assert.Equal(t, "100000000", pos["collateralAmount"])
}

func TestCancelOrder(t *testing.T) {
	server, _ := newTestServer(t, nil)

	order := resultMap(t, call(t, server, alice, "lx_createOpenOrder", map[string]interface{}{
		"instruction": "market",
		"pair":        2,
		"direction":   "long",
		"size":        "1000000000000000000",
		"token":       "USDC",
		"amount":      "100000000",
	}))
	id := order["id"]

	resp := call(t, server, alice, "lx_listOrders", nil)
	require.Nil(t, resp.Error)
	assert.Len(t, resp.Result, 1)

	resultMap(t, call(t, server, alice, "lx_cancelOrder", map[string]interface{}{"id": id}))
	balance := resultMap(t, call(t, server, alice, "lx_balanceOf", map[string]interface{}{"token": "USDC"}))
	assert.Equal(t, "1000000000", balance["balance"])
}

func TestAuthentication(t *testing.T) {
	keys := NewKeyStore(4)
	require.NoError(t, keys.AddKey(alice, "s3cret"))
	server, _ := newTestServer(t, keys)

	send := func(account, key, method string) JSONRPCResponse {
		body := `{"jsonrpc":"2.0","method":"` + method + `","params":{"token":"USDC"},"id":1}`
		req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(body))
		req.Header.Set(HeaderAccount, account)
		req.Header.Set(HeaderAPIKey, key)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	resp := send("alice", "s3cret", "lx_balanceOf")
	assert.Nil(t, resp.Error)

	resp = send("alice", "wrong", "lx_balanceOf")
	require.NotNil(t, resp.Error)
	assert.Equal(t, Unauthorized, resp.Error.Code)

	resp = send("bob", "s3cret", "lx_balanceOf")
	require.NotNil(t, resp.Error)
	assert.Equal(t, Unauthorized, resp.Error.Code)

	resp = send("", "", "lx_ping")
	assert.Nil(t, resp.Error)
}
