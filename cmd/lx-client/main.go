package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/luxfi/log"
)

func main() {
	var (
		serverURL    = flag.String("server", "http://localhost:8080", "Ledger node JSON-RPC URL")
		account      = flag.String("account", "", "Caller account")
		apiKey       = flag.String("api-key", os.Getenv("PERPS_API_KEY"), "API key for the caller account")
		action       = flag.String("action", "ping", "Action: ping, pairs, price, set-prices, open, close, liquidate, transfer, position, pnl, positions, open-order, close-order, deposit, cancel, execute, order, orders, balance, pool, tokens, add-token, add-pair, grant-feeder, revoke-feeder, credit, add-liquidity")
		pair         = flag.Uint64("pair", 0, "Pair id (or comma separated ids for set-prices)")
		pairs        = flag.String("pairs", "", "Comma separated pair ids for set-prices")
		direction    = flag.String("direction", "long", "Position direction: long or short")
		size         = flag.String("size", "", "Position size in index units, e.g. 0.5")
		sizeDecimals = flag.Uint("size-decimals", 18, "Native decimals of the pair's index asset")
		token        = flag.String("token", "USDC", "Collateral token")
		amount       = flag.String("amount", "", "Collateral amount, e.g. 100")
		total        = flag.String("total", "", "Total deposit an open order may reach")
		high         = flag.String("high", "", "High price(s), comma separated")
		low          = flag.String("low", "", "Low price(s), comma separated")
		side         = flag.String("side", "high", "Price side: high or low")
		instruction  = flag.String("instruction", "market", "Order instruction: limit or market")
		trigger      = flag.String("trigger", "", "Limit trigger price")
		id           = flag.Uint64("id", 0, "Position or order id")
		recipient    = flag.String("recipient", "", "Payout recipient")
		to           = flag.String("to", "", "Target account for transfer, credit and feeder actions")
		decimals     = flag.Uint("decimals", 18, "Native decimals for add-token")
		logLevel     = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	level, _ := log.ToLevel(*logLevel)
	logger := log.NewTestLogger(level)
	client := NewClient(*serverURL, *account, *apiKey, logger)

	fail := func(what string, err error) {
		logger.Error(what, "error", err)
		os.Exit(1)
	}
	show := func(v interface{}) {
		out, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(out))
	}
	call := func(method string, params interface{}) {
		var res interface{}
		if err := client.Call(method, params, &res); err != nil {
			fail(method+" failed", err)
		}
		show(res)
	}
	price := func(name, s string) string {
		if s == "" {
			return ""
		}
		v, err := Price(s)
		if err != nil {
			fail("Invalid "+name, err)
		}
		return v
	}
	tokenAmount := func(name, s string) string {
		if s == "" {
			return ""
		}
		v, err := client.TokenAmount(*token, s)
		if err != nil {
			fail("Invalid "+name, err)
		}
		return v
	}

	switch *action {
	case "ping":
		if err := client.Ping(); err != nil {
			fail("Ping failed", err)
		}
		logger.Info("Node is up", "server", *serverURL)

	case "pairs":
		call("lx_listPairs", nil)

	case "tokens":
		call("lx_listTokens", nil)

	case "price":
		call("lx_getPairPrice", map[string]interface{}{"id": *pair, "side": *side})

	case "set-prices":
		ids := []uint64{*pair}
		if *pairs != "" {
			ids = nil
			for _, s := range strings.Split(*pairs, ",") {
				n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
				if err != nil {
					fail("Invalid pair id", err)
				}
				ids = append(ids, n)
			}
		}
		if err := client.SetPrices(ids, strings.Split(*high, ","), strings.Split(*low, ","), *id); err != nil {
			fail("Failed to set prices", err)
		}
		logger.Info("Prices set", "pairs", ids)

	case "open":
		pos, err := client.OpenPosition(*pair, *direction, *size, uint8(*sizeDecimals), *token, *amount)
		if err != nil {
			fail("Failed to open position", err)
		}
		show(pos)

	case "close":
		s, err := client.ClosePosition(*id, *token, *recipient)
		if err != nil {
			fail("Failed to close position", err)
		}
		show(s)

	case "liquidate":
		call("lx_liquidatePosition", map[string]interface{}{"id": *id})

	case "transfer":
		pos, err := client.TransferPosition(*id, *to)
		if err != nil {
			fail("Failed to transfer position", err)
		}
		show(pos)

	case "position":
		call("lx_getPosition", map[string]interface{}{"id": *id})

	case "pnl":
		call("lx_getPositionPnL", map[string]interface{}{"id": *id})

	case "positions":
		call("lx_listPositions", map[string]interface{}{"owner": *recipient})

	case "open-order":
		sizeUnits, err := baseUnits(*size, uint8(*sizeDecimals))
		if err != nil {
			fail("Invalid size", err)
		}
		call("lx_createOpenOrder", map[string]interface{}{
			"instruction":  *instruction,
			"triggerPrice": price("trigger", *trigger),
			"pair":         *pair,
			"direction":    *direction,
			"size":         sizeUnits,
			"token":        *token,
			"amount":       tokenAmount("amount", *amount),
			"totalAmount":  tokenAmount("total", *total),
		})

	case "close-order":
		call("lx_createCloseOrder", map[string]interface{}{
			"instruction":  *instruction,
			"triggerPrice": price("trigger", *trigger),
			"positionId":   *id,
			"token":        *token,
			"recipient":    *recipient,
		})

	case "deposit":
		call("lx_increaseOrderDeposit", map[string]interface{}{"id": *id, "amount": tokenAmount("amount", *amount)})

	case "cancel":
		call("lx_cancelOrder", map[string]interface{}{"id": *id})

	case "execute":
		call("lx_executeOrder", map[string]interface{}{"id": *id})

	case "order":
		call("lx_getOrder", map[string]interface{}{"id": *id})

	case "orders":
		call("lx_listOrders", map[string]interface{}{"owner": *recipient})

	case "balance":
		bal, err := client.Balance(*account, *token)
		if err != nil {
			fail("Failed to get balance", err)
		}
		logger.Info("Balance", "account", *account, "token", *token, "amount", bal)

	case "pool":
		call("lx_poolBalance", map[string]interface{}{"token": *token})

	case "add-token":
		if err := client.AddToken(*token, uint8(*decimals)); err != nil {
			fail("Failed to add token", err)
		}
		logger.Info("Token added", "token", *token, "decimals", *decimals)

	case "add-pair":
		if err := client.AddPair(*pair); err != nil {
			fail("Failed to add pair", err)
		}
		logger.Info("Pair added", "pair", *pair)

	case "grant-feeder":
		if err := client.GrantFeeder(*to); err != nil {
			fail("Failed to grant feeder", err)
		}
		logger.Info("Feeder granted", "account", *to)

	case "revoke-feeder":
		if err := client.RevokeFeeder(*to); err != nil {
			fail("Failed to revoke feeder", err)
		}
		logger.Info("Feeder revoked", "account", *to)

	case "credit":
		if err := client.Credit(*to, *token, *amount); err != nil {
			fail("Failed to credit", err)
		}
		logger.Info("Credited", "account", *to, "token", *token, "amount", *amount)

	case "add-liquidity":
		if err := client.AddLiquidity(*token, *amount); err != nil {
			fail("Failed to add liquidity", err)
		}
		logger.Info("Liquidity added", "account", *account, "token", *token, "amount", *amount)

	default:
		logger.Error("Unknown action", "action", *action)
		os.Exit(1)
	}
}
