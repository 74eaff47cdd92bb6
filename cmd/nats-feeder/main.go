package main

import (
	"encoding/json"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/feed"
	"github.com/luxfi/perps/pkg/lx"
)

var (
	totalUpdates  int64
	totalAccepted int64
	totalErrors   int64
)

type quote struct {
	pair  lx.PairID
	price decimal.Decimal
}

// parseQuotes reads "2:1500,3:60000" into starting prices.
func parseQuotes(s string) ([]*quote, error) {
	var out []*quote
	for _, part := range strings.Split(s, ",") {
		id, px, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, strconv.ErrSyntax
		}
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, err
		}
		p, err := decimal.NewFromString(px)
		if err != nil {
			return nil, err
		}
		out = append(out, &quote{pair: lx.PairID(n), price: p})
	}
	return out, nil
}

// step moves every quote by a random walk of at most vol bps and returns the
// batch with spreadBps between high and low.
func step(quotes []*quote, volBps, spreadBps int64, rng *rand.Rand) feed.PriceUpdate {
	bps := decimal.NewFromInt(10_000)
	half := decimal.NewFromInt(spreadBps).Div(bps).Div(decimal.NewFromInt(2))

	var u feed.PriceUpdate
	for _, q := range quotes {
		if volBps > 0 {
			move := decimal.NewFromInt(rng.Int63n(2*volBps+1) - volBps).Div(bps)
			q.price = q.price.Mul(decimal.NewFromInt(1).Add(move))
		}
		high := q.price.Mul(decimal.NewFromInt(1).Add(half))
		low := q.price.Mul(decimal.NewFromInt(1).Sub(half))
		u.Pairs = append(u.Pairs, q.pair)
		u.Highs = append(u.Highs, high.StringFixed(8))
		u.Lows = append(u.Lows, low.StringFixed(8))
	}
	return u
}

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	subject := flag.String("subject", "perps.prices", "Price subject")
	quotes := flag.String("quotes", "2:1500,3:60000", "Starting prices as pair:price pairs")
	interval := flag.Duration("interval", time.Second, "Time between batches")
	vol := flag.Int64("vol-bps", 10, "Maximum move per batch in bps")
	spread := flag.Int64("spread-bps", 2, "High/low spread in bps")
	timeout := flag.Duration("timeout", 2*time.Second, "Acknowledgement timeout")
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	qs, err := parseQuotes(*quotes)
	if err != nil {
		logger.Crit("Invalid quotes", "quotes", *quotes, "error", err)
		os.Exit(2)
	}

	nc, err := nats.Connect(*natsURL, nats.Name("nats-feeder"))
	if err != nil {
		logger.Crit("Failed to connect to NATS", "url", *natsURL, "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("Publishing prices", "url", *natsURL, "subject", *subject, "pairs", len(qs), "interval", *interval)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-interrupt:
			logger.Info("Feeder stopped",
				"updates", atomic.LoadInt64(&totalUpdates),
				"accepted", atomic.LoadInt64(&totalAccepted),
				"errors", atomic.LoadInt64(&totalErrors))
			return
		case <-ticker.C:
			update := step(qs, *vol, *spread, rng)
			data, _ := json.Marshal(update)
			atomic.AddInt64(&totalUpdates, 1)

			msg, err := nc.Request(*subject, data, *timeout)
			if err != nil {
				atomic.AddInt64(&totalErrors, 1)
				logger.Warn("No acknowledgement", "error", err)
				continue
			}
			var ack feed.Ack
			if err := json.Unmarshal(msg.Data, &ack); err != nil || !ack.OK {
				atomic.AddInt64(&totalErrors, 1)
				logger.Warn("Update rejected", "kind", ack.Kind, "error", ack.Error)
				continue
			}
			atomic.AddInt64(&totalAccepted, 1)
			logger.Debug("Update accepted", "pairs", update.Pairs, "highs", update.Highs, "lows", update.Lows)
		}
	}
}
