// Package feed bridges the ledger to NATS: committed events are published on
// per-type subjects and feeder price updates are consumed from a subject.
package feed

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/lx"
)

// Conn is the subset of *nats.Conn used by this package.
type Conn interface {
	Publish(subj string, data []byte) error
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Counter is told about every message sent or received.
type Counter interface {
	RecordNATSMessage(direction string)
}

type nopCounter struct{}

func (nopCounter) RecordNATSMessage(string) {}

// Publisher implements lx.Publisher over NATS.
type Publisher struct {
	conn    Conn
	prefix  string
	counter Counter
	log     log.Logger
}

// NewPublisher publishes events to "<prefix>.<event type>". counter may be nil.
func NewPublisher(conn Conn, prefix string, counter Counter, logger log.Logger) *Publisher {
	if counter == nil {
		counter = nopCounter{}
	}
	return &Publisher{conn: conn, prefix: prefix, counter: counter, log: logger}
}

// Subject returns the subject events of type t are published on.
func (p *Publisher) Subject(t lx.EventType) string {
	return p.prefix + "." + string(t)
}

func (p *Publisher) Publish(e *lx.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(e.Type), data); err != nil {
		p.log.Warn("Failed to publish event", "type", e.Type, "id", e.ID, "error", err)
		return err
	}
	p.counter.RecordNATSMessage("published")
	return nil
}

// PriceEngine is the part of the ledger a price feed drives.
type PriceEngine interface {
	SetPairPrices(caller lx.Account, ids []lx.PairID, highs, lows []*uint256.Int) error
	SetPairPricesWithCallback(caller lx.Account, ids []lx.PairID, highs, lows []*uint256.Int, cb lx.Callback) error
}

// PriceUpdate is the wire form of a feeder batch. Prices are decimal strings
// such as "1500.25". A non-zero OrderID executes that order with the new
// prices in the same operation.
type PriceUpdate struct {
	Pairs   []lx.PairID `json:"pairs"`
	Highs   []string    `json:"highs"`
	Lows    []string    `json:"lows"`
	OrderID uint64      `json:"orderId,omitempty"`
}

// Ack is sent to the reply subject of a price update, when one is set.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// PriceFeed applies price updates received over NATS as one feeder account.
type PriceFeed struct {
	conn    Conn
	engine  PriceEngine
	feeder  lx.Account
	counter Counter
	log     log.Logger
}

// NewPriceFeed creates a feed that writes prices as feeder. counter may be nil.
func NewPriceFeed(conn Conn, engine PriceEngine, feeder lx.Account, counter Counter, logger log.Logger) *PriceFeed {
	if counter == nil {
		counter = nopCounter{}
	}
	return &PriceFeed{conn: conn, engine: engine, feeder: feeder, counter: counter, log: logger}
}

// Subscribe starts consuming subject. Feed replicas sharing queue split the
// stream between them.
func (f *PriceFeed) Subscribe(subject, queue string) (*nats.Subscription, error) {
	sub, err := f.conn.QueueSubscribe(subject, queue, f.HandleMsg)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	f.log.Info("Price feed subscribed", "subject", subject, "queue", queue, "feeder", f.feeder)
	return sub, nil
}

// HandleMsg applies one price update and acknowledges it on the reply
// subject.
func (f *PriceFeed) HandleMsg(m *nats.Msg) {
	f.counter.RecordNATSMessage("received")
	err := f.apply(m.Data)
	if err != nil {
		f.log.Warn("Price update rejected", "subject", m.Subject, "error", err)
	}
	if m.Reply == "" {
		return
	}
	ack := Ack{OK: err == nil}
	if err != nil {
		ack.Error = err.Error()
		ack.Kind = lx.ErrorKind(err)
	}
	data, _ := json.Marshal(ack)
	if err := f.conn.Publish(m.Reply, data); err != nil {
		f.log.Warn("Failed to acknowledge price update", "reply", m.Reply, "error", err)
		return
	}
	f.counter.RecordNATSMessage("published")
}

func (f *PriceFeed) apply(data []byte) error {
	var u PriceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("decode price update: %w", err)
	}
	highs, err := parsePrices(u.Highs)
	if err != nil {
		return err
	}
	lows, err := parsePrices(u.Lows)
	if err != nil {
		return err
	}
	if u.OrderID != 0 {
		return f.engine.SetPairPricesWithCallback(f.feeder, u.Pairs, highs, lows, lx.ExecuteOrderCallback(u.OrderID))
	}
	return f.engine.SetPairPrices(f.feeder, u.Pairs, highs, lows)
}

func parsePrices(ss []string) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, len(ss))
	for i, s := range ss {
		v, err := fixed.Parse(s, fixed.Decimals)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}
