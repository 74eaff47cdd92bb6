package main

import (
	"encoding/json"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
)

type Message struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
}

type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://localhost:8081/ws", "WebSocket URL")
		channels = flag.String("channels", "prices,positions,orders", "Comma separated channels, e.g. positions:alice")
		timeout  = flag.Duration("timeout", 0, "Stop after this long (0 runs until interrupted)")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	u, err := url.Parse(*wsURL)
	if err != nil {
		logger.Error("Invalid URL", "error", err)
		os.Exit(1)
	}

	logger.Info("Connecting to ledger event stream", "url", u.String())
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Error("Failed to connect", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	sub := SubscribeRequest{Type: "subscribe", Channels: strings.Split(*channels, ",")}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Error("Failed to send subscription", "error", err)
		os.Exit(1)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				logger.Warn("Read error", "error", err)
				return
			}
			switch msg.Type {
			case "welcome", "subscribed", "pong":
				logger.Debug("Control message", "type", msg.Type, "data", string(msg.Data))
			case "error":
				logger.Error("Server error", "data", string(msg.Data))
			default:
				logger.Info("Event", "type", msg.Type, "channel", msg.Channel, "seq", msg.Sequence, "data", string(msg.Data))
			}
		}
	}()

	var deadline <-chan time.Time
	if *timeout > 0 {
		deadline = time.After(*timeout)
	}

	select {
	case <-done:
		logger.Info("Connection closed")
	case <-interrupt:
		logger.Info("Interrupt received, closing connection")
	case <-deadline:
		logger.Info("Timeout reached")
	}

	err = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		logger.Warn("Failed to send close message", "error", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
