package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Feed keeps a Table current from a websocket price stream. It reconnects
// with a fixed delay and replays subscriptions after each reconnect.
type Feed struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	table          *Table
	log            *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols []string
}

type priceMessage struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type subscribeMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

func NewFeed(url string, reconnectDelay, pingInterval time.Duration, table *Table, log *zap.Logger) *Feed {
	return &Feed{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		table:          table,
		log:            log,
	}
}

func (f *Feed) Subscribe(symbols ...string) {
	f.mu.Lock()
	f.symbols = append(f.symbols, symbols...)
	f.mu.Unlock()
}

func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.connectAndSubscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("oracle feed connect failed", zap.Error(err))
		} else {
			pingCtx, cancel := context.WithCancel(ctx)
			pingDone := make(chan struct{})
			go func() {
				defer close(pingDone)
				f.pingLoop(pingCtx)
			}()
			err := f.readLoop(ctx)
			cancel()
			<-pingDone
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("oracle feed read loop ended", zap.Error(err))
		}
		f.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *Feed) connectAndSubscribe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		conn, _, err := websocket.Dial(ctx, f.url, nil)
		if err != nil {
			return err
		}
		f.conn = conn
	}
	if len(f.symbols) == 0 {
		return nil
	}
	payload, err := json.Marshal(subscribeMessage{Type: "subscribe", Symbols: f.symbols})
	if err != nil {
		return err
	}
	return f.conn.Write(ctx, websocket.MessageText, payload)
}

func (f *Feed) readLoop(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("oracle feed not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f.handleMessage(data)
	}
}

func (f *Feed) handleMessage(data []byte) {
	var msg priceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.log.Debug("oracle feed message skipped", zap.Error(err))
		return
	}
	if msg.Symbol == "" {
		return
	}
	f.table.SetPrice(msg.Symbol, msg.Price)
}

func (f *Feed) pingLoop(ctx context.Context) {
	if f.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			conn := f.conn
			f.mu.Unlock()
			if conn == nil {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				f.log.Debug("oracle feed ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (f *Feed) resetConn() {
	f.mu.Lock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reconnect")
		f.conn = nil
	}
	f.mu.Unlock()
}
