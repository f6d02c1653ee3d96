package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execution-core/internal/config"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/pkg/httpclient"
	"github.com/tradecore/execution-core/pkg/wsclient"
)

// Base provides the HTTP/WS plumbing every concrete adapter embeds:
// a resilient REST client, a logger scoped to the exchange, and stream
// lifecycle helpers. Concrete adapters supply venue-specific signing,
// error parsing, and wire decoding on top of this.
type Base struct {
	ExchangeName string
	AccountID    int64
	Config       config.ExchangeConfig
	Account      config.AccountConfig
	Logger       logging.Logger
	HTTP         *httpclient.Client

	// AlertCritical is invoked for failures the spec says must never
	// fail silently (malformed ORDER_TRADE_UPDATE frames, §4.G). It is
	// nil by default; cmd/server wires it to the alert.AlertManager so a
	// parse failure pages out instead of only reaching a log line.
	AlertCritical func(title, message string)
}

// NewBase constructs the shared adapter plumbing. signer is passed
// through to httpclient.NewClient so every request the adapter issues is
// signed consistently without each call site remembering to do it.
func NewBase(name string, accountID int64, cfg config.ExchangeConfig, acct config.AccountConfig, logger logging.Logger, signer httpclient.Signer) *Base {
	return &Base{
		ExchangeName: name,
		AccountID:    accountID,
		Config:       cfg,
		Account:      acct,
		Logger:       logger.WithField("exchange", name).WithField("account_id", accountID),
		HTTP:         httpclient.NewClient(cfg.BaseURL, 10*time.Second, signer),
	}
}

// Name returns the exchange identifier.
func (b *Base) Name() string { return b.ExchangeName }

// SetAlertFunc wires the out-of-band critical-event alert callback.
// Called once by cmd/server after constructing each adapter.
func (b *Base) SetAlertFunc(fn func(title, message string)) { b.AlertCritical = fn }

// Alert fires AlertCritical if one is wired, and always logs regardless
// so the failure is never silent even before an alert channel exists.
func (b *Base) Alert(title, message string, fields ...interface{}) {
	b.Logger.Error(title, append([]interface{}{"message", message}, fields...)...)
	if b.AlertCritical != nil {
		b.AlertCritical(title, message)
	}
}

// StartWebSocketStream opens a resilient WS connection scoped to this
// adapter's account and wires reconnect/heartbeat via pkg/wsclient. It
// returns as soon as the client is started, without waiting for a
// connection; onConnected runs after every successful connect, so a
// caller that needs the Connection Pool's handshake gate (spec §4.G)
// waits on it itself, as binance's StartUserStream does.
func (b *Base) StartWebSocketStream(ctx context.Context, url string, onMessage func([]byte), onConnected func()) (StreamHandle, error) {
	client := wsclient.NewClient(url, onMessage, b.Logger)
	if onConnected != nil {
		client.SetOnConnected(onConnected)
	}
	client.Start()

	go func() {
		<-ctx.Done()
		b.Logger.Info("websocket stream stopping", "reason", ctx.Err())
		client.Stop()
	}()

	return client, nil
}

// ParseDecimal parses s into a decimal, logging and returning zero on
// failure rather than propagating a parse error through every call site.
func (b *Base) ParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		b.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestampMillis converts a millisecond epoch timestamp, returning
// the zero time for a zero input (common "not yet set" sentinel).
func (b *Base) ParseTimestampMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ErrUnsupported is returned by adapter methods a venue genuinely cannot
// perform (e.g. StartUserStream on Korea Investment, which has no user
// stream; wspool recognizes the error by its message and stops retrying).
func ErrUnsupported(op, exchange string) error {
	return fmt.Errorf("%s: operation %q not supported by this adapter", exchange, op)
}
