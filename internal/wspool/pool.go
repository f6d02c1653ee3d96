// Package wspool owns the lifecycle of every account's private
// WebSocket (or polling) stream: starting one per active account,
// reconnecting with backoff when a venue's stream cannot be acquired,
// and handing every fill it observes to the Fill Monitor.
package wspool

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tradecore/execution-core/internal/domain"
	"github.com/tradecore/execution-core/internal/exchange"
	"github.com/tradecore/execution-core/internal/fillmonitor"
	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/pkg/telemetry"
)

// AdapterResolver hands back the Adapter instance bound to one account.
// Satisfied by the same resolver cmd/server gives the Order Manager.
type AdapterResolver interface {
	Adapter(accountID int64) (exchange.Adapter, error)
}

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// entry tracks one account's running stream so Stop/StopAll can tear it
// down individually.
type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool manages one stream goroutine per account. Each goroutine loops
// StartUserStream/backoff on its own; the pool's job is bookkeeping and
// shutdown, not the reconnect logic itself.
type Pool struct {
	mu       sync.Mutex
	streams  map[int64]*entry
	adapters AdapterResolver
	fills    *fillmonitor.Monitor
	logger   logging.Logger
	metrics  *telemetry.MetricsHolder
}

// New constructs a Pool. Its metrics are always the global singleton,
// so cmd/server doesn't have to thread them through explicitly.
func New(adapters AdapterResolver, fills *fillmonitor.Monitor, logger logging.Logger) *Pool {
	return &Pool{
		streams:  make(map[int64]*entry),
		adapters: adapters,
		fills:    fills,
		logger:   logger.WithField("component", "wspool"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// StartAll starts one stream per active account. Accounts whose adapter
// doesn't support streaming (Korea Investment relies on reconciliation
// only) are skipped rather than retried forever.
func (p *Pool) StartAll(ctx context.Context, accounts []domain.Account) {
	for _, acct := range accounts {
		if !acct.Active {
			continue
		}
		p.Start(ctx, acct.ID)
	}
}

// Start begins the reconnect loop for one account. Calling Start again
// for an already-running account is a no-op.
func (p *Pool) Start(ctx context.Context, accountID int64) {
	p.mu.Lock()
	if _, ok := p.streams[accountID]; ok {
		p.mu.Unlock()
		return
	}
	streamCtx, cancel := context.WithCancel(ctx)
	e := &entry{cancel: cancel, done: make(chan struct{})}
	p.streams[accountID] = e
	p.mu.Unlock()

	go p.run(streamCtx, accountID, e)
}

// Stop tears down the stream for one account, if running.
func (p *Pool) Stop(accountID int64) {
	p.mu.Lock()
	e, ok := p.streams[accountID]
	if ok {
		delete(p.streams, accountID)
	}
	p.mu.Unlock()
	if ok {
		e.cancel()
		<-e.done
	}
}

// StopAll tears down every running stream and waits for each to exit.
func (p *Pool) StopAll() {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.streams))
	for id, e := range p.streams {
		entries = append(entries, e)
		delete(p.streams, id)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		<-e.done
	}
}

// run is the per-account reconnect loop. A failure to acquire the
// stream (listen-key errors, transient connectivity) is retried with
// exponential backoff capped at 60s (spec.md §4.G); a venue that flatly
// doesn't support streaming is logged once and the loop exits.
func (p *Pool) run(ctx context.Context, accountID int64, e *entry) {
	defer close(e.done)
	log := p.logger.WithField("account_id", accountID)
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		adapter, err := p.adapters.Adapter(accountID)
		if err != nil {
			log.Error("no adapter bound for account, stream will not start", "error", err)
			return
		}
		streamKey := adapter.Name() + ":" + strconv.FormatInt(accountID, 10)

		handle, err := adapter.StartUserStream(ctx, func(fe domain.FillEvent) {
			fe.AccountID = accountID
			msgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if herr := p.fills.HandleFromStream(msgCtx, fe); herr != nil {
				log.Error("failed to apply stream fill", "error", herr)
			}
		})
		if err != nil {
			if isUnsupported(err) {
				log.Info("venue does not support a user stream, relying on reconciliation only", "exchange", adapter.Name())
				return
			}
			p.metrics.SetWSConnected(streamKey, false)
			log.Warn("failed to start user stream, retrying", "error", err, "backoff", backoff)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		p.metrics.SetWSConnected(streamKey, true)
		backoff = initialBackoff
		log.Info("user stream connected", "exchange", adapter.Name())

		<-ctx.Done()
		handle.Stop()
		p.metrics.SetWSConnected(streamKey, false)
		return
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// sleepOrDone waits out d unless ctx is canceled first, returning false
// in that case so the caller can stop retrying immediately.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// isUnsupported reports whether err is exchange.ErrUnsupported; it isn't
// a sentinel value (the message carries the operation and venue name),
// so this matches on the substring that function always produces.
func isUnsupported(err error) bool {
	return strings.Contains(err.Error(), "not supported by this adapter")
}

