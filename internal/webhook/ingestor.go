package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hiltonbrown/xero-mcp-server/internal/instrumentation"
	"github.com/hiltonbrown/xero-mcp-server/internal/store"
)

const (
	// retention is the dedup window: an event key seen within it must not
	// trigger side effects twice.
	retention = 24 * time.Hour

	// handlerTimeout bounds each per-event handler invocation so one slow
	// event cannot stall the rest of the batch.
	handlerTimeout = 10 * time.Second
)

// ErrInvalidPayload indicates the delivery body was malformed. Nothing is
// processed: validation happens before any event side effect.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Event is one accounting-platform change notification.
type Event struct {
	ResourceID   string `json:"resourceId"`
	ResourceType string `json:"resourceType"`
	EventType    string `json:"eventType"`
	EventDateUTC string `json:"eventDateUtc"`
	TenantID     string `json:"tenantId"`
}

// Key derives the dedup ledger key for the event.
func (e Event) Key() string {
	h := sha256.Sum256([]byte(e.ResourceID + "|" + e.EventType + "|" + e.EventDateUTC))
	return hex.EncodeToString(h[:])
}

// payload is the delivery envelope. Events is a pointer so a body without
// an events array is distinguishable from an empty one.
type payload struct {
	Events *[]Event `json:"events"`
}

// Result aggregates the outcome of one delivery. Deduplicated events are
// counted separately from processed and failed ones, and a partial failure
// never escalates to an overall delivery failure.
type Result struct {
	Processed    int `json:"processed"`
	Failed       int `json:"failed"`
	Deduplicated int `json:"deduplicated"`
	Total        int `json:"total"`
}

// Handler processes one event. Handlers are dispatched by event type
// (CREATE, UPDATE, DELETE) and receive the full event including its
// resource type.
type Handler func(ctx context.Context, ev Event) error

// Ingestor drives webhook deliveries through verification, deduplication
// and per-event handling with isolated failure.
type Ingestor struct {
	store    store.Store
	handlers map[string]Handler
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
}

// NewIngestor creates an Ingestor. Event types without a registered handler
// fall back to a logging handler, preserving the dispatch shape while the
// concrete per-resource action stays abstract.
func NewIngestor(st store.Store, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:    st,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// SetMetrics installs a metrics recorder for per-event outcome counters.
func (i *Ingestor) SetMetrics(m *instrumentation.Metrics) {
	i.metrics = m
}

// RegisterHandler installs the handler for an event type (CREATE, UPDATE,
// DELETE). Registering again replaces the previous handler.
func (i *Ingestor) RegisterHandler(eventType string, h Handler) {
	i.handlers[eventType] = h
}

// Ingest processes one delivery body. Malformed bodies fail fast with
// ErrInvalidPayload before any event is touched. Each event is
// deduplicated against the shared ledger, dispatched with its own timeout,
// and its failure isolated: the batch always runs to completion and the
// aggregate result is returned even when some events failed.
func (i *Ingestor) Ingest(ctx context.Context, body []byte) (*Result, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Events == nil {
		return nil, fmt.Errorf("%w: missing events array", ErrInvalidPayload)
	}

	events := *p.Events
	result := &Result{Total: len(events)}

	for _, ev := range events {
		out := i.ingestOne(ctx, ev)
		switch out {
		case outcomeProcessed:
			result.Processed++
		case outcomeDeduplicated:
			result.Deduplicated++
		case outcomeFailed:
			result.Failed++
		}
		if i.metrics != nil {
			i.metrics.RecordWebhookEvent(ctx, ev.EventType, out.String())
		}
	}

	i.logger.Info("webhook delivery ingested",
		"total", result.Total,
		"processed", result.Processed,
		"failed", result.Failed,
		"deduplicated", result.Deduplicated,
	)
	return result, nil
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeDeduplicated
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeProcessed:
		return instrumentation.OutcomeProcessed
	case outcomeDeduplicated:
		return instrumentation.OutcomeDeduplicated
	default:
		return instrumentation.OutcomeFailed
	}
}

// ingestOne handles a single event. The ledger claim is a conditional write
// (check and record are atomic), so concurrent deliveries of the same event
// resolve to exactly one winner; a failed handler releases the claim so a
// retried delivery can reattempt.
func (i *Ingestor) ingestOne(ctx context.Context, ev Event) outcome {
	key := ev.Key()

	claimed, err := i.store.PutLedgerEntry(ctx, key, retention)
	if err != nil {
		i.logger.Error("ledger write failed",
			"resource", ev.ResourceID,
			"event_type", ev.EventType,
			"error", err,
		)
		return outcomeFailed
	}
	if !claimed {
		i.logger.Debug("duplicate event skipped",
			"resource", ev.ResourceID,
			"event_type", ev.EventType,
		)
		return outcomeDeduplicated
	}

	if err := i.dispatch(ctx, ev); err != nil {
		// Release the claim so the platform's redelivery can reattempt.
		if delErr := i.store.DeleteLedgerEntry(ctx, key); delErr != nil {
			i.logger.Error("failed to release ledger claim",
				"resource", ev.ResourceID,
				"error", delErr,
			)
		}
		i.logger.Warn("event handler failed",
			"resource", ev.ResourceID,
			"resource_type", ev.ResourceType,
			"event_type", ev.EventType,
			"error", err,
		)
		return outcomeFailed
	}

	return outcomeProcessed
}

// dispatch invokes the type-specific handler under its own timeout,
// converting handler panics into errors so one bad event cannot take down
// the batch.
func (i *Ingestor) dispatch(ctx context.Context, ev Event) (err error) {
	handlerCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	h, ok := i.handlers[ev.EventType]
	if !ok {
		i.logger.Info("no handler for event type, recording only",
			"event_type", ev.EventType,
			"resource_type", ev.ResourceType,
			"resource", ev.ResourceID,
		)
		return nil
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		done <- h(handlerCtx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-handlerCtx.Done():
		return fmt.Errorf("handler timed out: %w", handlerCtx.Err())
	}
}
