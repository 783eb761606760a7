package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiltonbrown/xero-mcp-server/internal/store"
)

func newTestIngestor(t *testing.T) (*Ingestor, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(nil)
	t.Cleanup(func() { _ = st.Close() })
	return NewIngestor(st, nil), st
}

func delivery(t *testing.T, events []Event) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{"events": events})
	require.NoError(t, err)
	return body
}

func invoiceEvent(resourceID string) Event {
	return Event{
		ResourceID:   resourceID,
		ResourceType: "INVOICE",
		EventType:    "UPDATE",
		EventDateUTC: "2026-08-28T10:00:00Z",
		TenantID:     "tenant-1",
	}
}

func TestIngestRejectsMalformedPayload(t *testing.T) {
	ing, _ := newTestIngestor(t)
	ctx := context.Background()

	tests := []struct {
		name string
		body []byte
	}{
		{name: "invalid json", body: []byte(`{not json`)},
		{name: "missing events array", body: []byte(`{"firstEventSequence": 1}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ing.Ingest(ctx, tt.body)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestIngestEmptyEventsArray(t *testing.T) {
	ing, _ := newTestIngestor(t)

	result, err := ing.Ingest(context.Background(), []byte(`{"events":[]}`))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total)
}

func TestIngestProcessesAndDeduplicates(t *testing.T) {
	ing, _ := newTestIngestor(t)
	ctx := context.Background()

	var handled atomic.Int64
	ing.RegisterHandler("UPDATE", func(_ context.Context, _ Event) error {
		handled.Add(1)
		return nil
	})

	body := delivery(t, []Event{invoiceEvent("inv-1"), invoiceEvent("inv-2")})

	result, err := ing.Ingest(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 0, result.Deduplicated)
	assert.Equal(t, int64(2), handled.Load())

	// Redelivery of the same batch must not re-run the handlers.
	result, err = ing.Ingest(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 2, result.Deduplicated)
	assert.Equal(t, int64(2), handled.Load())
}

func TestIngestFailureIsIsolatedAndRetriable(t *testing.T) {
	ing, _ := newTestIngestor(t)
	ctx := context.Background()

	var attempts atomic.Int64
	ing.RegisterHandler("UPDATE", func(_ context.Context, ev Event) error {
		if ev.ResourceID == "inv-bad" {
			attempts.Add(1)
			return errors.New("downstream unavailable")
		}
		return nil
	})

	body := delivery(t, []Event{invoiceEvent("inv-good"), invoiceEvent("inv-bad")})

	result, err := ing.Ingest(ctx, body)
	require.NoError(t, err, "a partial failure must not fail the delivery")
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)

	// The failed event's claim was released: a redelivery reattempts it
	// while the succeeded event stays deduplicated.
	result, err = ing.Ingest(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deduplicated)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, int64(2), attempts.Load())
}

func TestIngestHandlerPanicIsContained(t *testing.T) {
	ing, _ := newTestIngestor(t)

	ing.RegisterHandler("UPDATE", func(_ context.Context, _ Event) error {
		panic("handler bug")
	})

	result, err := ing.Ingest(context.Background(), delivery(t, []Event{invoiceEvent("inv-1")}))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
}

func TestIngestUnknownEventTypeIsRecorded(t *testing.T) {
	ing, _ := newTestIngestor(t)
	ctx := context.Background()

	ev := invoiceEvent("inv-1")
	ev.EventType = "ARCHIVE"
	body := delivery(t, []Event{ev})

	result, err := ing.Ingest(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed, "events without a handler are recorded, not failed")

	result, err = ing.Ingest(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deduplicated)
}

func TestEventKeyIsStableAndDiscriminating(t *testing.T) {
	base := invoiceEvent("inv-1")

	same := invoiceEvent("inv-1")
	assert.Equal(t, base.Key(), same.Key())

	differentResource := invoiceEvent("inv-2")
	assert.NotEqual(t, base.Key(), differentResource.Key())

	differentType := invoiceEvent("inv-1")
	differentType.EventType = "CREATE"
	assert.NotEqual(t, base.Key(), differentType.Key())

	differentDate := invoiceEvent("inv-1")
	differentDate.EventDateUTC = "2026-08-28T11:00:00Z"
	assert.NotEqual(t, base.Key(), differentDate.Key())

	// Tenant is deliberately not part of the key.
	differentTenant := invoiceEvent("inv-1")
	differentTenant.TenantID = "tenant-2"
	assert.Equal(t, base.Key(), differentTenant.Key())

	assert.Len(t, base.Key(), 64, "key is hex-encoded SHA-256")
}

func TestIngestHandlerTimeout(t *testing.T) {
	ing, _ := newTestIngestor(t)

	ing.RegisterHandler("UPDATE", func(ctx context.Context, _ Event) error {
		<-ctx.Done()
		return ctx.Err()
	})

	// A short parent deadline stands in for the per-event timeout so the
	// test does not wait out the full window.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := ing.Ingest(ctx, delivery(t, []Event{invoiceEvent("inv-1")}))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
}
