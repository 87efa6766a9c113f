package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "certchain/pkg/platform/audit"
)

type recordingProducer struct {
	records []*kgo.Record
	err     error
}

func (p *recordingProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var out kgo.ProduceResults
	for _, r := range rs {
		p.records = append(p.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return out
}

func TestStore_AppendRoutesByCategory(t *testing.T) {
	p := &recordingProducer{}
	s := New(p, "certchain.audit")

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := s.Append(context.Background(), audit.Event{
		Action:       string(audit.EventLedgerVerified),
		ResourceType: audit.ResourceCertificate,
		ResourceID:   "CRT-20260301-7K2QXA",
		Timestamp:    ts,
		Details:      map[string]string{"ledger": "primary", "tx_hash": "0xabc"},
	})
	require.NoError(t, err)
	require.Len(t, p.records, 1)

	rec := p.records[0]
	assert.Equal(t, "certchain.audit.ledger", rec.Topic)

	var payload Payload
	require.NoError(t, json.Unmarshal(rec.Value, &payload))
	assert.Equal(t, string(rec.Key), payload.ID)
	assert.Equal(t, "0xabc", payload.Details["tx_hash"])
	assert.Equal(t, "2026-03-01T10:00:00Z", payload.Timestamp)
}

func TestStore_AppendSurfacesProduceError(t *testing.T) {
	p := &recordingProducer{err: errors.New("broker down")}
	s := New(p, "certchain.audit")

	err := s.Append(context.Background(), audit.Event{Action: string(audit.EventTransferAccepted)})
	require.Error(t, err)
	assert.Equal(t, "certchain.audit.ownership", p.records[0].Topic)
}
