package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeDepthDB struct {
	depths []QueueDepth
	err    error
}

func (f *fakeDepthDB) QueueDepths(ctx context.Context) ([]QueueDepth, error) {
	return f.depths, f.err
}

func TestCollectSetsGauges(t *testing.T) {
	db := &fakeDepthDB{depths: []QueueDepth{
		{Service: "suuntoApp", State: "pending", Count: 4},
		{Service: "suuntoApp", State: "dead", Count: 1},
	}}
	c := NewQueueDepthCollector(db, 0)

	c.Collect(context.Background())
	if got := testutil.ToFloat64(QueueDepthGauge.WithLabelValues("suuntoApp", "pending")); got != 4 {
		t.Errorf("Expected 4 pending, got %v", got)
	}

	// A state that disappears drops back to zero
	db.depths = []QueueDepth{{Service: "suuntoApp", State: "pending", Count: 2}}
	c.Collect(context.Background())
	if got := testutil.ToFloat64(QueueDepthGauge.WithLabelValues("suuntoApp", "dead")); got != 0 {
		t.Errorf("Expected dead gauge reset to 0, got %v", got)
	}

	// Errors leave the last values in place
	db.err = errors.New("locked")
	c.Collect(context.Background())
	if got := testutil.ToFloat64(QueueDepthGauge.WithLabelValues("suuntoApp", "pending")); got != 2 {
		t.Errorf("Expected 2 pending after failed collect, got %v", got)
	}
}
