package ingest

import (
	"context"
	"testing"

	"github.com/mqttsuite/mqttsuite/internal/pgpool"
)

type fakeQuerier struct {
	queries []string
	params  [][]string

	sensorRows []pgpool.Row
}

func (f *fakeQuerier) Query(ctx context.Context, query string, params []string, onSuccess func([]pgpool.Row), onError func(error)) {
	f.queries = append(f.queries, query)
	f.params = append(f.params, params)
	switch {
	case query == `SELECT id FROM sensor WHERE device_id = $1`:
		onSuccess(f.sensorRows)
	case query == `INSERT INTO sensor (device_id) VALUES ($1) RETURNING id`:
		onSuccess([]pgpool.Row{{"id": "new-sensor-id"}})
	default:
		onError(nil)
	}
}

func (f *fakeQuerier) Exec(ctx context.Context, query string, params []string, onSuccess func(), onError func(error)) {
	f.queries = append(f.queries, query)
	f.params = append(f.params, params)
	onSuccess()
}

func newIngesterWithFake(f *fakeQuerier) *TemperatureIngester {
	return &TemperatureIngester{pool: f}
}

func TestIngestExistingSensorInsertsReadingDirectly(t *testing.T) {
	f := &fakeQuerier{sensorRows: []pgpool.Row{{"id": "sensor-1"}}}
	ing := newIngesterWithFake(f)

	var ingestErr error
	ing.Ingest(context.Background(), map[string]any{"device_id": "dev1", "temperature": 21.5}, func(err error) {
		ingestErr = err
	})

	if ingestErr != nil {
		t.Fatalf("Ingest: %v", ingestErr)
	}
	if len(f.queries) != 2 {
		t.Fatalf("expected lookup + insert reading, got %d queries: %v", len(f.queries), f.queries)
	}
	if f.queries[1] != `INSERT INTO temperature_reading (sensor_id, temperature) VALUES ($1, $2)` {
		t.Fatalf("unexpected second query: %s", f.queries[1])
	}
	if f.params[1][0] != "sensor-1" {
		t.Fatalf("expected reading insert to use existing sensor id, got %v", f.params[1])
	}
}

func TestIngestNoExistingSensorInsertsSensorThenReading(t *testing.T) {
	f := &fakeQuerier{sensorRows: nil}
	ing := newIngesterWithFake(f)

	var ingestErr error
	ing.Ingest(context.Background(), map[string]any{"device_id": "dev2", "temperature": 19.0}, func(err error) {
		ingestErr = err
	})

	if ingestErr != nil {
		t.Fatalf("Ingest: %v", ingestErr)
	}
	if len(f.queries) != 3 {
		t.Fatalf("expected lookup + sensor insert + reading insert, got %d: %v", len(f.queries), f.queries)
	}
	if f.params[2][0] != "new-sensor-id" {
		t.Fatalf("expected reading insert to use newly created sensor id, got %v", f.params[2])
	}
}

func TestIngestMissingDeviceIDErrors(t *testing.T) {
	f := &fakeQuerier{}
	ing := newIngesterWithFake(f)

	var ingestErr error
	ing.Ingest(context.Background(), map[string]any{"temperature": 1.0}, func(err error) {
		ingestErr = err
	})
	if ingestErr == nil {
		t.Fatalf("expected error for missing device_id")
	}
}

func TestIngestMissingTemperatureErrors(t *testing.T) {
	f := &fakeQuerier{}
	ing := newIngesterWithFake(f)

	var ingestErr error
	ing.Ingest(context.Background(), map[string]any{"device_id": "dev1"}, func(err error) {
		ingestErr = err
	})
	if ingestErr == nil {
		t.Fatalf("expected error for missing temperature")
	}
}
