// Package ingest sinks decoded mapping-engine publishes into Postgres via
// internal/pgpool. The concrete scenario spec.md describes is a temperature
// reading keyed by device: look up (or create) the device's sensor row, then
// insert a reading against it. Ingester generalizes that shape so other
// mapping outputs can sink the same way without repeating the
// lookup-or-insert dance.
package ingest

import (
	"context"
	"fmt"

	"github.com/mqttsuite/mqttsuite/internal/pgpool"
)

// Ingester sinks one decoded payload into Postgres, invoking onDone with nil
// on success or the failure reason otherwise.
type Ingester interface {
	Ingest(ctx context.Context, payload map[string]any, onDone func(error))
}

// querier is the subset of *pgpool.Pool TemperatureIngester needs; pgpool.Pool
// satisfies it directly, and tests substitute a fake to avoid a live
// database.
type querier interface {
	Query(ctx context.Context, query string, params []string, onSuccess func([]pgpool.Row), onError func(error))
	Exec(ctx context.Context, query string, params []string, onSuccess func(), onError func(error))
}

// TemperatureIngester implements spec.md's scenario: given
// {"device_id": "...", "temperature": 21.5}, it looks up or inserts a
// `sensor` row keyed by device_id, then inserts a `temperature_reading` row
// referencing it. Grounded on spec.md §8 scenario 6 ("the pool first inserts
// into Sensor then inserts into TemperatureReading using the returned id").
type TemperatureIngester struct {
	pool querier
}

// NewTemperatureIngester returns an Ingester backed by pool.
func NewTemperatureIngester(pool *pgpool.Pool) *TemperatureIngester {
	return &TemperatureIngester{pool: pool}
}

func (t *TemperatureIngester) Ingest(ctx context.Context, payload map[string]any, onDone func(error)) {
	deviceID, _ := payload["device_id"].(string)
	if deviceID == "" {
		onDone(fmt.Errorf("ingest: payload missing device_id"))
		return
	}
	temperature, ok := toFloat(payload["temperature"])
	if !ok {
		onDone(fmt.Errorf("ingest: payload missing numeric temperature"))
		return
	}

	t.pool.Query(ctx,
		`SELECT id FROM sensor WHERE device_id = $1`,
		[]string{deviceID},
		func(rows []pgpool.Row) {
			if len(rows) > 0 {
				t.insertReading(ctx, rows[0]["id"], temperature, onDone)
				return
			}
			t.insertSensor(ctx, deviceID, temperature, onDone)
		},
		onDone,
	)
}

func (t *TemperatureIngester) insertSensor(ctx context.Context, deviceID string, temperature float64, onDone func(error)) {
	t.pool.Query(ctx,
		`INSERT INTO sensor (device_id) VALUES ($1) RETURNING id`,
		[]string{deviceID},
		func(rows []pgpool.Row) {
			if len(rows) == 0 {
				onDone(fmt.Errorf("ingest: sensor insert returned no id"))
				return
			}
			t.insertReading(ctx, rows[0]["id"], temperature, onDone)
		},
		onDone,
	)
}

func (t *TemperatureIngester) insertReading(ctx context.Context, sensorID any, temperature float64, onDone func(error)) {
	id, ok := sensorID.(string)
	if !ok {
		onDone(fmt.Errorf("ingest: unexpected sensor id type %T", sensorID))
		return
	}
	t.pool.Exec(ctx,
		`INSERT INTO temperature_reading (sensor_id, temperature) VALUES ($1, $2)`,
		[]string{id, formatFloat(temperature)},
		func() { onDone(nil) },
		onDone,
	)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(x, "%g", &f); err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
