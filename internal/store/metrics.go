package store

import (
	"time"

	"github.com/agentfusion/internal/types"
)

// MetricPoint is one recorded sample
type MetricPoint struct {
	Name  string            `json:"name"`
	Tags  map[string]string `json:"tags,omitempty"`
	Value float64           `json:"value"`
	TS    time.Time         `json:"ts"`
}

// MetricBucket is an aggregated time bucket of QueryMetric
type MetricBucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
	Sum   float64   `json:"sum"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
}

// MetricFilter narrows QueryMetric
type MetricFilter struct {
	After  *time.Time
	Before *time.Time
}

// RecordMetric appends a sample to the time series
func (s *Store) RecordMetric(name string, tags map[string]string, value float64, ts time.Time) error {
	release := s.acquire()
	defer release()

	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(
		"INSERT INTO metrics_timeseries (name, tags, value, ts) VALUES (?, ?, ?, ?)",
		name, marshalJSON(tags, "{}"), value, ts)
	if err != nil {
		return &types.StorageError{Op: "record_metric", Err: err}
	}
	return nil
}

// QueryMetric aggregates a named series into fixed-width time buckets
func (s *Store) QueryMetric(name string, filter MetricFilter, bucket time.Duration) ([]MetricBucket, error) {
	release := s.acquire()
	defer release()

	query := "SELECT value, ts FROM metrics_timeseries WHERE name = ?"
	args := []interface{}{name}
	if filter.After != nil {
		query += " AND ts >= ?"
		args = append(args, *filter.After)
	}
	if filter.Before != nil {
		query += " AND ts <= ?"
		args = append(args, *filter.Before)
	}
	query += " ORDER BY ts ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &types.StorageError{Op: "query_metric", Err: err}
	}
	defer rows.Close()

	if bucket <= 0 {
		bucket = time.Minute
	}

	var buckets []MetricBucket
	var cur *MetricBucket
	for rows.Next() {
		var value float64
		var ts time.Time
		if err := rows.Scan(&value, &ts); err != nil {
			return nil, &types.StorageError{Op: "query_metric", Err: err}
		}
		start := ts.Truncate(bucket)
		if cur == nil || !cur.Start.Equal(start) {
			buckets = append(buckets, MetricBucket{Start: start, Min: value, Max: value})
			cur = &buckets[len(buckets)-1]
		}
		cur.Count++
		cur.Sum += value
		if value < cur.Min {
			cur.Min = value
		}
		if value > cur.Max {
			cur.Max = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &types.StorageError{Op: "query_metric", Err: err}
	}
	return buckets, nil
}
