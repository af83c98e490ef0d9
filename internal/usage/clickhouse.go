package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const insertQuery = `INSERT INTO usage_events
	(request_id, key_id, provider, model, route,
	 prompt_tokens, completion_tokens, estimated_output,
	 status, latency_ms, created_at)`

// ClickHouseSink writes usage batches to a ClickHouse table for analytics.
// The table uses ReplacingMergeTree keyed on request_id, so replayed events
// collapse instead of double-billing.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink opens a native-protocol connection and verifies it.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	batch, err := s.conn.PrepareBatch(ctx, insertQuery)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare: %w", err)
	}

	for _, e := range events {
		if err := batch.Append(
			e.RequestID.String(),
			e.KeyID,
			e.Provider,
			e.Model,
			e.Route,
			uint32(e.PromptTokens),
			uint32(e.CompletionTokens),
			e.EstimatedOutput,
			uint16(e.Status),
			uint32(e.LatencyMs),
			e.CreatedAt,
		); err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
