package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/fidde/agent_audit/pkg/models"
)

// Archive writes normalized records to ClickHouse for long-horizon
// retention. It only inserts rows; it has no method that reads records
// back.
type Archive struct {
	conn   driver.Conn
	logger *slog.Logger
}

// NewArchive connects, initializes the schema and returns an archive.
func NewArchive(ctx context.Context, cfg *ConnectionConfig, logger *slog.Logger) (*Archive, error) {
	conn, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := InitializeSchema(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{conn: conn, logger: logger}, nil
}

// ArchiveRecords batch-inserts one scenario's normalized records. Each
// attribute becomes one row; records without timestamps archive a NULL ts.
func (a *Archive) ArchiveRecords(ctx context.Context, scenario string, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO agent_records (scenario, ts, attr_key, attr_kind, str_value, num_value, bool_value)`)
	if err != nil {
		return fmt.Errorf("preparing archive batch: %w", err)
	}

	rows := 0
	for _, rec := range records {
		var ts *time.Time
		if rec.HasTimestamp {
			t := rec.Timestamp
			ts = &t
		}

		keys := make([]string, 0, len(rec.Attributes))
		for key := range rec.Attributes {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			val := rec.Attributes[key]
			var kind string
			var str string
			var num float64
			var boolean uint8
			switch val.Kind {
			case models.ValueString:
				kind, str = "string", val.Str
			case models.ValueInt:
				kind, num = "int", float64(val.Int)
			case models.ValueFloat:
				kind, num = "float", val.Float
			case models.ValueBool:
				kind = "bool"
				if val.Bool {
					boolean = 1
				}
			}
			if err := batch.Append(scenario, ts, key, kind, str, num, boolean); err != nil {
				return fmt.Errorf("appending archive row: %w", err)
			}
			rows++
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending archive batch: %w", err)
	}
	a.logger.Info("archived records", "scenario", scenario, "records", len(records), "rows", rows)
	return nil
}

// Close closes the ClickHouse connection.
func (a *Archive) Close() error {
	return a.conn.Close()
}
