package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const recordsTableDDL = `
	CREATE TABLE IF NOT EXISTS agent_records (
		scenario    String,
		received_at DateTime64(9) DEFAULT now64(9),
		ts          Nullable(DateTime64(9)),
		attr_key    String,
		attr_kind   Enum8('string' = 0, 'int' = 1, 'float' = 2, 'bool' = 3),
		str_value   String DEFAULT '',
		num_value   Float64 DEFAULT 0,
		bool_value  UInt8 DEFAULT 0
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(received_at)
	ORDER BY (scenario, attr_key, received_at)
	TTL toDateTime(received_at) + INTERVAL 180 DAY
`

// InitializeSchema creates the archive table if it does not exist.
func InitializeSchema(ctx context.Context, conn driver.Conn) error {
	if err := conn.Exec(ctx, recordsTableDDL); err != nil {
		return fmt.Errorf("creating agent_records table: %w", err)
	}
	return nil
}
