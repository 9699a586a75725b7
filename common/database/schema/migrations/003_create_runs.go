package migrations

import "gigwatch/common/database/schema"

var CreateRunsTable = schema.Migration{
	Version:     3,
	Description: "Create runs table",
	Up: `
		CREATE TABLE IF NOT EXISTS runs (
			run_id UUID,
			status LowCardinality(String),
			started_at DateTime64(3, 'UTC'),
			finished_at DateTime64(3, 'UTC'),
			fetched_count UInt32,
			new_count UInt32,
			matched_count UInt32,
			notified_count UInt32,
			errors Array(String)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(started_at)
		ORDER BY (started_at, run_id)
	`,
	Down: `DROP TABLE IF EXISTS runs`,
}
