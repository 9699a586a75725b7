package migrations

import "gigwatch/common/database/schema"

var CreateJobPostingsTable = schema.Migration{
	Version:     2,
	Description: "Create job_postings table",
	Up: `
		CREATE TABLE IF NOT EXISTS job_postings (
			id UUID,
			fingerprint String,
			run_id UUID,
			source LowCardinality(String),
			title String,
			company String,
			location String,
			url String,
			posted_at Nullable(DateTime('UTC')),
			raw_hash String,
			matched Bool,
			notified Bool,
			created_at DateTime('UTC')
		) ENGINE = ReplacingMergeTree(created_at)
		PARTITION BY toYYYYMM(created_at)
		ORDER BY (fingerprint, run_id)
		SETTINGS index_granularity = 8192
	`,
	Down: `DROP TABLE IF EXISTS job_postings`,
}
