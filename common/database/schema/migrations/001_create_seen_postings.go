package migrations

import "gigwatch/common/database/schema"

// seen_postings keeps one logical row per fingerprint; the highest version
// wins on merge, so notification updates are inserts.
var CreateSeenPostingsTable = schema.Migration{
	Version:     1,
	Description: "Create seen_postings table",
	Up: `
		CREATE TABLE IF NOT EXISTS seen_postings (
			fingerprint String,
			first_seen_at DateTime64(3, 'UTC'),
			last_notified_at Nullable(DateTime64(3, 'UTC')),
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		ORDER BY fingerprint
		SETTINGS index_granularity = 8192
	`,
	Down: `DROP TABLE IF EXISTS seen_postings`,
}
