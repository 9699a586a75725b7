// Package migrations holds the ClickHouse schema, one variable per version.
package migrations

import "gigwatch/common/database/schema"

// All lists every migration in version order.
var All = []schema.Migration{
	CreateSeenPostingsTable,
	CreateJobPostingsTable,
	CreateRunsTable,
}
