package preferences

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
)

// Loader fetches the current rule set. Runs call it once at start.
type Loader interface {
	Load(ctx context.Context) ([]models.PreferenceRule, error)
}

type rulesDocument struct {
	Rules []models.PreferenceRule `yaml:"rules"`
}

// Parse accepts YAML or JSON: a bare list of rules, a document with a
// top-level "rules" key, or a single rule. Blank input is an empty rule set.
func Parse(data []byte) ([]models.PreferenceRule, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, errors.InvalidInput("parsing preference rules", err)
	}
	root := &node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}

	switch root.Kind {
	case yaml.SequenceNode:
		var list []models.PreferenceRule
		if err := root.Decode(&list); err != nil {
			return nil, errors.InvalidInput("decoding preference rules", err)
		}
		return list, nil
	case yaml.MappingNode:
		if !hasKey(root, "rules") {
			var one models.PreferenceRule
			if err := root.Decode(&one); err != nil {
				return nil, errors.InvalidInput("decoding preference rule", err)
			}
			return []models.PreferenceRule{one}, nil
		}
		var doc rulesDocument
		if err := root.Decode(&doc); err != nil {
			return nil, errors.InvalidInput("decoding preference rules", err)
		}
		return doc.Rules, nil
	default:
		return nil, errors.InvalidInput("preference rules must be a list or a document with rules", nil)
	}
}

func hasKey(mapping *yaml.Node, key string) bool {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return true
		}
	}
	return false
}

// StaticLoader serves rules parsed once, typically from the PREFERENCES
// environment value.
type StaticLoader struct {
	rules []models.PreferenceRule
}

func NewStaticLoader(rules []models.PreferenceRule) *StaticLoader {
	return &StaticLoader{rules: rules}
}

func (l *StaticLoader) Load(context.Context) ([]models.PreferenceRule, error) {
	return l.rules, nil
}

// FileLoader rereads its file on every Load so edits apply to the next run.
type FileLoader struct {
	path string
}

func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

func (l *FileLoader) Load(context.Context) ([]models.PreferenceRule, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, errors.InvalidInput(fmt.Sprintf("reading preferences file %s", l.path), err)
	}
	return Parse(data)
}

const activePreferencesQuery = `
	SELECT user_id, rules
	FROM notification_preferences
	WHERE is_active = true
	ORDER BY user_id`

// PostgresLoader reads every active row of notification_preferences. The
// rules column holds a JSON rule or list of rules.
type PostgresLoader struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenPostgres connects through the pgx database/sql driver.
func OpenPostgres(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresLoader, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return NewPostgresLoader(db, logger), nil
}

func NewPostgresLoader(db *sql.DB, logger *zap.Logger) *PostgresLoader {
	return &PostgresLoader{db: db, logger: logger}
}

func (l *PostgresLoader) Load(ctx context.Context) ([]models.PreferenceRule, error) {
	rows, err := l.db.QueryContext(ctx, activePreferencesQuery)
	if err != nil {
		return nil, errors.Internal("querying notification_preferences", err)
	}
	defer rows.Close()

	var rules []models.PreferenceRule
	for rows.Next() {
		var (
			userID string
			raw    []byte
		)
		if err := rows.Scan(&userID, &raw); err != nil {
			return nil, errors.Internal("scanning notification_preferences row", err)
		}
		userRules, err := decodeJSONRules(raw)
		if err != nil {
			l.logger.Warn("skipping unreadable preferences",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		for i := range userRules {
			if userRules[i].Name == "" {
				userRules[i].Name = userID
			}
		}
		rules = append(rules, userRules...)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("iterating notification_preferences", err)
	}
	return rules, nil
}

func (l *PostgresLoader) Close() error {
	return l.db.Close()
}

func decodeJSONRules(raw []byte) ([]models.PreferenceRule, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var list []models.PreferenceRule
		err := json.Unmarshal(raw, &list)
		return list, err
	}
	var one models.PreferenceRule
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []models.PreferenceRule{one}, nil
}

type LoaderOptions struct {
	DatabaseURL string
	File        string
	Inline      string
}

// NewLoader picks the database, then the file, then the inline rules,
// whichever is configured first. With none configured every posting
// matches.
func NewLoader(ctx context.Context, opts LoaderOptions, logger *zap.Logger) (Loader, func() error, error) {
	noop := func() error { return nil }
	switch {
	case opts.DatabaseURL != "":
		l, err := OpenPostgres(ctx, opts.DatabaseURL, logger)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("loading preferences from postgres")
		return l, l.Close, nil
	case opts.File != "":
		logger.Info("loading preferences from file", zap.String("path", opts.File))
		return NewFileLoader(opts.File), noop, nil
	default:
		rules, err := Parse([]byte(opts.Inline))
		if err != nil {
			return nil, noop, err
		}
		if len(rules) == 0 {
			logger.Warn("no preferences configured, every new posting will match")
		}
		return NewStaticLoader(rules), noop, nil
	}
}
