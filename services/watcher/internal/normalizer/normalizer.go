// Package normalizer turns source-specific raw postings into canonical
// postings with a stable fingerprint. It performs no I/O.
package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"regexp"
	"strings"
	"time"

	"gigwatch/services/watcher/internal/errors"
	"gigwatch/services/watcher/internal/models"
)

var (
	companyPattern  = regexp.MustCompile(`(?i)(company|at):\s*([^,|\n]+)`)
	locationPattern = regexp.MustCompile(`(?i)(location|remote):\s*([^,|\n]+)`)
	titlePattern    = regexp.MustCompile(`(?i)(position|role|title):\s*([^,|\n]+)`)
	paragraphTag    = regexp.MustCompile(`(?i)<p>|<br\s*/?>`)
	anyTag          = regexp.MustCompile(`<[^>]*>`)
	blankLines      = regexp.MustCompile(`\n\s*\n`)
	spaces          = regexp.MustCompile(`[ \t\r\f\v]+`)
	dashes          = regexp.MustCompile(`[\x{2013}\x{2014}\x{2015}]`)
)

// Normalize converts raw into a canonical Posting. Title and URL are
// required; a posting without them fails with a NORMALIZATION error.
func Normalize(raw models.RawPosting) (models.Posting, error) {
	title := clean(raw.Title)
	company := clean(raw.Company)
	location := clean(raw.Location)

	if title == "" && raw.Text != "" {
		parsed := parseText(raw.Text)
		title = parsed.title
		if company == "" {
			company = parsed.company
		}
		if location == "" {
			location = parsed.location
		}
	}

	url := strings.TrimSpace(raw.URL)

	if title == "" {
		return models.Posting{}, errors.Normalization("posting has no title", nil)
	}
	if url == "" {
		return models.Posting{}, errors.Normalization("posting has no url", nil)
	}

	posting := models.Posting{
		Source:   raw.Source,
		Title:    title,
		Company:  company,
		Location: location,
		URL:      url,
		PostedAt: utc(raw.PostedAt),
	}
	posting.ID = Fingerprint(raw.Source, raw.NativeID, posting)
	posting.RawHash = contentHash(posting, raw.Description, raw.Text)

	return posting, nil
}

// Fingerprint derives the dedup key. A source-native id wins; without one
// the identity fields are hashed instead.
func Fingerprint(source, nativeID string, p models.Posting) string {
	source = strings.ToLower(strings.TrimSpace(source))
	if id := strings.TrimSpace(nativeID); id != "" {
		return digest(source + ":" + id)
	}
	return digest(source + ":" + strings.Join([]string{
		fold(p.Title),
		fold(p.Company),
		fold(p.Location),
		strings.TrimSpace(p.URL),
	}, "|"))
}

func contentHash(p models.Posting, description, text string) string {
	postedAt := ""
	if p.PostedAt != nil {
		postedAt = p.PostedAt.Format(time.RFC3339)
	}
	return digest(strings.Join([]string{
		p.Title, p.Company, p.Location, p.URL, postedAt, description, text,
	}, "\x1f"))
}

type parsedText struct {
	title    string
	company  string
	location string
}

// parseText reads the "Company | Location | Role | ..." header line used by
// Who-is-hiring comments, falling back to labelled fields in the body.
func parseText(text string) parsedText {
	body := normalizeText(text)
	header := body
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		header = body[:i]
	}

	var out parsedText
	parts := strings.Split(header, "|")
	if len(parts) >= 3 {
		out.company = strings.TrimSpace(parts[0])
		out.location = strings.TrimSpace(parts[1])
		out.title = strings.TrimSpace(parts[2])
	}

	if out.title == "" {
		out.title = labelled(titlePattern, body)
	}
	if out.company == "" {
		out.company = labelled(companyPattern, body)
	}
	if out.location == "" {
		out.location = labelled(locationPattern, body)
	}

	return out
}

func labelled(pattern *regexp.Regexp, text string) string {
	if matches := pattern.FindStringSubmatch(text); len(matches) > 2 {
		return strings.TrimSpace(matches[2])
	}
	return ""
}

func normalizeText(text string) string {
	text = paragraphTag.ReplaceAllString(text, "\n")
	text = anyTag.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = blankLines.ReplaceAllString(text, "\n")
	text = spaces.ReplaceAllString(text, " ")
	text = dashes.ReplaceAllString(text, "-")
	return strings.TrimSpace(text)
}

func clean(s string) string {
	s = html.UnescapeString(s)
	s = strings.Join(strings.Fields(s), " ")
	return dashes.ReplaceAllString(s, "-")
}

func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func utc(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
