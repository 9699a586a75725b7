// Package notifier delivers matched postings to an external channel.
package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gigwatch/common/telemetry"
	"gigwatch/services/watcher/internal/models"
)

var tracer = telemetry.GetTracer("gigwatch/notifier")

// Delivery is the outcome for one posting. A nil Err means the channel
// confirmed receipt.
type Delivery struct {
	Posting models.Posting
	Err     error
}

func (d Delivery) Delivered() bool {
	return d.Err == nil
}

// Notifier sends postings and reports a Delivery per posting, in input
// order. Notify never panics on channel failure; failures are carried in
// the deliveries.
type Notifier interface {
	Notify(ctx context.Context, postings []models.Posting) []Delivery
	Close() error
}

// Entry is the wire form of a posting.
type Entry struct {
	Title    string     `json:"title"`
	Company  string     `json:"company"`
	Location string     `json:"location"`
	URL      string     `json:"url"`
	PostedAt *time.Time `json:"postedAt"`
}

// Message is one notification: a human-readable summary plus the entries.
type Message struct {
	Text     string  `json:"text"`
	Count    int     `json:"count"`
	Postings []Entry `json:"postings"`
}

func NewMessage(postings []models.Posting) Message {
	entries := make([]Entry, 0, len(postings))
	lines := make([]string, 0, len(postings)+1)

	noun := "postings"
	if len(postings) == 1 {
		noun = "posting"
	}
	lines = append(lines, fmt.Sprintf("%d new matching job %s", len(postings), noun))

	for _, p := range postings {
		entries = append(entries, Entry{
			Title:    p.Title,
			Company:  p.Company,
			Location: p.Location,
			URL:      p.URL,
			PostedAt: p.PostedAt,
		})
		lines = append(lines, "• "+summaryLine(p))
	}

	return Message{
		Text:     strings.Join(lines, "\n"),
		Count:    len(entries),
		Postings: entries,
	}
}

func summaryLine(p models.Posting) string {
	parts := []string{p.Title}
	if p.Company != "" {
		parts = append(parts, "at "+p.Company)
	}
	if p.Location != "" {
		parts = append(parts, "("+p.Location+")")
	}
	return strings.Join(parts, " ") + " " + p.URL
}

// outcomes gives every posting the same result.
func outcomes(postings []models.Posting, err error) []Delivery {
	out := make([]Delivery, len(postings))
	for i, p := range postings {
		out[i] = Delivery{Posting: p, Err: err}
	}
	return out
}
