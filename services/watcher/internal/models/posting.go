package models

import (
	"encoding/json"
	"time"
)

// RawPosting is a job listing as a source adapter produced it, before
// normalization.
type RawPosting struct {
	Source      string     `json:"source"`
	NativeID    string     `json:"native_id,omitempty"`
	Title       string     `json:"title,omitempty"`
	Company     string     `json:"company,omitempty"`
	Location    string     `json:"location,omitempty"`
	URL         string     `json:"url,omitempty"`
	PostedAt    *time.Time `json:"posted_at,omitempty"`
	Description string     `json:"description,omitempty"`
	Text        string     `json:"text,omitempty"`
}

// Posting is the canonical job listing. ID is the posting's fingerprint.
type Posting struct {
	ID       string     `json:"id"`
	Source   string     `json:"source"`
	Title    string     `json:"title"`
	Company  string     `json:"company"`
	Location string     `json:"location"`
	URL      string     `json:"url"`
	PostedAt *time.Time `json:"posted_at,omitempty"`
	RawHash  string     `json:"raw_hash"`
}

func (p Posting) Fingerprint() string {
	return p.ID
}

func (p Posting) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

func (p *Posting) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, p)
}

// SeenRecord marks a fingerprint as observed. LastNotifiedAt stays nil until
// a delivery for the fingerprint has been confirmed.
type SeenRecord struct {
	Fingerprint    string     `json:"fingerprint"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	LastNotifiedAt *time.Time `json:"last_notified_at"`
}

func (r SeenRecord) Notified() bool {
	return r.LastNotifiedAt != nil
}
