package models

// PostingOutcome is what a run decided about one new posting.
type PostingOutcome struct {
	Posting  Posting
	Matched  bool
	Reason   string
	Notified bool
}
