package hackernews

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gigwatch/services/watcher/internal/models"
)

const itemURLFormat = "https://news.ycombinator.com/item?id=%d"

// Item is a story or comment as served by the Firebase API.
type Item struct {
	ID      int    `json:"id"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Text    string `json:"text"`
	Time    int64  `json:"time"`
	Parent  int    `json:"parent"`
	Kids    []int  `json:"kids"`
	By      string `json:"by"`
	Deleted bool   `json:"deleted"`
	Dead    bool   `json:"dead"`
}

func (i Item) MarshalBinary() ([]byte, error) {
	return json.Marshal(i)
}

func (i *Item) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, i)
}

// Removed reports whether the comment no longer carries a posting.
func (i Item) Removed() bool {
	return i.Deleted || i.Dead || i.Text == ""
}

func (i Item) ToRawPosting() models.RawPosting {
	raw := models.RawPosting{
		Source:   SourceName,
		NativeID: strconv.Itoa(i.ID),
		URL:      fmt.Sprintf(itemURLFormat, i.ID),
		Text:     i.Text,
	}
	if i.Time > 0 {
		postedAt := time.Unix(i.Time, 0).UTC()
		raw.PostedAt = &postedAt
	}
	return raw
}

type IntSlice []int

func (s IntSlice) MarshalBinary() ([]byte, error) {
	return json.Marshal([]int(s))
}

func (s *IntSlice) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, (*[]int)(s))
}

type searchResult struct {
	Hits []struct {
		ObjectID  string `json:"objectID"`
		Title     string `json:"title"`
		Author    string `json:"author"`
		CreatedAt int64  `json:"created_at_i"`
	} `json:"hits"`
	NbHits int `json:"nbHits"`
}
