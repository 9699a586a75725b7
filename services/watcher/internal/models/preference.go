package models

// PreferenceRule is one user's filter over postings. Keywords compare
// case-insensitively on word boundaries.
type PreferenceRule struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// IncludeGroups must each have at least one keyword hit in the title or
	// company.
	IncludeGroups   [][]string `json:"include_groups,omitempty" yaml:"include_groups,omitempty"`
	ExcludeKeywords []string   `json:"exclude_keywords,omitempty" yaml:"exclude_keywords,omitempty"`
	TitleFilters    []string   `json:"title_filters,omitempty" yaml:"title_filters,omitempty"`
	Locations       []string   `json:"locations,omitempty" yaml:"locations,omitempty"`
}
