package careers

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Page describes one company careers page and how to read listings off it.
type Page struct {
	Company          string `yaml:"company"`
	URL              string `yaml:"url"`
	ItemSelector     string `yaml:"item_selector"`
	TitleSelector    string `yaml:"title_selector"`
	LocationSelector string `yaml:"location_selector"`
	LinkSelector     string `yaml:"link_selector"`
}

type pagesFile struct {
	Pages []Page `yaml:"pages"`
}

// LoadPages reads a YAML file with a top-level "pages" list.
func LoadPages(path string) ([]Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading careers config: %w", err)
	}
	return ParsePages(data)
}

func ParsePages(data []byte) ([]Page, error) {
	var f pagesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing careers config: %w", err)
	}
	for i := range f.Pages {
		p := &f.Pages[i]
		if strings.TrimSpace(p.URL) == "" || strings.TrimSpace(p.ItemSelector) == "" {
			return nil, fmt.Errorf("careers page %d: url and item_selector are required", i)
		}
		if p.LinkSelector == "" {
			p.LinkSelector = "a"
		}
	}
	return f.Pages, nil
}
