package query

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Descriptor names a Dune query and the local file its latest result is written to.
type Descriptor struct {
	ID         int64  `mapstructure:"id" json:"id"`
	Name       string `mapstructure:"name" json:"name"`
	OutputPath string `mapstructure:"output_path" json:"output_path"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s (ID: %d)", d.Name, d.ID)
}

// Validate checks a single descriptor.
func (d Descriptor) Validate() error {
	switch {
	case d.ID <= 0:
		return fmt.Errorf("query %q: id must be > 0", d.Name)
	case strings.TrimSpace(d.Name) == "":
		return fmt.Errorf("query %d: name is required", d.ID)
	case strings.TrimSpace(d.OutputPath) == "":
		return fmt.Errorf("query %d: output_path is required", d.ID)
	default:
		return nil
	}
}

// ValidateAll checks every descriptor and that no two of them share an output path.
func ValidateAll(ds []Descriptor) error {
	if len(ds) == 0 {
		return fmt.Errorf("queries must contain at least one entry")
	}
	seen := make(map[string]int64, len(ds))
	for _, d := range ds {
		if err := d.Validate(); err != nil {
			return err
		}
		key := filepath.Clean(d.OutputPath)
		if other, ok := seen[key]; ok {
			return fmt.Errorf("queries %d and %d share output_path %q", other, d.ID, d.OutputPath)
		}
		seen[key] = d.ID
	}
	return nil
}

// Defaults are the queries behind the dashboard's on-chain widgets.
func Defaults() []Descriptor {
	return []Descriptor{
		{ID: 3379919, Name: "Whale Flows (SQL 1)", OutputPath: "public/onchain_flows.json"},
		{ID: 3378009, Name: "ETF Holdings (SQL 2)", OutputPath: "public/etf_holdings.json"},
	}
}
