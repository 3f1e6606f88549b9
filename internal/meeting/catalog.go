package meeting

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/go-core/xerrors"
)

//go:embed alert_types.yaml
var defaultAlertTypes []byte

// Neutral values for alert types missing from the catalog.
const (
	NeutralWeight   = 0.5
	GeneralCategory = "general"
	DefaultAttendee = "Operations Team"
)

// AlertType describes how one kind of alert is weighted and who usually
// attends meetings about it.
type AlertType struct {
	SeverityWeight   float64  `yaml:"severity_weight" json:"severity_weight"`
	Category         string   `yaml:"category" json:"category"`
	TypicalAttendees []string `yaml:"typical_attendees" json:"typical_attendees"`
}

type catalogFile struct {
	AlertTypes map[string]AlertType `yaml:"alert_types"`
}

// Catalog maps alert types to their weights and attendees. It is read-only
// after construction.
type Catalog struct {
	types map[string]AlertType
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := parseCatalog(defaultAlertTypes)
	if err != nil {
		panic(xerrors.New("meeting: embedded alert type catalog is invalid: " + err.Error()))
	}
	return c
}

// LoadCatalog returns the built-in catalog with entries from path merged over
// it by key. An empty path returns the built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read alert types: %w", err)
	}
	override, err := parseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for k, v := range override.types {
		c.types[k] = v
	}
	return c, nil
}

func parseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse alert types: %w", err)
	}
	types := make(map[string]AlertType, len(f.AlertTypes))
	for name, t := range f.AlertTypes {
		if t.SeverityWeight < 0 || t.SeverityWeight > 1 {
			return nil, fmt.Errorf("alert type %q: severity_weight %v out of range [0,1]", name, t.SeverityWeight)
		}
		if t.Category == "" {
			t.Category = GeneralCategory
		}
		types[strings.ToLower(name)] = t
	}
	return &Catalog{types: types}, nil
}

// Lookup returns the entry for alertType, or neutral defaults when unknown.
func (c *Catalog) Lookup(alertType string) AlertType {
	if c != nil {
		if t, ok := c.types[strings.ToLower(alertType)]; ok {
			t.TypicalAttendees = slices.Clone(t.TypicalAttendees)
			return t
		}
	}
	return AlertType{
		SeverityWeight:   NeutralWeight,
		Category:         GeneralCategory,
		TypicalAttendees: []string{DefaultAttendee},
	}
}

// Known reports whether alertType has a catalog entry.
func (c *Catalog) Known(alertType string) bool {
	if c == nil {
		return false
	}
	_, ok := c.types[strings.ToLower(alertType)]
	return ok
}

// Types lists the known alert types in sorted order.
func (c *Catalog) Types() []string {
	if c == nil {
		return nil
	}
	keys := lo.Keys(c.types)
	slices.Sort(keys)
	return keys
}
