// Package validate checks saved or live tuning state for problems an
// operator should look at before they bite: flags a save format cannot
// hold, sensitive switches left on, stale override journal records and
// seed files that no longer match the schema. Some findings can be fixed
// in place.
package validate

import (
	"fmt"
	"sort"
	"time"

	"github.com/crystal-mush/worldtune/pkg/override"
	"github.com/crystal-mush/worldtune/pkg/registry"
)

// Category classifies the type of finding.
type Category int

const (
	CatSaveFormat Category = iota // Flags the configured save format cannot hold
	CatSensitive                  // Sensitive switches away from their default
	CatJournal                    // Override journal records
	CatSeed                       // Seed file entries
)

func (c Category) String() string {
	switch c {
	case CatSaveFormat:
		return "save-format"
	case CatSensitive:
		return "sensitive"
	case CatJournal:
		return "journal"
	case CatSeed:
		return "seed"
	default:
		return "unknown"
	}
}

// Severity indicates how serious a finding is.
type Severity int

const (
	SevError   Severity = iota // Must be fixed for correct behavior
	SevWarning                 // Should be reviewed
	SevInfo                    // Informational only
)

func (s Severity) String() string {
	switch s {
	case SevError:
		return "error"
	case SevWarning:
		return "warning"
	case SevInfo:
		return "info"
	default:
		return "unknown"
	}
}

// MarshalText renders the category by name in reports.
func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// MarshalText renders the severity by name in reports.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	for v := SevError; v <= SevInfo; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("validate: unknown severity %q", b)
}

// Finding is a single issue.
type Finding struct {
	ID          string   `json:"id"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description"`
	Current     string   `json:"current,omitempty"`
	Proposed    string   `json:"proposed,omitempty"`
	Fixable     bool     `json:"fixable"`
	Fixed       bool     `json:"fixed"`
	fixFunc     func() error
}

// Target is the state a Validator looks at. Registry is required; the rest
// are optional and their checks are skipped when empty.
type Target struct {
	Registry   *registry.Registry
	SaveFormat int32
	Overrides  []override.Info
	SeedValues map[string]string
	SeedFlags  map[string]bool
	Now        time.Time
}

// Checker is the interface that each check implements.
type Checker interface {
	Name() string
	Check(t *Target) []Finding
}

// Validator runs every checker against a target.
type Validator struct {
	checkers []Checker
	target   *Target
	findings []Finding
}

// New creates a Validator with all built-in checkers registered.
func New(t *Target) *Validator {
	if t.Now.IsZero() {
		t.Now = time.Now()
	}
	return &Validator{
		target: t,
		checkers: []Checker{
			&SaveFormatChecker{},
			&SensitiveChecker{},
			&JournalChecker{},
			&SeedChecker{},
		},
	}
}

// Run executes all checkers and returns findings, most severe first, then by
// name.
func (v *Validator) Run() []Finding {
	v.findings = nil
	for _, c := range v.checkers {
		v.findings = append(v.findings, c.Check(v.target)...)
	}
	sort.SliceStable(v.findings, func(i, j int) bool {
		a, b := v.findings[i], v.findings[j]
		if a.Severity != b.Severity {
			return a.Severity < b.Severity
		}
		return a.Name < b.Name
	})
	return v.findings
}

// Findings returns the current findings (after Run has been called).
func (v *Validator) Findings() []Finding {
	return v.findings
}

// ApplyFix applies a single fix by finding ID.
func (v *Validator) ApplyFix(id string) error {
	for i := range v.findings {
		f := &v.findings[i]
		if f.ID != id {
			continue
		}
		if !f.Fixable || f.fixFunc == nil {
			return fmt.Errorf("validate: finding %s is not fixable", id)
		}
		if f.Fixed {
			return fmt.Errorf("validate: finding %s is already fixed", id)
		}
		if err := f.fixFunc(); err != nil {
			return fmt.Errorf("validate: fixing %s: %w", id, err)
		}
		f.Fixed = true
		return nil
	}
	return fmt.Errorf("validate: finding %s not found", id)
}

// ApplyAll applies every fixable finding in the given category and returns
// how many were fixed. It stops at the first failing fix.
func (v *Validator) ApplyAll(cat Category) (int, error) {
	count := 0
	for i := range v.findings {
		f := &v.findings[i]
		if f.Category != cat || !f.Fixable || f.Fixed || f.fixFunc == nil {
			continue
		}
		if err := f.fixFunc(); err != nil {
			return count, fmt.Errorf("validate: fixing %s: %w", f.ID, err)
		}
		f.Fixed = true
		count++
	}
	return count, nil
}

// Summary returns counts of findings per category.
func (v *Validator) Summary() map[Category]int {
	m := make(map[Category]int)
	for _, f := range v.findings {
		m[f.Category]++
	}
	return m
}

// HasErrors reports whether any unfixed finding is an error.
func (v *Validator) HasErrors() bool {
	for _, f := range v.findings {
		if f.Severity == SevError && !f.Fixed {
			return true
		}
	}
	return false
}

// idGen returns a function minting "prefix-N" finding IDs.
func idGen(prefix string) func() string {
	seq := 0
	return func() string {
		id := fmt.Sprintf("%s-%d", prefix, seq)
		seq++
		return id
	}
}

// ParseCategory parses a category name as printed by String.
func ParseCategory(s string) (Category, error) {
	for c := CatSaveFormat; c <= CatSeed; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("validate: unknown category %q", s)
}
