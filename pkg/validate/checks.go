package validate

import (
	"fmt"
	"sort"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/registry"
)

// fixer is the caller recorded for every fix.
var fixer = access.System("validate")

// SaveFormatChecker finds set flags whose bits the configured save format
// cannot store. A version 1 save refuses to run while any of them is on.
type SaveFormatChecker struct{}

func (c *SaveFormatChecker) Name() string { return "save-format" }

func (c *SaveFormatChecker) Check(t *Target) []Finding {
	if t.SaveFormat != registry.Version1 {
		return nil
	}
	var findings []Finding
	mkID := idGen("save-format")
	fs := t.Registry.Flags()
	view := t.Registry.View()
	for _, f := range fs.Defs() {
		if f.Bit < 64 || !view.IsSet(f.Name) {
			continue
		}
		name := f.Name
		findings = append(findings, Finding{
			ID:          mkID(),
			Category:    CatSaveFormat,
			Severity:    SevError,
			Name:        name,
			Description: fmt.Sprintf("flag %s uses bit %d; save format 1 holds bits 0-63 only", name, f.Bit),
			Current:     "on",
			Proposed:    "off",
			Fixable:     true,
			fixFunc:     func() error { return fs.ClearFlag(name, fixer) },
		})
	}
	return findings
}

// SensitiveChecker reports sensitive tunables and flags that are away from
// their defaults. These are usually switched on for a task and forgotten.
type SensitiveChecker struct{}

func (c *SensitiveChecker) Name() string { return "sensitive" }

func (c *SensitiveChecker) Check(t *Target) []Finding {
	var findings []Finding
	mkID := idGen("sensitive")
	reg := t.Registry
	for _, tn := range reg.Tunables() {
		if !tn.Sensitive {
			continue
		}
		cur, _ := reg.Get(tn.Name)
		if cur.Equal(tn.Default) {
			continue
		}
		name, def := tn.Name, tn.Default
		findings = append(findings, Finding{
			ID:          mkID(),
			Category:    CatSensitive,
			Severity:    SevWarning,
			Name:        name,
			Description: fmt.Sprintf("sensitive tunable %s is not at its default", name),
			Current:     cur.String(),
			Proposed:    def.String(),
			Fixable:     true,
			fixFunc:     func() error { return reg.ResetDefault(name, fixer) },
		})
	}
	view := reg.View()
	fs := reg.Flags()
	for _, f := range fs.Defs() {
		if !f.Sensitive || view.IsSet(f.Name) == f.Default {
			continue
		}
		name, def := f.Name, f.Default
		findings = append(findings, Finding{
			ID:          mkID(),
			Category:    CatSensitive,
			Severity:    SevWarning,
			Name:        name,
			Description: fmt.Sprintf("sensitive flag %s is not at its default", name),
			Current:     onOff(!def),
			Proposed:    onOff(def),
			Fixable:     true,
			fixFunc:     func() error { return fs.Assign(name, def, fixer) },
		})
	}
	return findings
}

// JournalChecker looks at override journal records. Every record found at
// boot is restored, so these are what the next start will do.
type JournalChecker struct{}

func (c *JournalChecker) Name() string { return "journal" }

func (c *JournalChecker) Check(t *Target) []Finding {
	var findings []Finding
	mkID := idGen("journal")
	reg := t.Registry
	for _, in := range t.Overrides {
		if !in.State.Terminal() && !t.Now.Before(in.ExpiresAt) {
			findings = append(findings, Finding{
				ID:          mkID(),
				Category:    CatJournal,
				Severity:    SevInfo,
				Name:        in.ID,
				Description: fmt.Sprintf("override %s (owner %q) expired at %s", in.ID, in.Owner, in.ExpiresAt.Format("2006-01-02 15:04:05")),
			})
		}
		for _, n := range sortedNames(in.Written) {
			tn, ok := reg.Tunable(n)
			if !ok {
				findings = append(findings, Finding{
					ID:          mkID(),
					Category:    CatJournal,
					Severity:    SevWarning,
					Name:        n,
					Description: fmt.Sprintf("override %s wrote %s, which no longer exists; it will not be restored", in.ID, n),
				})
				continue
			}
			cur, _ := reg.Get(n)
			wrote, err := registry.ParseValue(&tn, in.Written[n])
			if err == nil && cur.Equal(wrote) {
				continue
			}
			findings = append(findings, Finding{
				ID:       mkID(),
				Category: CatJournal,
				Severity: SevInfo,
				Name:     n,
				Description: fmt.Sprintf("%s changed since override %s wrote it; the saved value %s will not be put back",
					n, in.ID, in.Saved[n]),
				Current:  cur.String(),
				Proposed: in.Written[n],
			})
		}
	}
	return findings
}

// SeedChecker finds seed entries the schema no longer accepts.
type SeedChecker struct{}

func (c *SeedChecker) Name() string { return "seed" }

func (c *SeedChecker) Check(t *Target) []Finding {
	var findings []Finding
	mkID := idGen("seed")
	reg := t.Registry
	for _, n := range sortedNames(t.SeedValues) {
		raw := t.SeedValues[n]
		tn, ok := reg.Tunable(n)
		if !ok {
			desc := fmt.Sprintf("seed sets unknown tunable %s", n)
			if reg.Flags().Has(n) {
				desc = fmt.Sprintf("seed sets flag %s under values; move it to flags", n)
			}
			findings = append(findings, Finding{ID: mkID(), Category: CatSeed, Severity: SevError,
				Name: n, Description: desc, Current: raw})
			continue
		}
		v, err := registry.ParseValue(&tn, raw)
		if err == nil && tn.Check != nil {
			err = tn.Check(v)
		}
		if err != nil {
			findings = append(findings, Finding{ID: mkID(), Category: CatSeed, Severity: SevError,
				Name: n, Description: fmt.Sprintf("seed value for %s is rejected: %v", n, err), Current: raw})
		}
	}
	for _, n := range sortedNames(t.SeedFlags) {
		if !reg.Flags().Has(n) {
			findings = append(findings, Finding{ID: mkID(), Category: CatSeed, Severity: SevError,
				Name: n, Description: fmt.Sprintf("seed sets unknown flag %s", n)})
		}
	}
	return findings
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
