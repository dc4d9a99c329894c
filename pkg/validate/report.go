package validate

import (
	"encoding/json"
	"fmt"
	"io"
)

// Report is the JSON-serializable validation report served by the console
// and printed by tunectl.
type Report struct {
	TotalFindings int                    `json:"total_findings"`
	Errors        int                    `json:"errors"`
	Categories    map[string]CategorySum `json:"categories"`
	Findings      []Finding              `json:"findings"`
}

// CategorySum summarizes findings for a single category.
type CategorySum struct {
	Total   int    `json:"total"`
	Fixable int    `json:"fixable"`
	Fixed   int    `json:"fixed"`
	Label   string `json:"label"`
}

var categoryLabels = map[Category]string{
	CatSaveFormat: "Flags Beyond the Save Format",
	CatSensitive:  "Sensitive Switches Left On",
	CatJournal:    "Override Journal",
	CatSeed:       "Seed File",
}

// GenerateReport builds a Report from the validator's current findings.
func GenerateReport(v *Validator) *Report {
	r := &Report{
		TotalFindings: len(v.findings),
		Categories:    make(map[string]CategorySum),
		Findings:      v.findings,
	}
	if r.Findings == nil {
		r.Findings = []Finding{}
	}

	catCounts := make(map[Category]*CategorySum)
	for _, f := range v.findings {
		cs, ok := catCounts[f.Category]
		if !ok {
			cs = &CategorySum{Label: categoryLabels[f.Category]}
			catCounts[f.Category] = cs
		}
		cs.Total++
		if f.Fixable {
			cs.Fixable++
		}
		if f.Fixed {
			cs.Fixed++
		}
		if f.Severity == SevError && !f.Fixed {
			r.Errors++
		}
	}
	for cat, cs := range catCounts {
		r.Categories[cat.String()] = *cs
	}
	return r
}

// WriteJSON writes the report as JSON to the given writer.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes one line per finding.
func (r *Report) WriteText(w io.Writer) error {
	if len(r.Findings) == 0 {
		_, err := fmt.Fprintln(w, "no findings")
		return err
	}
	for _, f := range r.Findings {
		line := fmt.Sprintf("%-7s %-11s %s", f.Severity, f.Category, f.Description)
		if f.Current != "" || f.Proposed != "" {
			line += fmt.Sprintf(" [%s -> %s]", f.Current, f.Proposed)
		}
		if f.Fixed {
			line += " (fixed)"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d findings, %d errors\n", r.TotalFindings, r.Errors)
	return err
}
