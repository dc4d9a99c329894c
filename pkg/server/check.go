package server

import (
	"log"

	"github.com/crystal-mush/worldtune/pkg/validate"
)

// Check builds a validator over the live state. The seed file is included
// when one is configured and readable.
func (s *Server) Check() *validate.Validator {
	t := &validate.Target{
		Registry:   s.Registry,
		SaveFormat: s.Saver.Format(),
	}
	for _, o := range s.Overrides.List() {
		t.Overrides = append(t.Overrides, o.Info())
	}
	if s.Conf.SeedFile != "" {
		if sd, err := LoadSeed(s.Conf.SeedFile); err == nil {
			t.SeedValues, t.SeedFlags = sd.Values, sd.Flags
		} else {
			DebugLog("check: %v", err)
		}
	}
	return validate.New(t)
}

// logCheck runs Check and logs every error and warning.
func (s *Server) logCheck() {
	v := s.Check()
	for _, f := range v.Run() {
		if f.Severity == validate.SevInfo {
			continue
		}
		log.Printf("check: %s: %s", f.Severity, f.Description)
	}
}
