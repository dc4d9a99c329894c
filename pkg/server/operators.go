package server

import (
	"log"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/passwd"
)

// Operators checks console logins against the configured operator list.
type Operators struct {
	byName map[string]Operator
}

// NewOperators indexes list by name. Entries with an unparsable level are
// skipped; Conf.Validate rejects them before this runs.
func NewOperators(list []Operator) *Operators {
	o := &Operators{byName: make(map[string]Operator, len(list))}
	for _, op := range list {
		if _, err := access.ParseLevel(op.Level); err != nil {
			log.Printf("server: operator %s: %v", op.Name, err)
			continue
		}
		o.byName[op.Name] = op
	}
	return o
}

// Len returns the number of usable operators.
func (o *Operators) Len() int { return len(o.byName) }

// Authenticate returns the caller for name if password matches.
func (o *Operators) Authenticate(name, password string) (access.Caller, bool) {
	op, ok := o.byName[name]
	if !ok || !passwd.Check(password, op.Password) {
		return access.Caller{}, false
	}
	if passwd.IsLegacy(op.Password) {
		log.Printf("server: operator %s logged in with a legacy crypt hash; replace it with tunectl -hash", name)
	}
	lvl, _ := access.ParseLevel(op.Level)
	return access.Caller{ID: name, Level: lvl}, true
}
