package rule

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
)

// ClauseConfig is one EventClause as written in configuration.
type ClauseConfig struct {
	Name string `json:"name" yaml:"name"`
	// Event is shorthand for an "Event eq <name>" test, AND-ed with Match.
	Event        string     `json:"event,omitempty" yaml:"event,omitempty"`
	Match        *Condition `json:"match,omitempty" yaml:"match,omitempty"`
	Destinations []string   `json:"destinations" yaml:"destinations"`
}

type clause struct {
	name         string
	pred         predicate
	destinations []string
}

// RuleSet is an immutable, compiled set of clauses. It is safe for
// concurrent use.
type RuleSet struct {
	version uint64
	clauses []clause
}

// Compile validates clauses against the known destination identifiers and
// builds a RuleSet. Every problem found is reported, joined into one error.
func Compile(configs []ClauseConfig, knownDestinations []string) (*RuleSet, error) {
	known := make(map[string]struct{}, len(knownDestinations))
	for _, id := range knownDestinations {
		known[id] = struct{}{}
	}

	var errs []error
	seen := make(map[string]struct{}, len(configs))
	rs := &RuleSet{clauses: make([]clause, 0, len(configs))}

	for i, cfg := range configs {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			errs = append(errs, errors.Invalidf(errors.ErrInvalidConfig, "rule", "Compile", "clause[%d]: name is required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, errors.Invalidf(errors.ErrInvalidConfig, "rule", "Compile", "clause %q: duplicate name", name))
			continue
		}
		seen[name] = struct{}{}

		c, err := compileClause(name, cfg, known)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rs.clauses = append(rs.clauses, c)
	}

	if len(errs) > 0 {
		return nil, stderrors.Join(errs...)
	}
	return rs, nil
}

func compileClause(name string, cfg ClauseConfig, known map[string]struct{}) (clause, error) {
	if len(cfg.Destinations) == 0 {
		return clause{}, errors.Invalidf(errors.ErrDeadClause, "rule", "Compile", "clause %q", name)
	}

	dests := make([]string, 0, len(cfg.Destinations))
	seen := make(map[string]struct{}, len(cfg.Destinations))
	for _, id := range cfg.Destinations {
		if _, ok := known[id]; !ok {
			return clause{}, errors.Invalidf(errors.ErrUnknownDestination, "rule", "Compile", "clause %q references %q", name, id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		dests = append(dests, id)
	}

	var parts []predicate
	if cfg.Event != "" {
		parts = append(parts, leaf{field: "Event", test: func(v string) bool { return strings.EqualFold(v, cfg.Event) }})
	}
	if cfg.Match != nil {
		p, err := compileCondition(*cfg.Match, "match", 0)
		if err != nil {
			return clause{}, errors.Invalidf(errors.ErrInvalidConfig, "rule", "Compile", "clause %q: %v", name, err)
		}
		parts = append(parts, p)
	}

	var pred predicate
	switch len(parts) {
	case 0:
		return clause{}, errors.Invalidf(errors.ErrInvalidConfig, "rule", "Compile", "clause %q: needs event or match", name)
	case 1:
		pred = parts[0]
	default:
		pred = allOf(parts)
	}

	return clause{name: name, pred: pred, destinations: dests}, nil
}

// Evaluate returns the union of the destination sets of every clause that
// matches ev, ordered by first appearance in clause order. A nil result
// means no clause matched.
func (rs *RuleSet) Evaluate(ev *ami.Event) []string {
	var out []string
	for i := range rs.clauses {
		c := &rs.clauses[i]
		if !c.pred.match(ev) {
			continue
		}
		for _, id := range c.destinations {
			if !containsString(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}

// Matches returns the names of the clauses that match ev, in clause order.
func (rs *RuleSet) Matches(ev *ami.Event) []string {
	var names []string
	for i := range rs.clauses {
		if rs.clauses[i].pred.match(ev) {
			names = append(names, rs.clauses[i].name)
		}
	}
	return names
}

// Version is assigned when the set is installed into an Engine.
func (rs *RuleSet) Version() uint64 { return rs.version }

// Len returns the number of clauses.
func (rs *RuleSet) Len() int { return len(rs.clauses) }

// ClauseNames returns clause names in evaluation order.
func (rs *RuleSet) ClauseNames() []string {
	names := make([]string, len(rs.clauses))
	for i, c := range rs.clauses {
		names[i] = c.name
	}
	return names
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// String summarises the set for logs.
func (rs *RuleSet) String() string {
	return fmt.Sprintf("ruleset v%d (%d clauses)", rs.version, len(rs.clauses))
}
