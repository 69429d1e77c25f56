// Package rule implements the routing engine: EventClauses compiled into
// predicate trees, evaluated against every incoming event.
//
// A clause pairs a predicate with an ordered set of destination identifiers.
// Predicates combine field tests (eq, ne, contains, starts_with, ends_with,
// regex, exists and the numeric lt, lte, gt, gte) with all, any and not. A
// field that is absent from the event fails every test.
//
//	clauses := []rule.ClauseConfig{
//	    {Name: "hangups", Event: "Hangup", Destinations: []string{"audit-file"}},
//	    {Name: "sip", Match: &rule.Condition{Field: "Channel", Op: "regex", Value: "^SIP/"},
//	        Destinations: []string{"cdr-db"}},
//	}
//	rs, err := rule.Compile(clauses, []string{"audit-file", "cdr-db"})
//
// Compile rejects a clause with no destinations (errors.ErrDeadClause) or
// with an unknown one (errors.ErrUnknownDestination).
//
// Evaluate returns the union of the destinations of all matching clauses,
// ordered by first appearance. The Engine holds the active RuleSet behind an
// atomic pointer; Swap installs a new version without blocking evaluations.
package rule
