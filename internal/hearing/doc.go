// Package hearing implements the decision pipeline at the heart of the
// custody core. Every request becomes one append-only hearing record that
// flows through five stages in fixed order: perception extracts typed facts
// from the raw intent, memory resolves the acting identity, risk evaluates
// veto rules, strategy selects an action plan, execution dispatches it. Each
// stage writes its own section of the record exactly once; the arena
// sequences the stages and always returns a terminal record.
package hearing
