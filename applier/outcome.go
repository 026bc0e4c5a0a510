package applier

import "github.com/nanostore/blinkstore/xlog"

// OutcomeKind is the closed result set of Apply (spec §4.3 "Outcome ∈
// {Applied, Buffered, NotPermYet(...), Perm(...), StartupDone,
// LogReady, Ignore, Retry, fatal errors}"). Fatal errors are returned
// as a Go error instead of an OutcomeKind, matching §7's error
// taxonomy rather than overloading this enum.
type OutcomeKind int

const (
	Applied OutcomeKind = iota
	Buffered
	NotPermYet
	Perm
	StartupDone
	LogReady
	Ignore
	Retry
)

func (k OutcomeKind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case NotPermYet:
		return "not-perm-yet"
	case Perm:
		return "perm"
	case StartupDone:
		return "startup-done"
	case LogReady:
		return "log-ready"
	case Ignore:
		return "ignore"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Outcome is Apply's return value. LSN carries the payload the spec
// attaches to NotPermYet (highest_buffered_lsn) and Perm
// (newly_durable_lsn); it is zero and unused for every other Kind.
type Outcome struct {
	Kind OutcomeKind
	LSN  xlog.LSN
}
