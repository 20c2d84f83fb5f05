package errorhandler

import "strconv"

type limitKind uint8

const (
	limitUnset limitKind = iota
	limitBounded
	limitUnbounded
)

// RetryLimit caps recovery attempts. The zero value is unset and defers to
// configuration.
type RetryLimit struct {
	kind limitKind
	max  int
}

// Bounded allows at most n attempts. Negative n is treated as zero.
func Bounded(n int) RetryLimit {
	return RetryLimit{kind: limitBounded, max: max(n, 0)}
}

// Unbounded retries until the handler is stopped.
func Unbounded() RetryLimit {
	return RetryLimit{kind: limitUnbounded}
}

// LimitFromConfig maps a configured limit: zero means unbounded.
func LimitFromConfig(n int) RetryLimit {
	if n == 0 {
		return Unbounded()
	}
	return Bounded(n)
}

func (l RetryLimit) IsSet() bool       { return l.kind != limitUnset }
func (l RetryLimit) IsUnbounded() bool { return l.kind == limitUnbounded }

// Exhausted reports whether attempts have used up the limit.
func (l RetryLimit) Exhausted(attempts int) bool {
	return l.kind != limitUnbounded && attempts >= l.max
}

func (l RetryLimit) String() string {
	switch l.kind {
	case limitBounded:
		return strconv.Itoa(l.max)
	case limitUnbounded:
		return "unbounded"
	default:
		return "unset"
	}
}
