package clock

import "time"

// Clock is the only source of "now" for date comparisons.
type Clock interface {
	Now() time.Time
}

type System struct {
	loc *time.Location
}

// NewSystem returns a wall clock reporting time in loc. A nil loc means time.Local.
func NewSystem(loc *time.Location) *System {
	if loc == nil {
		loc = time.Local
	}
	return &System{loc: loc}
}

func (s *System) Now() time.Time {
	return time.Now().In(s.loc)
}

type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time {
	return f.T
}
