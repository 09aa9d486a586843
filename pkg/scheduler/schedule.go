package scheduler

import "time"

// Schedule yields the next due time strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
	String() string
}

// Daily is due once a day at Hour:Minute wall-clock time in Location.
type Daily struct {
	Hour, Minute int
	Location     *time.Location // nil means time.Local
}

func (d Daily) Next(after time.Time) time.Time {
	t := after.In(location(d.Location))
	next := time.Date(t.Year(), t.Month(), t.Day(), d.Hour, d.Minute, 0, 0, t.Location())
	if !next.After(after) {
		next = time.Date(t.Year(), t.Month(), t.Day()+1, d.Hour, d.Minute, 0, 0, t.Location())
	}
	return next
}

func (d Daily) String() string {
	return "daily at " + time.Date(0, 1, 1, d.Hour, d.Minute, 0, 0, time.UTC).Format("15:04")
}

// Hourly is due once an hour at Minute past the hour in Location.
type Hourly struct {
	Minute   int
	Location *time.Location // nil means time.Local
}

func (h Hourly) Next(after time.Time) time.Time {
	t := after.In(location(h.Location))
	next := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), h.Minute, 0, 0, t.Location())
	// During a fall-back hour time.Date resolves to the first occurrence,
	// which can be more than an hour behind after.
	for !next.After(after) {
		next = next.Add(time.Hour)
	}
	return next
}

func (h Hourly) String() string {
	return "hourly at :" + time.Date(0, 1, 1, 0, h.Minute, 0, 0, time.UTC).Format("04")
}

// Every is due at a fixed interval after the previous run.
type Every struct {
	Interval time.Duration
}

func (e Every) Next(after time.Time) time.Time { return after.Add(e.Interval) }

func (e Every) String() string { return "every " + e.Interval.String() }

func location(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
