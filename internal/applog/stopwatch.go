package applog

import "time"

// Stopwatch records named time points relative to its creation, the way the
// original APSI tools/stopwatch.h does, and logs elapsed durations through
// the package logger. Used by the SenderDB cache rebuild and the dispatcher
// to report phase timings without littering call sites with time.Since.
type Stopwatch struct {
	start  time.Time
	points []timePoint
}

type timePoint struct {
	at      time.Time
	message string
}

// NewStopwatch starts a new stopwatch.
func NewStopwatch() *Stopwatch {
	return &Stopwatch{start: time.Now()}
}

// Mark records a named time point.
func (s *Stopwatch) Mark(message string) {
	s.points = append(s.points, timePoint{at: time.Now(), message: message})
}

// Elapsed returns the duration since the stopwatch was created.
func (s *Stopwatch) Elapsed() time.Duration {
	return time.Since(s.start)
}

// LogPhases logs every recorded time point as an elapsed duration from the
// previous mark (or from start, for the first), under the given label.
func (s *Stopwatch) LogPhases(label string) {
	prev := s.start
	for _, p := range s.points {
		Debug("%s: %s took %v", label, p.message, p.at.Sub(prev))
		prev = p.at
	}
	Debug("%s: total %v", label, time.Since(s.start))
}
