package job

import "time"

// PollLevel names one cadence of the worker loop's adaptive polling.
type PollLevel string

const (
	// PollLevelDefault is the steady-state cadence between claims.
	PollLevelDefault PollLevel = "default"
	// PollLevelBusy is the fast cadence used right after a job was claimed,
	// when more work is likely queued behind it.
	PollLevelBusy PollLevel = "busy"
	// PollLevelIdle is the slow cadence after a run of consecutive empty claims.
	PollLevelIdle PollLevel = "idle"
	// PollLevelError is the backoff cadence after a claim or processing error.
	PollLevelError PollLevel = "error"
)

// Default cadences. Tuned for a queue where a render takes tens of seconds:
// fast enough to drain bursts, slow enough to keep an idle farm quiet.
const (
	DefaultPollInterval      = 10 * time.Second
	DefaultBusyPollInterval  = 5 * time.Second
	DefaultIdlePollInterval  = 30 * time.Second
	DefaultErrorPollInterval = 60 * time.Second
	DefaultIdleThreshold     = 10
)

// PollScheduleOptions configure a PollSchedule. Zero values fall back to the
// package defaults.
type PollScheduleOptions struct {
	Default       time.Duration
	Busy          time.Duration
	Idle          time.Duration
	Error         time.Duration
	IdleThreshold int
}

// PollSchedule tracks the worker loop's polling cadence. It is a plain value
// type with no clock of its own: the loop reports what each iteration
// observed and reads back the interval to sleep. Not safe for concurrent
// use; each worker loop owns one.
type PollSchedule struct {
	defaultInterval time.Duration
	busyInterval    time.Duration
	idleInterval    time.Duration
	errorInterval   time.Duration
	idleThreshold   int

	level      PollLevel
	emptyPolls int
}

// NewPollSchedule constructs a PollSchedule starting at the default level.
func NewPollSchedule(opts PollScheduleOptions) *PollSchedule {
	s := &PollSchedule{
		defaultInterval: opts.Default,
		busyInterval:    opts.Busy,
		idleInterval:    opts.Idle,
		errorInterval:   opts.Error,
		idleThreshold:   opts.IdleThreshold,
		level:           PollLevelDefault,
	}
	if s.defaultInterval <= 0 {
		s.defaultInterval = DefaultPollInterval
	}
	if s.busyInterval <= 0 {
		s.busyInterval = DefaultBusyPollInterval
	}
	if s.idleInterval <= 0 {
		s.idleInterval = DefaultIdlePollInterval
	}
	if s.errorInterval <= 0 {
		s.errorInterval = DefaultErrorPollInterval
	}
	if s.idleThreshold <= 0 {
		s.idleThreshold = DefaultIdleThreshold
	}
	return s
}

// ObserveClaim records a successful claim: the empty run resets and the next
// poll comes quickly, since a non-empty queue usually holds more than one job.
func (s *PollSchedule) ObserveClaim() {
	s.emptyPolls = 0
	s.level = PollLevelBusy
}

// ObserveEmpty records a poll that found no eligible job. Once the run of
// empty claims exceeds the threshold the loop settles into the idle cadence.
func (s *PollSchedule) ObserveEmpty() {
	s.emptyPolls++
	if s.emptyPolls > s.idleThreshold {
		s.level = PollLevelIdle
	} else {
		s.level = PollLevelDefault
	}
}

// ObserveError records a claim or processing failure. The empty run is kept;
// a single recovered error should not restart the climb to idle.
func (s *PollSchedule) ObserveError() {
	s.level = PollLevelError
}

// Level returns the current cadence level.
func (s *PollSchedule) Level() PollLevel {
	return s.level
}

// Interval returns the sleep duration for the current level.
func (s *PollSchedule) Interval() time.Duration {
	switch s.level {
	case PollLevelBusy:
		return s.busyInterval
	case PollLevelIdle:
		return s.idleInterval
	case PollLevelError:
		return s.errorInterval
	default:
		return s.defaultInterval
	}
}

// EmptyPolls returns the current consecutive empty-claim count.
func (s *PollSchedule) EmptyPolls() int {
	return s.emptyPolls
}
