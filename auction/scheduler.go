package auction

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Job is a scheduled action.
type Job func(ctx context.Context)

type scheduledJob struct {
	at   time.Time
	seq  int
	name string
	run  Job
}

// before orders jobs by time, then by the order they were added.
func (j scheduledJob) before(other scheduledJob) bool {
	if !j.at.Equal(other.at) {
		return j.at.Before(other.at)
	}
	return j.seq < other.seq
}

// Scheduler runs jobs one at a time on a single goroutine, each at or after its
// time. Jobs run in time order; jobs due at the same time run in the order
// they were added. A slow job delays the ones behind it.
type Scheduler struct {
	clock Clock

	mu   sync.Mutex
	jobs []scheduledJob
	seq  int

	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	started bool
	stopped sync.Once
}

func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{
		clock: clock,
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Add registers a job to run at the given time. Jobs may be added before or
// after Start.
func (s *Scheduler) Add(at time.Time, name string, run Job) {
	s.mu.Lock()
	job := scheduledJob{at: at, seq: s.seq, name: name, run: run}
	s.seq++
	idx := sort.Search(len(s.jobs), func(i int) bool { return job.before(s.jobs[i]) })
	s.jobs = append(s.jobs, scheduledJob{})
	copy(s.jobs[idx+1:], s.jobs[idx:])
	s.jobs[idx] = job
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of jobs that have not run yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start launches the control loop. Jobs receive ctx; cancelling it stops the
// loop like Shutdown does.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.loop(ctx)
}

// Shutdown stops the loop and waits for a running job to return. Jobs that
// have not run are dropped.
func (s *Scheduler) Shutdown() {
	s.stopped.Do(func() { close(s.quit) })

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	for {
		s.mu.Lock()
		if len(s.jobs) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			case <-ctx.Done():
				return
			}
		}

		next := s.jobs[0]
		wait := next.at.Sub(s.clock.Now())
		if wait <= 0 {
			s.jobs = s.jobs[1:]
			s.mu.Unlock()

			select {
			case <-s.quit:
				return
			case <-ctx.Done():
				return
			default:
			}
			s.runJob(ctx, next)
			continue
		}
		s.mu.Unlock()

		timer := s.clock.NewTimer(wait)
		select {
		case <-timer.C():
		case <-s.wake:
		case <-s.quit:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

func (s *Scheduler) runJob(ctx context.Context, job scheduledJob) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: Panic recovered in job %q: %v", job.name, r)
		}
	}()

	log.Printf("INFO: Running job %q scheduled at %s", job.name, job.at.Format(time.RFC3339))
	job.run(ctx)
}
