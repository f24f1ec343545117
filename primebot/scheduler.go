package primebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// schedulerResolution is how often the scheduler wakes up. Clock jobs
// fire once per matching minute, heist resolution is checked on
// every tick.
var schedulerResolution = 5 * time.Second

const (
	jobBirthdayRewards     = "birthday_rewards"
	jobBirthdayPreview     = "birthday_preview"
	jobBirthdayRoleCleanup = "birthday_role_cleanup"
	jobHeistStart          = "heist_start"
	jobHeistResolve        = "heist_resolve"
	jobTwitchPoll          = "twitch_poll"
)

// scheduledJob runs whenever due returns true for the current minute
type scheduledJob struct {
	name string
	due  func(t time.Time) bool
	run  func(ctx context.Context)
}

func atClock(hour int, minute int) func(t time.Time) bool {
	return func(t time.Time) bool {
		return t.Hour() == hour && t.Minute() == minute
	}
}

func weeklyAt(day time.Weekday, hour int, minute int) func(t time.Time) bool {
	return func(t time.Time) bool {
		return t.Weekday() == day && t.Hour() == hour && t.Minute() == minute
	}
}

func hourly(t time.Time) bool {
	return t.Minute() == 0
}

// scheduledJobs are the clock-driven jobs, evaluated in the
// configured timezone
func (p *PrimeBot) scheduledJobs() []scheduledJob {
	return []scheduledJob{
		{name: jobBirthdayRewards, due: atClock(8, 0), run: p.runBirthdayRewards},
		{name: jobBirthdayPreview, due: weeklyAt(time.Monday, 8, 0), run: p.runBirthdayPreview},
		{name: jobBirthdayRoleCleanup, due: atClock(23, 59), run: p.runBirthdayRoleCleanup},
		{
			name: jobHeistStart,
			due:  hourly,
			run: func(ctx context.Context) {
				if err := p.startHeist(ctx); err != nil && !errors.Is(err, ErrHeistActive) {
					p.logger.WarnContext(ctx, "automatic heist not started", tint.Err(err))
				}
			},
		},
	}
}

// minuteOf truncates t to the minute, in t's location
func minuteOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

// scheduler runs the clock jobs and heist resolution until ctx is done.
// While paused, clock jobs are skipped, but an open heist is still
// resolved.
func (p *PrimeBot) scheduler(ctx context.Context) {
	jobs := p.scheduledJobs()
	ticker := time.NewTicker(schedulerResolution)
	defer ticker.Stop()

	var lastMinute time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := p.now().In(p.loc)

		if p.heist.Due() {
			p.goJob(ctx, jobHeistResolve, p.resolveHeist)
		}

		minute := minuteOf(now)
		if !minute.After(lastMinute) {
			continue
		}
		lastMinute = minute

		if p.paused.Load() {
			continue
		}
		for _, job := range jobs {
			if job.due(minute) {
				p.goJob(ctx, job.name, job.run)
			}
		}
	}
}

// goJob runs the job in a goroutine tracked by runtimeWG
func (p *PrimeBot) goJob(ctx context.Context, name string, fn func(ctx context.Context)) {
	p.runtimeWG.Add(1)
	go func() {
		defer p.runtimeWG.Done()
		p.runJob(ctx, name, fn)
	}()
}

// jobGuard prevents a job from running concurrently with itself
type jobGuard struct {
	mu      sync.Mutex
	running map[string]*atomic.Bool
}

func (g *jobGuard) flag(name string) *atomic.Bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = map[string]*atomic.Bool{}
	}
	f, ok := g.running[name]
	if !ok {
		f = &atomic.Bool{}
		g.running[name] = f
	}
	return f
}

// runJob runs fn, unless a previous run of the same job is still in
// progress. Panics are logged and reported to the log channel.
func (p *PrimeBot) runJob(ctx context.Context, name string, fn func(ctx context.Context)) {
	running := p.jobs.flag(name)
	if !running.CompareAndSwap(false, true) {
		p.logger.WarnContext(ctx, "job still running, skipping", "job", name)
		return
	}
	defer running.Store(false)
	defer func() {
		if rc := recover(); rc != nil {
			p.logger.ErrorContext(
				ctx,
				"recovered from panic in job",
				"job", name,
				"panic_arg", rc,
				"stack_trace", string(debug.Stack()),
			)
			p.channelLog.Error(ctx, fmt.Sprintf("Fehler im Job %s: %v", name, rc))
		}
	}()

	start := p.now()
	p.logger.DebugContext(ctx, "running job", "job", name)
	fn(ctx)
	p.logger.DebugContext(ctx, "job finished", "job", name, "elapsed", p.now().Sub(start))
}
