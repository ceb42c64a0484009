package eventsource

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"localcloud/internal/api"
	"localcloud/pkg/logging"
)

// minScheduleDelay floors the sleep between firings to avoid busy loops on
// degenerate expressions.
const minScheduleDelay = 100 * time.Millisecond

// cronParser accepts the five-field form after the cloud syntax is
// normalized (year field stripped, "?" rewritten to "*").
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a parsed schedule expression, either a fixed rate or a cron
// alignment.
type Schedule struct {
	expr     string
	interval time.Duration
	cron     cron.Schedule
}

// ParseSchedule accepts the two cloud expression forms:
// "rate(N unit)" with unit in minutes/hours/days (singular or plural,
// seconds tolerated for local development), and "cron(m h dom mon dow y)"
// whose six fields are mapped onto a standard five-field cron.
func ParseSchedule(expr string) (*Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(trimmed, "rate(") && strings.HasSuffix(trimmed, ")"):
		interval, err := parseRate(trimmed[len("rate(") : len(trimmed)-1])
		if err != nil {
			return nil, err
		}
		return &Schedule{expr: expr, interval: interval}, nil

	case strings.HasPrefix(trimmed, "cron(") && strings.HasSuffix(trimmed, ")"):
		sched, err := parseCron(trimmed[len("cron(") : len(trimmed)-1])
		if err != nil {
			return nil, err
		}
		return &Schedule{expr: expr, cron: sched}, nil

	default:
		return nil, api.NewValidation("", "unrecognized schedule expression %q", expr)
	}
}

func parseRate(body string) (time.Duration, error) {
	fields := strings.Fields(body)
	if len(fields) != 2 {
		return 0, api.NewValidation("", "rate expression needs a value and a unit, got %q", body)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, api.NewValidation("", "rate value must be a positive integer, got %q", fields[0])
	}
	var unit time.Duration
	switch strings.TrimSuffix(fields[1], "s") {
	case "second":
		unit = time.Second
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	default:
		return 0, api.NewValidation("", "unknown rate unit %q", fields[1])
	}
	return time.Duration(n) * unit, nil
}

func parseCron(body string) (cron.Schedule, error) {
	fields := strings.Fields(body)
	// The cloud form carries a sixth year field the parser has no slot
	// for; drop it.
	if len(fields) == 6 {
		fields = fields[:5]
	}
	if len(fields) != 5 {
		return nil, api.NewValidation("", "cron expression needs 5 or 6 fields, got %d", len(fields))
	}
	for i, f := range fields {
		if f == "?" {
			fields[i] = "*"
		}
	}
	sched, err := cronParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, api.NewValidation("", "invalid cron expression %q: %v", body, err)
	}
	return sched, nil
}

// Next returns the first fire time strictly after from.
func (s *Schedule) Next(from time.Time) time.Time {
	if s.cron != nil {
		return s.cron.Next(from)
	}
	return from.Add(s.interval)
}

// ScheduleCallback fires once per schedule tick.
type ScheduleCallback func(ctx context.Context, firedAt time.Time) error

type scheduleTask struct {
	name     string
	schedule *Schedule
	callback ScheduleCallback
}

// Runner owns one loop per enabled schedule rule.
type Runner struct {
	mu     sync.Mutex
	tasks  []scheduleTask
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner() *Runner {
	return &Runner{}
}

// Add registers a rule before Start.
func (r *Runner) Add(name, expr string, cb ScheduleCallback) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("schedule rule %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, scheduleTask{name: name, schedule: sched, callback: cb})
	return nil
}

// Start launches one task per registered rule.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for _, task := range r.tasks {
		task := task
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.run(loopCtx, task)
		}()
		logging.Info(pollerSubsystem, "schedule rule %s armed: %s", task.name, task.schedule.expr)
	}
}

// Stop cancels every task and waits for in-flight callbacks.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, task scheduleTask) {
	for {
		delay := time.Until(task.schedule.Next(time.Now()))
		if delay < minScheduleDelay {
			delay = minScheduleDelay
		}
		if !sleep(ctx, delay) {
			return
		}
		if err := task.callback(ctx, time.Now()); err != nil && ctx.Err() == nil {
			logging.Error(pollerSubsystem, err, "schedule rule %s callback failed", task.name)
		}
	}
}
