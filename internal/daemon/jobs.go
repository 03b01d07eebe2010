package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/metrics"
	"github.com/matheus3301/msgsync/internal/outbox"
	"github.com/matheus3301/msgsync/internal/status"
	intsync "github.com/matheus3301/msgsync/internal/sync"
	"go.uber.org/zap"
)

const (
	gaugeInterval = 15 * time.Second
	// A retriable failure parks a conversation until the next reconnect;
	// the redrive job retries it while the channel stays up.
	redriveInterval = time.Minute
)

// gocronLogger adapts zap to gocron.Logger.
type gocronLogger struct {
	s *zap.SugaredLogger
}

func (l gocronLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l gocronLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
func (l gocronLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l gocronLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }

// Jobs runs the daemon's periodic maintenance.
type Jobs struct {
	scheduler gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc

	engine  *intsync.Engine
	outbox  *outbox.Scheduler
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewJobs registers the pending-buffer sweep, the gauge refresh and the
// redrive of parked conversations. Nothing runs until Start.
func NewJobs(p Params, engine *intsync.Engine, sched *outbox.Scheduler, m *status.Machine, b *bus.Bus, logger *zap.Logger) (*Jobs, error) {
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(gocronLogger{s: logger.Named("cron").Sugar()}),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &Jobs{
		scheduler: s,
		ctx:       ctx,
		cancel:    cancel,
		engine:    engine,
		outbox:    sched,
		machine:   m,
		bus:       b,
		logger:    logger,
	}

	jobs := []struct {
		name  string
		every time.Duration
		fn    func()
	}{
		{"sweep-pending-events", p.Config.Sync.SweepInterval, j.sweep},
		{"refresh-gauges", gaugeInterval, j.refreshGauges},
		{"redrive-queue", redriveInterval, j.redrive},
	}
	for _, def := range jobs {
		_, err := s.NewJob(
			gocron.DurationJob(def.every),
			gocron.NewTask(def.fn),
			gocron.WithName(def.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			_ = s.Shutdown()
			return nil, fmt.Errorf("schedule %s: %w", def.name, err)
		}
		logger.Debug("job scheduled", zap.String("name", def.name), zap.Duration("every", def.every))
	}
	return j, nil
}

func (j *Jobs) sweep() {
	j.engine.SweepPending(time.Now())
}

func (j *Jobs) refreshGauges() {
	j.outbox.RefreshDepth(j.ctx)
	metrics.BusDropped.Set(float64(j.bus.Dropped()))
}

func (j *Jobs) redrive() {
	if j.machine.Current() != status.Connected {
		return
	}
	if err := j.outbox.Online(j.ctx); err != nil && j.ctx.Err() == nil {
		j.logger.Warn("queue redrive failed", zap.Error(err))
	}
}

// Start begins running jobs.
func (j *Jobs) Start() error {
	j.scheduler.Start()
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (j *Jobs) Stop() error {
	j.cancel()
	if err := j.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
