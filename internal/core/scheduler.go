package core

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultSweepCron  = "* * * * *"
	defaultSweepLimit = 50
	sweepEntryKey     = "sweep"
)

// SchedulerConfig controls the cron entries of a Scheduler.
type SchedulerConfig struct {
	// SweepCron is how often due routines are collected.
	SweepCron  string
	SweepLimit int
	// BrainSchedules maps user ids to the cron expression of their Brain cycle.
	BrainSchedules map[string]string
	Location       *time.Location
}

// Scheduler drives routine sweeps and Brain cycles off cron, and
// single-flights manual triggers against them.
type Scheduler struct {
	routines  RoutineStore
	routineD  *RoutineDispatcher
	taskD     *TaskDispatcher
	brain     *BrainLoop
	logger    *slog.Logger
	location  *time.Location
	cfg       SchedulerConfig
	cron      *cron.Cron
	entryMu   sync.RWMutex
	entries   map[string]cron.EntryID
	running   sync.Map // "routine:<id>" | "task:<id>" | "brain:<user>" -> struct{}{}
	inflight  sync.WaitGroup
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewScheduler constructs a scheduler. brain may be nil when no Brain is configured.
func NewScheduler(routines RoutineStore, routineD *RoutineDispatcher, taskD *TaskDispatcher, brain *BrainLoop, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	if cfg.SweepCron == "" {
		cfg.SweepCron = defaultSweepCron
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = defaultSweepLimit
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Scheduler{
		routines: routines,
		routineD: routineD,
		taskD:    taskD,
		brain:    brain,
		logger:   logger,
		location: location,
		cfg:      cfg,
		cron:     c,
		entries:  make(map[string]cron.EntryID),
	}
}

// Start registers the sweep and Brain entries and begins the cron loop.
// ctx is used for every background run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.ctxCancel = context.WithCancel(ctx)
	schedule, err := ParseCron(s.cfg.SweepCron)
	if err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}
	s.setEntryID(sweepEntryKey, s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.Sweep(s.ctxOrBackground())
	})))
	for userID, expr := range s.cfg.BrainSchedules {
		if err := s.SetBrainSchedule(userID, expr); err != nil {
			return fmt.Errorf("brain schedule for %s: %w", userID, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.inflight.Wait()
	if s.ctxCancel != nil {
		s.ctxCancel()
	}
}

// SetBrainSchedule adds or replaces the Brain entry for userID. An empty
// expression removes it.
func (s *Scheduler) SetBrainSchedule(userID, expr string) error {
	key := "brain:" + userID
	if expr == "" || s.brain == nil {
		s.unschedule(key)
		return nil
	}
	schedule, err := ParseCron(expr)
	if err != nil {
		return err
	}
	s.unschedule(key)
	s.setEntryID(key, s.cron.Schedule(schedule, cron.FuncJob(func() {
		if err := s.RunBrainNow(s.ctxOrBackground(), userID); err != nil {
			s.logger.Info("skipping brain cycle", "user_id", userID, "err", err)
		}
	})))
	return nil
}

// NextBrainRun returns when userID's Brain cycle fires next.
func (s *Scheduler) NextBrainRun(userID string) (time.Time, bool) {
	id, ok := s.getEntryID("brain:" + userID)
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Sweep launches every due routine that is not already running and returns
// how many were started.
func (s *Scheduler) Sweep(ctx context.Context) int {
	due, err := s.routines.ListDueRoutines(ctx, time.Now().UTC(), s.cfg.SweepLimit)
	if err != nil {
		s.logger.Error("list due routines", "err", err)
		return 0
	}
	started := 0
	for _, routine := range due {
		if _, err := s.RunRoutineNow(ctx, routine.UserID, routine.ID, TriggerSchedule); err != nil {
			s.logger.Info("skipping due routine", "routine_id", routine.ID, "err", err)
			continue
		}
		started++
	}
	return started
}

// RunRoutineNow checks preconditions synchronously, returns the created
// execution and finishes the run in the background.
func (s *Scheduler) RunRoutineNow(ctx context.Context, userID string, routineID int64, trigger Trigger) (*Execution, error) {
	key := "routine:" + strconv.FormatInt(routineID, 10)
	if !s.markRunning(key) {
		return nil, fmt.Errorf("routine %d: %w", routineID, ErrAlreadyRunning)
	}
	run, err := s.routineD.Begin(ctx, RoutineRequest{UserID: userID, RoutineID: routineID, Trigger: trigger})
	if err != nil {
		s.clearRunning(key)
		return nil, err
	}
	s.launch(key, func(ctx context.Context) {
		res := run.Complete(ctx)
		s.logger.Info("routine run finished", "routine_id", routineID, "execution_id", res.Execution.ID, "success", res.Succeeded())
	})
	return run.Execution, nil
}

// DispatchTaskNow moves an approved task to in_progress synchronously,
// returns the created execution and finishes the run in the background.
func (s *Scheduler) DispatchTaskNow(ctx context.Context, req TaskRequest) (*Execution, error) {
	key := "task:" + strconv.FormatInt(req.TaskID, 10)
	if !s.markRunning(key) {
		return nil, fmt.Errorf("task %d: %w", req.TaskID, ErrAlreadyRunning)
	}
	run, err := s.taskD.Begin(ctx, req)
	if err != nil {
		s.clearRunning(key)
		return nil, err
	}
	s.launch(key, func(ctx context.Context) {
		res := run.Complete(ctx)
		s.logger.Info("task run finished", "task_id", req.TaskID, "execution_id", res.Execution.ID, "success", res.Succeeded())
	})
	return run.Execution, nil
}

// RunBrainNow starts a Brain cycle for userID in the background.
func (s *Scheduler) RunBrainNow(_ context.Context, userID string) error {
	if s.brain == nil {
		return fmt.Errorf("brain is not configured: %w", ErrNotFound)
	}
	key := "brain:" + userID
	if !s.markRunning(key) {
		return fmt.Errorf("brain cycle for %s: %w", userID, ErrAlreadyRunning)
	}
	s.launch(key, func(ctx context.Context) {
		res := s.brain.RunCycle(ctx, userID)
		s.logger.Info("brain cycle finished", "user_id", userID, "success", res.Success, "stage", res.Stage)
	})
	return nil
}

// IsRunning reports whether a run is in flight under key.
func (s *Scheduler) IsRunning(key string) bool {
	_, ok := s.running.Load(key)
	return ok
}

func (s *Scheduler) launch(key string, fn func(ctx context.Context)) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.clearRunning(key)
		fn(s.ctxOrBackground())
	}()
}

func (s *Scheduler) markRunning(key string) bool {
	_, loaded := s.running.LoadOrStore(key, struct{}{})
	return !loaded
}

func (s *Scheduler) clearRunning(key string) {
	s.running.Delete(key)
}

func (s *Scheduler) setEntryID(key string, entryID cron.EntryID) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	s.entries[key] = entryID
}

func (s *Scheduler) getEntryID(key string) (cron.EntryID, bool) {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()
	id, ok := s.entries[key]
	return id, ok
}

func (s *Scheduler) unschedule(key string) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if entryID, ok := s.entries[key]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, key)
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
