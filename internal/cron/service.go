// Package cron runs persisted jobs on cron expressions or fixed intervals.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stellarlinkco/lovecare/internal/logging"
)

const stopTimeout = 5 * time.Second

// Handler executes a job and returns a short summary of what it did.
type Handler func(ctx context.Context, job Job) (string, error)

type Service struct {
	storePath string
	logger    *zap.Logger
	OnJob     Handler

	mu       sync.Mutex
	jobs     []Job
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	tick     time.Duration
}

func NewService(storePath string, logger *zap.Logger) *Service {
	return &Service{
		storePath: storePath,
		logger:    logging.OrNop(logger).Named("cron"),
		entryMap:  make(map[string]rcron.EntryID),
		tick:      time.Second,
	}
}

// Load reads persisted jobs. Start calls it when nothing is loaded yet.
func (s *Service) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	if s.jobs == nil {
		if err := s.load(); err != nil {
			s.logger.Warn("failed to load jobs", zap.Error(err))
		}
	}
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh

	clog := cronLogger{s.logger.Sugar()}
	s.cron = rcron.New(
		rcron.WithParser(parser),
		rcron.WithLogger(clog),
		rcron.WithChain(rcron.Recover(clog), rcron.SkipIfStillRunning(clog)),
	)
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == ScheduleCron {
			s.registerJob(&s.jobs[i])
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("started", zap.Int("jobs", count))

	go s.tickLoop(runCtx)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(job *Job) {
	jobID := job.ID
	id, err := s.cron.AddFunc(job.Schedule.Expr, func() {
		s.runByID(jobID)
	})
	if err != nil {
		s.logger.Error("failed to register job",
			zap.String("job", job.Name),
			zap.String("expr", job.Schedule.Expr),
			zap.Error(err),
		)
		return
	}
	s.entryMap[job.ID] = id
}

// unregisterJob must be called with s.mu held.
func (s *Service) unregisterJob(id string) {
	if entryID, ok := s.entryMap[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entryMap, id)
	}
}

func (s *Service) runByID(id string) {
	s.mu.Lock()
	ctx := s.runCtx
	var job *Job
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			j := s.jobs[i]
			job = &j
			break
		}
	}
	s.mu.Unlock()

	if job == nil || ctx == nil {
		return
	}
	s.executeJob(ctx, *job)
}

// RunJob executes a job immediately, outside its schedule.
func (s *Service) RunJob(ctx context.Context, id string) error {
	s.mu.Lock()
	var job *Job
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			j := s.jobs[i]
			job = &j
			break
		}
	}
	s.mu.Unlock()
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	return s.executeJob(ctx, *job)
}

func (s *Service) executeJob(ctx context.Context, job Job) error {
	log := s.logger.With(zap.String("job", job.Name), zap.String("kind", string(job.Payload.Kind)))

	if s.OnJob == nil {
		log.Warn("no job handler set")
		return nil
	}

	log.Debug("executing")
	result, err := s.OnJob(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAtMs = time.Now().UnixMilli()
		st.Runs++
		if err != nil {
			st.LastStatus = StatusError
			st.LastError = err.Error()
			log.Error("job failed", zap.Error(err))
		} else {
			st.LastStatus = StatusOK
			st.LastError = ""
			log.Info("job done", zap.String("result", truncate(result, 100)))
		}
		break
	}

	if serr := s.save(); serr != nil {
		log.Warn("failed to save jobs", zap.Error(serr))
	}
	return err
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, job := range s.dueIntervalJobs(time.Now()) {
				s.executeJob(ctx, job)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) dueIntervalJobs(now time.Time) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Job
	for _, job := range s.jobs {
		if !job.Enabled || job.Schedule.Kind != ScheduleEvery || job.Schedule.EveryMs <= 0 {
			continue
		}
		if !now.Before(job.Schedule.Next(now, job.State.LastRunAtMs)) {
			due = append(due, job)
		}
	}
	return due
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(stopTimeout):
			s.logger.Warn("stop timeout waiting for running jobs")
		}
	}
	s.logger.Info("stopped")
}

func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*Job, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)

	if job.Schedule.Kind == ScheduleCron && s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

// EnsureJob makes sure a job with the given name exists with the given
// schedule and payload, keeping its ID, enabled flag and run state.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) (*Job, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	for i := range s.jobs {
		job := &s.jobs[i]
		if job.Name != name {
			continue
		}
		if job.Schedule == schedule && job.Payload == payload {
			out := *job
			s.mu.Unlock()
			return &out, nil
		}
		s.unregisterJob(job.ID)
		job.Schedule = schedule
		job.Payload = payload
		if job.Enabled && schedule.Kind == ScheduleCron && s.cron != nil {
			s.registerJob(job)
		}
		out := *job
		err := s.save()
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("save jobs: %w", err)
		}
		s.logger.Info("job schedule updated", zap.String("job", name))
		return &out, nil
	}
	s.mu.Unlock()

	return s.AddJob(name, schedule, payload)
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			s.unregisterJob(id)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			if err := s.save(); err != nil {
				s.logger.Warn("failed to save jobs after remove", zap.String("job", id), zap.Error(err))
			}
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		s.jobs[i].Enabled = enabled
		if s.jobs[i].Schedule.Kind == ScheduleCron && s.cron != nil {
			if enabled {
				if _, ok := s.entryMap[id]; !ok {
					s.registerJob(&s.jobs[i])
				}
			} else {
				s.unregisterJob(id)
			}
		}
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("save jobs: %w", err)
		}
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("job %s not found", id)
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse %s: %w", s.storePath, err)
	}
	s.jobs = jobs
	return nil
}

func (s *Service) save() error {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.storePath)
}

// cronLogger routes robfig/cron's logging through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
