package cron

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/picoquote/pkg/fileutil"
	"github.com/sipeed/picoquote/pkg/logger"
)

// Payload kinds.
const (
	KindRandomQuote = "random_quote"
	KindMessage     = "message"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

type CronSchedule struct {
	Kind    string `json:"kind"`
	AtMS    *int64 `json:"atMs,omitempty"`
	EveryMS *int64 `json:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
}

type CronPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
	// Scope is the quote isolation key the job draws from.
	Scope string `json:"scope,omitempty"`
	// Author optionally limits random_quote jobs to one author.
	Author    string `json:"author,omitempty"`
	CreatedBy string `json:"createdBy,omitempty"`
}

type CronJobState struct {
	NextRunAtMS *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMS *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Enabled        bool         `json:"enabled"`
	Schedule       CronSchedule `json:"schedule"`
	Payload        CronPayload  `json:"payload"`
	State          CronJobState `json:"state"`
	CreatedAtMS    int64        `json:"createdAtMs"`
	UpdatedAtMS    int64        `json:"updatedAtMs"`
	DeleteAfterRun bool         `json:"deleteAfterRun"`
}

type CronStore struct {
	Version int       `json:"version"`
	Jobs    []CronJob `json:"jobs"`
}

type JobHandler func(job *CronJob) (string, error)

type CronService struct {
	storePath string
	store     *CronStore
	onJob     JobHandler
	mu        sync.RWMutex
	running   bool
	stopChan  chan struct{}
	nowFunc   func() time.Time
}

func NewCronService(storePath string, onJob JobHandler) *CronService {
	cs := &CronService{
		storePath: storePath,
		onJob:     onJob,
		stopChan:  make(chan struct{}),
		nowFunc:   time.Now,
	}
	if err := cs.loadStore(); err != nil {
		logger.WarnCF("cron", "Failed to load job store", map[string]interface{}{
			"path":  storePath,
			"error": err.Error(),
		})
	}
	return cs
}

func (cs *CronService) nowMS() int64 {
	return cs.nowFunc().UnixMilli()
}

func (cs *CronService) Start() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.running {
		return nil
	}

	if err := cs.loadStore(); err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}

	cs.recomputeNextRuns()
	if err := cs.saveStoreUnsafe(); err != nil {
		return fmt.Errorf("failed to save store: %w", err)
	}

	cs.running = true
	cs.stopChan = make(chan struct{})
	go cs.runLoop(cs.stopChan)

	logger.InfoCF("cron", "Cron service started", map[string]interface{}{
		"jobs": len(cs.store.Jobs),
	})
	return nil
}

func (cs *CronService) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.running {
		return
	}

	cs.running = false
	close(cs.stopChan)
}

func (cs *CronService) runLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cs.checkJobs()
		}
	}
}

func (cs *CronService) checkJobs() {
	cs.mu.Lock()

	if !cs.running {
		cs.mu.Unlock()
		return
	}

	now := cs.nowMS()
	var dueJobs []*CronJob

	// Copies are executed outside the lock.
	for i := range cs.store.Jobs {
		job := &cs.store.Jobs[i]
		if job.Enabled && job.State.NextRunAtMS != nil && *job.State.NextRunAtMS <= now {
			jobCopy := *job
			dueJobs = append(dueJobs, &jobCopy)
			// Cleared so a slow handler is not re-run on the next tick.
			job.State.NextRunAtMS = nil
		}
	}

	if len(dueJobs) > 0 {
		if err := cs.saveStoreUnsafe(); err != nil {
			logger.ErrorCF("cron", "Failed to save store", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	cs.mu.Unlock()

	for _, job := range dueJobs {
		cs.executeJob(job)
	}
}

func (cs *CronService) executeJob(job *CronJob) {
	startTime := cs.nowMS()

	cs.mu.RLock()
	handler := cs.onJob
	cs.mu.RUnlock()

	var err error
	if handler != nil {
		_, err = handler(job)
	}

	if err != nil {
		logger.WarnCF("cron", "Job failed", map[string]interface{}{
			"job":   job.ID,
			"name":  job.Name,
			"error": err.Error(),
		})
	} else {
		logger.DebugCF("cron", "Job finished", map[string]interface{}{
			"job":  job.ID,
			"name": job.Name,
		})
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	for i := range cs.store.Jobs {
		if cs.store.Jobs[i].ID != job.ID {
			continue
		}
		stored := &cs.store.Jobs[i]
		stored.State.LastRunAtMS = &startTime
		stored.UpdatedAtMS = cs.nowMS()

		if err != nil {
			stored.State.LastStatus = "error"
			stored.State.LastError = err.Error()
		} else {
			stored.State.LastStatus = "ok"
			stored.State.LastError = ""
		}

		if stored.Schedule.Kind == "at" {
			if stored.DeleteAfterRun {
				cs.removeJobUnsafe(job.ID)
				return
			}
			stored.Enabled = false
			stored.State.NextRunAtMS = nil
		} else if stored.Enabled {
			stored.State.NextRunAtMS = cs.computeNextRun(&stored.Schedule, cs.nowMS())
		}
		break
	}

	if err := cs.saveStoreUnsafe(); err != nil {
		logger.ErrorCF("cron", "Failed to save store", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (cs *CronService) computeNextRun(schedule *CronSchedule, nowMS int64) *int64 {
	switch schedule.Kind {
	case "at":
		if schedule.AtMS != nil && *schedule.AtMS > nowMS {
			return schedule.AtMS
		}
		return nil

	case "every":
		if schedule.EveryMS == nil || *schedule.EveryMS <= 0 {
			return nil
		}
		next := nowMS + *schedule.EveryMS
		return &next

	case "cron":
		if schedule.Expr == "" {
			return nil
		}

		now := time.UnixMilli(nowMS)
		if schedule.TZ != "" {
			if loc, err := time.LoadLocation(schedule.TZ); err == nil {
				now = now.In(loc)
			}
		}
		nextTime, err := gronx.NextTickAfter(schedule.Expr, now, false)
		if err != nil {
			logger.WarnCF("cron", "Failed to compute next run", map[string]interface{}{
				"expr":  schedule.Expr,
				"error": err.Error(),
			})
			return nil
		}

		nextMS := nextTime.UnixMilli()
		return &nextMS
	}

	return nil
}

func (cs *CronService) recomputeNextRuns() {
	now := cs.nowMS()
	for i := range cs.store.Jobs {
		job := &cs.store.Jobs[i]
		if job.Enabled {
			job.State.NextRunAtMS = cs.computeNextRun(&job.Schedule, now)
		}
	}
}

func (cs *CronService) getNextWakeMS() *int64 {
	var nextWake *int64
	for _, job := range cs.store.Jobs {
		if job.Enabled && job.State.NextRunAtMS != nil {
			if nextWake == nil || *job.State.NextRunAtMS < *nextWake {
				v := *job.State.NextRunAtMS
				nextWake = &v
			}
		}
	}
	return nextWake
}

func (cs *CronService) Load() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.loadStore()
}

func (cs *CronService) SetOnJob(handler JobHandler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.onJob = handler
}

func (cs *CronService) loadStore() error {
	cs.store = &CronStore{
		Version: 1,
		Jobs:    []CronJob{},
	}

	data, err := os.ReadFile(cs.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := json.Unmarshal(data, cs.store); err != nil {
		cs.store = &CronStore{Version: 1, Jobs: []CronJob{}}
		return fmt.Errorf("parse %s: %w", cs.storePath, err)
	}
	return nil
}

func (cs *CronService) saveStoreUnsafe() error {
	if err := os.MkdirAll(filepath.Dir(cs.storePath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cs.store, "", "  ")
	if err != nil {
		return err
	}

	return fileutil.WriteFileAtomic(cs.storePath, data, 0644)
}

func (cs *CronService) AddJob(name string, schedule CronSchedule, payload CronPayload) (*CronJob, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	if payload.Kind == "" {
		payload.Kind = KindRandomQuote
	}
	if payload.Kind != KindRandomQuote && payload.Kind != KindMessage {
		return nil, fmt.Errorf("unknown payload kind %q", payload.Kind)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := cs.nowMS()

	job := CronJob{
		ID:       generateID(),
		Name:     name,
		Enabled:  true,
		Schedule: schedule,
		Payload:  payload,
		State: CronJobState{
			NextRunAtMS: cs.computeNextRun(&schedule, now),
		},
		CreatedAtMS: now,
		UpdatedAtMS: now,
		// One-shot jobs clean up after themselves.
		DeleteAfterRun: schedule.Kind == "at",
	}

	cs.store.Jobs = append(cs.store.Jobs, job)
	if err := cs.saveStoreUnsafe(); err != nil {
		cs.store.Jobs = cs.store.Jobs[:len(cs.store.Jobs)-1]
		return nil, err
	}

	return &job, nil
}

func (cs *CronService) RemoveJob(jobID string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return cs.removeJobUnsafe(jobID)
}

func (cs *CronService) removeJobUnsafe(jobID string) bool {
	before := len(cs.store.Jobs)
	jobs := make([]CronJob, 0, before)
	for _, job := range cs.store.Jobs {
		if job.ID != jobID {
			jobs = append(jobs, job)
		}
	}
	cs.store.Jobs = jobs
	removed := len(cs.store.Jobs) < before

	if removed {
		if err := cs.saveStoreUnsafe(); err != nil {
			logger.ErrorCF("cron", "Failed to save store after remove", map[string]interface{}{
				"job":   jobID,
				"error": err.Error(),
			})
		}
	}

	return removed
}

func (cs *CronService) EnableJob(jobID string, enabled bool) *CronJob {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for i := range cs.store.Jobs {
		job := &cs.store.Jobs[i]
		if job.ID == jobID {
			job.Enabled = enabled
			job.UpdatedAtMS = cs.nowMS()

			if enabled {
				job.State.NextRunAtMS = cs.computeNextRun(&job.Schedule, cs.nowMS())
			} else {
				job.State.NextRunAtMS = nil
			}

			if err := cs.saveStoreUnsafe(); err != nil {
				logger.ErrorCF("cron", "Failed to save store after enable", map[string]interface{}{
					"job":   jobID,
					"error": err.Error(),
				})
			}
			cp := *job
			return &cp
		}
	}

	return nil
}

func (cs *CronService) GetJob(jobID string) (CronJob, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	for _, job := range cs.store.Jobs {
		if job.ID == jobID {
			return job, true
		}
	}
	return CronJob{}, false
}

func (cs *CronService) ListJobs(includeDisabled bool) []CronJob {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	jobs := make([]CronJob, 0, len(cs.store.Jobs))
	for _, job := range cs.store.Jobs {
		if includeDisabled || job.Enabled {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// JobsFor returns the jobs that deliver into one chat.
func (cs *CronService) JobsFor(channel, to string) []CronJob {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	var jobs []CronJob
	for _, job := range cs.store.Jobs {
		if job.Payload.Channel == channel && job.Payload.To == to {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (cs *CronService) Status() map[string]interface{} {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	var enabledCount int
	for _, job := range cs.store.Jobs {
		if job.Enabled {
			enabledCount++
		}
	}

	return map[string]interface{}{
		"enabled":      cs.running,
		"jobs":         len(cs.store.Jobs),
		"enabledJobs":  enabledCount,
		"nextWakeAtMS": cs.getNextWakeMS(),
	}
}

func generateID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
