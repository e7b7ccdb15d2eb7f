// Package schedule recurrently starts workflows on a cron schedule, adapted
// from the teacher's internal/services/scheduler package: robfig/cron drives
// the ticking, a mutex-protected map tracks live entries, and each fire is
// wrapped with panic recovery so one bad handler never kills the process.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"

	"github.com/nuulab/workflowengine/internal/codec"
	"github.com/nuulab/workflowengine/internal/store"
	"github.com/nuulab/workflowengine/orchestrator"
)

// Schedule is a persisted recurring-start definition.
type Schedule struct {
	ID        string    `json:"id"`
	Klass     string    `json:"klass"`
	Arguments []any     `json:"arguments"`
	CronExpr  string    `json:"cron_expr"`
	Enabled   bool      `json:"enabled"`
	LastRun   time.Time `json:"last_run,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type entry struct {
	schedule Schedule
	entryID  cron.EntryID
}

// parser accepts an optional leading seconds field so schedules can fire
// more often than once a minute, which standard 5-field cron cannot express.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler starts workflows on a schedule.
type Scheduler struct {
	client  *orchestrator.Client
	store   store.Store
	key     string
	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]*entry
	running bool
}

// New returns a Scheduler that starts workflows through client, persisting
// schedule definitions under namespace.
func New(client *orchestrator.Client, s store.Store, namespace string) *Scheduler {
	return &Scheduler{
		client:  client,
		store:   s,
		key:     "goflow:schedules:" + namespace,
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]*entry),
	}
}

// Start begins ticking every registered schedule.
func (sch *Scheduler) Start() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.running {
		return
	}
	sch.cron.Start()
	sch.running = true
}

// Stop halts ticking and waits for any in-flight fire to finish.
func (sch *Scheduler) Stop() {
	sch.mu.Lock()
	if !sch.running {
		sch.mu.Unlock()
		return
	}
	sch.running = false
	sch.mu.Unlock()

	ctx := sch.cron.Stop()
	<-ctx.Done()
}

// Add registers a new recurring workflow start and persists it.
func (sch *Scheduler) Add(ctx context.Context, id, klass string, args []any, cronExpr string) error {
	if _, err := parser.Parse(cronExpr); err != nil {
		return fmt.Errorf("schedule: invalid cron expression %q: %w", cronExpr, err)
	}

	s := Schedule{
		ID:        id,
		Klass:     klass,
		Arguments: args,
		CronExpr:  cronExpr,
		Enabled:   true,
		CreatedAt: time.Now(),
	}

	if err := sch.persist(ctx, s); err != nil {
		return err
	}

	return sch.register(s)
}

// Remove stops and forgets a schedule.
func (sch *Scheduler) Remove(ctx context.Context, id string) error {
	sch.mu.Lock()
	e, ok := sch.entries[id]
	if ok {
		sch.cron.Remove(e.entryID)
		delete(sch.entries, id)
	}
	sch.mu.Unlock()

	return sch.store.HDel(ctx, sch.key, id)
}

// List returns every persisted schedule, registered or not.
func (sch *Scheduler) List(ctx context.Context) ([]Schedule, error) {
	raw, err := sch.store.HVals(ctx, sch.key)
	if err != nil {
		return nil, fmt.Errorf("schedule: list: %w", err)
	}
	out := make([]Schedule, 0, len(raw))
	for _, data := range raw {
		var s Schedule
		if err := codec.Decode(data, &s); err != nil {
			return nil, fmt.Errorf("schedule: decode: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// LoadAll reads every persisted schedule and registers it with cron. Call
// this once at process startup before Start.
func (sch *Scheduler) LoadAll(ctx context.Context) error {
	raw, err := sch.store.HVals(ctx, sch.key)
	if err != nil {
		return fmt.Errorf("schedule: load all: %w", err)
	}

	for _, data := range raw {
		var s Schedule
		if err := codec.Decode(data, &s); err != nil {
			log.Warn().Err(err).Msg("schedule: skipping undecodable schedule record")
			continue
		}
		if !s.Enabled {
			continue
		}
		if err := sch.register(s); err != nil {
			log.Error().Err(err).Str("schedule_id", s.ID).Msg("schedule: failed to register schedule on load")
		}
	}
	return nil
}

func (sch *Scheduler) register(s Schedule) error {
	entryID, err := sch.cron.AddFunc(s.CronExpr, func() { sch.fire(s) })
	if err != nil {
		return fmt.Errorf("schedule: register %s: %w", s.ID, err)
	}

	sch.mu.Lock()
	sch.entries[s.ID] = &entry{schedule: s, entryID: entryID}
	sch.mu.Unlock()
	return nil
}

func (sch *Scheduler) fire(s Schedule) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("schedule_id", s.ID).Str("panic", fmt.Sprintf("%v", r)).
				Msg("schedule: recovered from panic starting workflow")
		}
	}()

	ctx := context.Background()
	wf, err := sch.client.CreateWorkflow(ctx, s.Klass, s.Arguments...)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", s.ID).Str("klass", s.Klass).
			Msg("schedule: failed to create workflow")
		return
	}
	if err := sch.client.StartWorkflow(ctx, wf); err != nil {
		log.Error().Err(err).Str("schedule_id", s.ID).Str("workflow_id", wf.ID).
			Msg("schedule: failed to start workflow")
		return
	}

	s.LastRun = time.Now()
	if err := sch.persist(ctx, s); err != nil {
		log.Warn().Err(err).Str("schedule_id", s.ID).Msg("schedule: failed to persist last_run")
	}

	log.Info().Str("schedule_id", s.ID).Str("workflow_id", wf.ID).Msg("schedule: started workflow")
}

func (sch *Scheduler) persist(ctx context.Context, s Schedule) error {
	data, err := codec.Encode(s)
	if err != nil {
		return fmt.Errorf("schedule: encode: %w", err)
	}
	if err := sch.store.HSet(ctx, sch.key, s.ID, data); err != nil {
		return fmt.Errorf("schedule: persist: %w", err)
	}
	return nil
}
