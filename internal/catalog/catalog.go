// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog caches the model lists of each provider and runs model
// downloads as background jobs.
//
// Model lists are immutable snapshots swapped atomically on refresh, so a
// reader sees either the old list or the new one. At most one download
// runs per provider.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/jeranaias/playground/internal/provider"
)

// refreshTimeout bounds the implicit refresh after a completed pull.
const refreshTimeout = 30 * time.Second

type snapshot map[provider.Kind][]provider.ModelInfo

// Catalog holds model snapshots and pull jobs for all providers.
type Catalog struct {
	models atomic.Pointer[snapshot]

	mu     sync.Mutex
	active map[provider.Kind]*PullJob
	wg     sync.WaitGroup

	log logr.Logger
}

// New creates an empty catalog.
func New(log logr.Logger) *Catalog {
	c := &Catalog{
		active: make(map[provider.Kind]*PullJob),
		log:    log.WithName("catalog"),
	}
	c.models.Store(&snapshot{})
	return c
}

// =============================================================================
// MODEL LISTS
// =============================================================================

// Refresh re-queries p and replaces its cached list. On error the
// previous list is kept.
func (c *Catalog) Refresh(ctx context.Context, p provider.Client) ([]provider.ModelInfo, error) {
	models, err := p.ListModels(ctx)
	if err != nil {
		c.log.V(1).Info("refresh failed", "provider", p.Kind(), "error", err.Error())
		return nil, err
	}
	models = append([]provider.ModelInfo(nil), models...)
	c.store(p.Kind(), models)
	c.log.V(1).Info("refreshed", "provider", p.Kind(), "models", len(models))
	return append([]provider.ModelInfo(nil), models...), nil
}

func (c *Catalog) store(kind provider.Kind, models []provider.ModelInfo) {
	for {
		old := c.models.Load()
		next := maps.Clone(*old)
		if next == nil {
			next = snapshot{}
		}
		next[kind] = models
		if c.models.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Models returns the cached list for kind.
func (c *Catalog) Models(kind provider.Kind) []provider.ModelInfo {
	return append([]provider.ModelInfo(nil), (*c.models.Load())[kind]...)
}

// Loaded reports whether kind has been refreshed at least once.
func (c *Catalog) Loaded(kind provider.Kind) bool {
	_, ok := (*c.models.Load())[kind]
	return ok
}

// Has reports whether name is in the cached list for kind. A name without
// a tag matches ":latest".
func (c *Catalog) Has(kind provider.Kind, name string) bool {
	for _, m := range (*c.models.Load())[kind] {
		if provider.SameModel(m.Name, name) {
			return true
		}
	}
	return false
}

// Ensure returns the cached list for p, refreshing it first when it has
// never been loaded.
func (c *Catalog) Ensure(ctx context.Context, p provider.Client) ([]provider.ModelInfo, error) {
	if c.Loaded(p.Kind()) {
		return c.Models(p.Kind()), nil
	}
	return c.Refresh(ctx, p)
}

// =============================================================================
// PULL JOBS
// =============================================================================

// StartPull begins downloading name on p and returns the running job.
// The job is detached from ctx's cancellation; stop it with Cancel.
func (c *Catalog) StartPull(ctx context.Context, p provider.Client, name string) (*PullJob, error) {
	if !provider.SupportsPull(p) {
		return nil, fmt.Errorf("%w: %s models cannot be pulled", provider.ErrUnsupportedOperation, p.Name())
	}
	if err := provider.ValidateModelName(name); err != nil {
		return nil, err
	}
	if len(c.Models(p.Kind())) == 0 {
		if _, err := c.Refresh(ctx, p); err != nil {
			return nil, err
		}
	}
	if c.Has(p.Kind(), name) {
		return nil, fmt.Errorf("%w: %s", provider.ErrAlreadyInstalled, name)
	}

	c.mu.Lock()
	if job, ok := c.active[p.Kind()]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", provider.ErrPullInProgress, job.Model)
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := newPullJob(p.Kind(), name, cancel)
	c.active[p.Kind()] = job
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Info("pull.started", "provider", p.Kind(), "model", name, "job", job.ID)
	go c.run(jobCtx, p, job)
	return job, nil
}

func (c *Catalog) run(ctx context.Context, p provider.Client, job *PullJob) {
	defer c.wg.Done()

	var pullErr error
	for ev, err := range p.PullModel(ctx, job.Model) {
		if err != nil {
			pullErr = err
			break
		}
		job.apply(ev)
	}
	if pullErr != nil && ctx.Err() != nil {
		pullErr = fmt.Errorf("%w: %s", ErrPullCanceled, job.Model)
	}

	if pullErr == nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		if _, err := c.Refresh(rctx, p); err != nil {
			c.log.Info("refresh after pull failed", "provider", p.Kind(), "error", err.Error())
		}
		cancel()
	}

	c.mu.Lock()
	if c.active[job.Provider] == job {
		delete(c.active, job.Provider)
	}
	c.mu.Unlock()

	job.finish(pullErr)
	if pullErr != nil {
		c.log.Info("pull.failed", "provider", p.Kind(), "model", job.Model, "job", job.ID, "error", pullErr.Error())
		return
	}
	c.log.Info("pull.completed", "provider", p.Kind(), "model", job.Model, "job", job.ID)
}

// Active returns the running job for kind, or nil.
func (c *Catalog) Active(kind provider.Kind) *PullJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[kind]
}

// Close cancels running jobs and waits for them to end.
func (c *Catalog) Close() error {
	c.mu.Lock()
	jobs := make([]*PullJob, 0, len(c.active))
	for _, j := range c.active {
		jobs = append(jobs, j)
	}
	c.mu.Unlock()

	for _, j := range jobs {
		j.Cancel()
	}
	c.wg.Wait()
	return nil
}

// IsPullConflict reports whether err rejects a pull because of existing
// state rather than bad input.
func IsPullConflict(err error) bool {
	return errors.Is(err, provider.ErrAlreadyInstalled) || errors.Is(err, provider.ErrPullInProgress)
}
