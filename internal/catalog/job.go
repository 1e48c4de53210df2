// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/playground/internal/provider"
	"github.com/jeranaias/playground/internal/util"
)

// =============================================================================
// PULL STATUS
// =============================================================================

// PullStatus is the lifecycle state of a model download.
type PullStatus string

const (
	StatusPending     PullStatus = "pending"
	StatusDownloading PullStatus = "downloading"
	StatusVerifying   PullStatus = "verifying"
	StatusComplete    PullStatus = "complete"
	StatusFailed      PullStatus = "failed"
)

// ErrPullCanceled is recorded on a job stopped with Cancel.
var ErrPullCanceled = errors.New("pull canceled")

func (s PullStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDownloading:
		return 1
	case StatusVerifying:
		return 2
	case StatusComplete, StatusFailed:
		return 3
	}
	return -1
}

// Terminal reports whether no further transitions are possible.
func (s PullStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// updatesBuffer bounds the Updates channel. A consumer that falls behind
// loses the oldest events, never the newest.
const updatesBuffer = 16

// =============================================================================
// PULL JOB
// =============================================================================

// PullJob tracks one model download. All methods are safe for concurrent
// use.
type PullJob struct {
	ID       string
	Provider provider.Kind
	Model    string

	mu         sync.RWMutex
	status     PullStatus
	message    string
	completed  int64
	total      int64
	err        error
	startedAt  time.Time
	finishedAt time.Time

	updates chan provider.PullProgress
	done    chan struct{}
	cancel  context.CancelFunc
}

func newPullJob(kind provider.Kind, model string, cancel context.CancelFunc) *PullJob {
	return &PullJob{
		ID:        uuid.New().String(),
		Provider:  kind,
		Model:     model,
		status:    StatusPending,
		startedAt: time.Now(),
		updates:   make(chan provider.PullProgress, updatesBuffer),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
}

// JobSnapshot is a point-in-time copy of a PullJob.
type JobSnapshot struct {
	ID         string        `json:"id"`
	Provider   provider.Kind `json:"provider"`
	Model      string        `json:"model"`
	Status     PullStatus    `json:"status"`
	Message    string        `json:"message,omitempty"`
	Completed  int64         `json:"completed"`
	Total      int64         `json:"total"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
}

// Percent returns download progress in [0, 100].
func (s JobSnapshot) Percent() float64 {
	if s.Total <= 0 {
		if s.Status == StatusComplete {
			return 100
		}
		return 0
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

// Summary returns a one-line description such as
// "llama3.2 downloading 1.2 GB / 2.0 GB (60%)".
func (s JobSnapshot) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", s.Model, s.Status)
	if s.Total > 0 {
		fmt.Fprintf(&b, " %s / %s (%.0f%%)", util.FormatBytes(s.Completed), util.FormatBytes(s.Total), s.Percent())
	}
	if s.Error != "" {
		b.WriteString(": " + s.Error)
	}
	return b.String()
}

// Snapshot returns the job's current state.
func (j *PullJob) Snapshot() JobSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	s := JobSnapshot{
		ID:         j.ID,
		Provider:   j.Provider,
		Model:      j.Model,
		Status:     j.status,
		Message:    j.message,
		Completed:  j.completed,
		Total:      j.total,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

// Status returns the current lifecycle state.
func (j *PullJob) Status() PullStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Err returns the failure cause once the job has failed.
func (j *PullJob) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// Updates delivers progress events and is closed when the job ends.
func (j *PullJob) Updates() <-chan provider.PullProgress {
	return j.updates
}

// Done is closed when the job reaches a terminal state.
func (j *PullJob) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job ends or ctx is done. It returns the job's
// failure, or nil on completion.
func (j *PullJob) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the download. It returns false if the job already ended.
func (j *PullJob) Cancel() bool {
	j.mu.RLock()
	terminal := j.status.Terminal()
	j.mu.RUnlock()
	if terminal {
		return false
	}
	j.cancel()
	return true
}

// advance moves to status if that is a step forward (lock held).
func (j *PullJob) advance(status PullStatus) {
	if status.rank() > j.status.rank() {
		j.status = status
	}
}

// apply records one progress event and forwards it to Updates.
func (j *PullJob) apply(ev provider.PullProgress) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	if ev.Status != "" {
		j.message = ev.Status
	}
	if ev.Total > j.total {
		j.total = ev.Total
	}
	completed := min(ev.Completed, j.total)
	if completed > j.completed {
		j.completed = completed
	}

	switch {
	case isVerifying(ev.Status):
		j.advance(StatusVerifying)
	case j.completed > 0:
		j.advance(StatusDownloading)
	}

	out := provider.PullProgress{Status: ev.Status, Completed: j.completed, Total: j.total, Done: ev.Done}
	j.mu.Unlock()

	j.publish(out)
}

// publish sends without blocking, dropping the oldest queued event when
// the buffer is full. Only the job's runner goroutine calls it.
func (j *PullJob) publish(ev provider.PullProgress) {
	select {
	case j.updates <- ev:
		return
	default:
	}
	select {
	case <-j.updates:
	default:
	}
	select {
	case j.updates <- ev:
	default:
	}
}

// finish moves the job to its terminal state and closes its channels.
func (j *PullJob) finish(err error) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	j.finishedAt = time.Now()
	if err != nil {
		j.err = err
		j.status = StatusFailed
	} else {
		j.status = StatusComplete
		j.completed = j.total
		j.message = "success"
	}
	j.mu.Unlock()

	close(j.updates)
	close(j.done)
	j.cancel()
}

func isVerifying(status string) bool {
	s := strings.ToLower(status)
	return strings.HasPrefix(s, "verifying") || strings.HasPrefix(s, "writing manifest") || strings.HasPrefix(s, "removing")
}
