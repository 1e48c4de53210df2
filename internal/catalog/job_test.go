// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"errors"
	"testing"

	"github.com/jeranaias/playground/internal/provider"
)

func newTestJob() *PullJob {
	return newPullJob(provider.KindLocal, "llama3.2", func() {})
}

func TestNewPullJob(t *testing.T) {
	job := newTestJob()
	if job.ID == "" {
		t.Error("job ID should not be empty")
	}
	if job.Status() != StatusPending {
		t.Errorf("expected status pending, got %s", job.Status())
	}
}

func TestPullJob_StatusOnlyMovesForward(t *testing.T) {
	job := newTestJob()

	job.apply(provider.PullProgress{Status: "pulling aaa", Completed: 10, Total: 100})
	if job.Status() != StatusDownloading {
		t.Fatalf("expected downloading, got %s", job.Status())
	}

	job.apply(provider.PullProgress{Status: "verifying sha256 digest", Completed: 100, Total: 100})
	if job.Status() != StatusVerifying {
		t.Fatalf("expected verifying, got %s", job.Status())
	}

	job.apply(provider.PullProgress{Status: "pulling bbb", Completed: 100, Total: 100})
	if job.Status() != StatusVerifying {
		t.Errorf("status moved backwards to %s", job.Status())
	}
}

func TestPullJob_ClampsProgress(t *testing.T) {
	job := newTestJob()

	job.apply(provider.PullProgress{Completed: 150, Total: 100})
	snap := job.Snapshot()
	if snap.Completed != 100 {
		t.Errorf("expected completed clamped to 100, got %d", snap.Completed)
	}

	job.apply(provider.PullProgress{Completed: 20, Total: 100})
	if got := job.Snapshot().Completed; got != 100 {
		t.Errorf("completed went backwards to %d", got)
	}
}

func TestPullJob_FinishIsTerminal(t *testing.T) {
	job := newTestJob()
	job.apply(provider.PullProgress{Completed: 50, Total: 100})
	job.finish(nil)

	if job.Status() != StatusComplete {
		t.Fatalf("expected complete, got %s", job.Status())
	}
	if got := job.Snapshot().Completed; got != 100 {
		t.Errorf("expected completed == total on success, got %d", got)
	}

	job.finish(errors.New("late failure"))
	if job.Status() != StatusComplete || job.Err() != nil {
		t.Error("finish after a terminal state must be ignored")
	}
	job.apply(provider.PullProgress{Status: "pulling", Completed: 1, Total: 1000})
	if got := job.Snapshot().Total; got != 100 {
		t.Errorf("apply after finish changed total to %d", got)
	}
}

func TestPullJob_UpdatesKeepNewest(t *testing.T) {
	job := newTestJob()
	for i := int64(1); i <= updatesBuffer+10; i++ {
		job.apply(provider.PullProgress{Completed: i, Total: 1000})
	}
	job.finish(nil)

	var got []int64
	for ev := range job.Updates() {
		got = append(got, ev.Completed)
	}
	if len(got) != updatesBuffer {
		t.Fatalf("expected %d buffered events, got %d", updatesBuffer, len(got))
	}
	if last := got[len(got)-1]; last != updatesBuffer+10 {
		t.Errorf("expected newest event %d to survive, got %d", updatesBuffer+10, last)
	}
}

func TestJobSnapshot_Summary(t *testing.T) {
	s := JobSnapshot{Model: "llama3.2", Status: StatusDownloading, Completed: 512, Total: 1024}
	if got, want := s.Summary(), "llama3.2 downloading 512 B / 1.0 KB (50%)"; got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}
