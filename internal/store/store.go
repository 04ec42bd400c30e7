// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package store holds the current capacity snapshot and collection status.
package store

import (
	"sync"
	"time"

	"github.com/platformbuilds/pmaxcap/internal/capacity"
)

// State is the externally visible collection state.
type State string

const (
	StateIdle       State = "idle"
	StateInProgress State = "in_progress"
)

// Status is a copy of the collection status.
type Status struct {
	State              State      `json:"state"`
	InProgress         bool       `json:"collection_in_progress"`
	LastCollectionTime *time.Time `json:"last_collection_time"`
	LastError          string     `json:"error,omitempty"`
	HasData            bool       `json:"has_data"`
	ArrayID            string     `json:"array_id"`
}

// Store is the single current view of the array. Writers are expected to be
// serialized by the caller; readers may run concurrently with them and
// always see either the previous or the next snapshot in full.
type Store struct {
	arrayID string

	mu         sync.RWMutex
	snapshot   *capacity.Snapshot
	inProgress bool
	lastRun    time.Time
	lastErr    string
}

func New(arrayID string) *Store {
	return &Store{arrayID: arrayID}
}

// Begin marks a collection as in progress.
func (s *Store) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inProgress = true
}

// Complete replaces the snapshot and clears the last error.
func (s *Store) Complete(snap *capacity.Snapshot, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snap
	s.lastRun = at
	s.lastErr = ""
	s.inProgress = false
}

// Fail records err and keeps the previous snapshot.
func (s *Store) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err.Error()
	s.inProgress = false
}

// Snapshot returns the current snapshot, or capacity.ErrNoData before the
// first successful collection. The snapshot must not be modified.
func (s *Store) Snapshot() (*capacity.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil, capacity.ErrNoData
	}
	return s.snapshot, nil
}

func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		State:      StateIdle,
		InProgress: s.inProgress,
		LastError:  s.lastErr,
		HasData:    s.snapshot != nil,
		ArrayID:    s.arrayID,
	}
	if s.inProgress {
		st.State = StateInProgress
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastCollectionTime = &t
	}
	return st
}
