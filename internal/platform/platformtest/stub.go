// Package platformtest provides an in-memory platform.Gateway for tests.
package platformtest

import (
	"context"
	"sync"
	"time"

	"autosubmit/internal/platform"
	"autosubmit/internal/status"
)

// Stub is a scriptable gateway. Every remote job reports Report on its
// first poll. Set the *Err fields to inject failures.
type Stub struct {
	mu sync.Mutex

	name   string
	nextID int
	jobs   map[int][]string

	// Report is the status returned by Poll. Defaults to COMPLETED.
	Report status.Status
	// MissingMarkers lists jobs whose completion marker is absent.
	MissingMarkers map[string]bool
	Limits         platform.Capacity

	SubmitErr   error
	PollErr     error
	ConnErr     error
	CapacityErr error

	submissions [][]string
	logs        []string
	cancelled   []int
	reconnects  int
}

// NewStub creates a stub named name.
func NewStub(name string) *Stub {
	return &Stub{
		name:           name,
		jobs:           make(map[int][]string),
		Report:         status.Completed,
		MissingMarkers: make(map[string]bool),
	}
}

var _ platform.Gateway = (*Stub)(nil)

func (s *Stub) Name() string { return s.name }

func (s *Stub) Submit(_ context.Context, pkg *platform.Package) (platform.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SubmitErr != nil {
		return platform.Submission{}, s.SubmitErr
	}
	s.nextID++
	names := pkg.JobNames()
	s.jobs[s.nextID] = names
	s.submissions = append(s.submissions, names)
	return platform.Submission{RemoteID: s.nextID, Accepted: time.Now()}, nil
}

func (s *Stub) Poll(_ context.Context, remoteID int) (status.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PollErr != nil {
		return status.Unknown, s.PollErr
	}
	if _, ok := s.jobs[remoteID]; !ok {
		return status.Unknown, nil
	}
	return s.Report, nil
}

func (s *Stub) CompletionMarker(_ context.Context, jobName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConnErr != nil {
		return false, s.ConnErr
	}
	return !s.MissingMarkers[jobName], nil
}

func (s *Stub) FetchLogs(_ context.Context, jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, jobName)
	return nil
}

func (s *Stub) Cancel(_ context.Context, remoteID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, remoteID)
	return nil
}

func (s *Stub) TestConnectivity(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ConnErr
}

func (s *Stub) Capacity(context.Context) (platform.Capacity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CapacityErr != nil {
		return platform.Capacity{}, s.CapacityErr
	}
	return s.Limits, nil
}

func (s *Stub) Reconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	return s.ConnErr
}

// Set updates the stub under its lock.
func (s *Stub) Set(fn func(s *Stub)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Submissions returns the job names of every accepted submit, in order.
func (s *Stub) Submissions() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.submissions))
	copy(out, s.submissions)
	return out
}

// FetchedLogs returns the jobs whose logs were requested.
func (s *Stub) FetchedLogs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs...)
}

// Reconnects returns how often Reconnect was called.
func (s *Stub) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}
