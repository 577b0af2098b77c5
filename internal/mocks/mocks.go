// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

// -- Collaborator Sink Mocks --

// MockMutationSink mocks the schemas.MutationSink interface.
type MockMutationSink struct {
	mock.Mock
}

func (m *MockMutationSink) Apply(ctx context.Context, mutations []schemas.Mutation) error {
	return m.Called(ctx, mutations).Error(0)
}

// MockAlertSink mocks the schemas.AlertSink interface.
type MockAlertSink struct {
	mock.Mock
}

func (m *MockAlertSink) Publish(ctx context.Context, transitions []schemas.AlertTransition) error {
	return m.Called(ctx, transitions).Error(0)
}

// MockEvictionSink mocks the schemas.EvictionSink interface.
type MockEvictionSink struct {
	mock.Mock
}

func (m *MockEvictionSink) Archive(ctx context.Context, notice schemas.EvictionNotice) error {
	return m.Called(ctx, notice).Error(0)
}

// MockEventIngester mocks the schemas.EventIngester interface.
type MockEventIngester struct {
	mock.Mock
}

func (m *MockEventIngester) Ingest(ctx context.Context, raw schemas.RawEvent) error {
	return m.Called(ctx, raw).Error(0)
}

// -- Detector Mock --

// MockDetector mocks the detector.Detector interface.
type MockDetector struct {
	mock.Mock
}

func (m *MockDetector) Kind() schemas.DetectorKind {
	return m.Called().Get(0).(schemas.DetectorKind)
}

func (m *MockDetector) Evaluate(ctx context.Context, snap *schemas.GraphSnapshot, window schemas.WindowView) ([]schemas.Candidate, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	args := m.Called(ctx, snap, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Candidate), args.Error(1)
}

// -- Recording Sinks --

// RecordingSink is a thread-safe in-memory implementation of the mutation and
// alert sinks. It keeps everything it receives, in order.
type RecordingSink struct {
	mu          sync.Mutex
	mutations   []schemas.Mutation
	transitions []schemas.AlertTransition
	notices     []schemas.EvictionNotice
}

var (
	_ schemas.MutationSink = (*RecordingSink)(nil)
	_ schemas.AlertSink    = (*RecordingSink)(nil)
	_ schemas.EvictionSink = (*RecordingSink)(nil)
)

func (r *RecordingSink) Apply(_ context.Context, mutations []schemas.Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutations = append(r.mutations, mutations...)
	return nil
}

func (r *RecordingSink) Publish(_ context.Context, transitions []schemas.AlertTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transitions...)
	return nil
}

func (r *RecordingSink) Archive(_ context.Context, notice schemas.EvictionNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice)
	return nil
}

// Mutations returns a copy of the recorded mutations.
func (r *RecordingSink) Mutations() []schemas.Mutation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.Mutation(nil), r.mutations...)
}

// Transitions returns a copy of the recorded alert transitions.
func (r *RecordingSink) Transitions() []schemas.AlertTransition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.AlertTransition(nil), r.transitions...)
}

// Notices returns a copy of the recorded eviction notices.
func (r *RecordingSink) Notices() []schemas.EvictionNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.EvictionNotice(nil), r.notices...)
}
