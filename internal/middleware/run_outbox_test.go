package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"FxDesk/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakySink struct {
	mu        sync.Mutex
	failures  int
	delivered []string
}

func (s *flakySink) deliver(_ context.Context, run models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return assert.AnError
	}
	s.delivered = append(s.delivered, run.RunID)
	return nil
}

func (s *flakySink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

type countingMetrics struct {
	nopMetrics
	mu     sync.Mutex
	errors map[string]int
}

func (m *countingMetrics) RecordError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errors == nil {
		m.errors = map[string]int{}
	}
	m.errors[kind]++
}

func (m *countingMetrics) count(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[kind]
}

func finished(id string) models.WorkflowRun {
	return models.WorkflowRun{RunID: id, State: models.StateApproved}
}

func TestOutboxDeliversDirectly(t *testing.T) {
	sink := &flakySink{}
	o := NewRunOutbox("archive", sink.deliver, nil)

	require.NoError(t, o.Process(context.Background(), finished("run-1")))
	assert.Equal(t, []string{"run-1"}, sink.got())
	assert.Zero(t, o.Pending())
}

func TestOutboxRejectsUnfinishedRuns(t *testing.T) {
	sink := &flakySink{}
	m := &countingMetrics{}
	o := NewRunOutbox("archive", sink.deliver, m)

	assert.Error(t, o.Process(context.Background(), models.WorkflowRun{RunID: "run-1", State: models.StateCollecting}))
	assert.Error(t, o.Process(context.Background(), models.WorkflowRun{State: models.StateFailed}))
	assert.Empty(t, sink.got())
	assert.Equal(t, 2, m.count("outbox_archive_validate"))
}

func TestOutboxBuffersAndRedelivers(t *testing.T) {
	sink := &flakySink{failures: 2}
	m := &countingMetrics{}
	o := NewRunOutbox("publish", sink.deliver, m, WithBackoff(time.Millisecond, 4*time.Millisecond))

	err := o.Process(context.Background(), finished("run-1"))
	require.ErrorIs(t, err, ErrBuffered)
	assert.Equal(t, 1, o.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	assert.Eventually(t, func() bool { return len(sink.got()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"run-1"}, sink.got())
	assert.Zero(t, o.Pending())
	assert.Equal(t, 1, m.count("outbox_publish_retry"))
}

func TestOutboxFullBuffer(t *testing.T) {
	sink := &flakySink{failures: 10}
	m := &countingMetrics{}
	o := NewRunOutbox("archive", sink.deliver, m, WithBufferSize(1))

	require.ErrorIs(t, o.Process(context.Background(), finished("run-1")), ErrBuffered)
	err := o.Process(context.Background(), finished("run-2"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBuffered)
	assert.Equal(t, 1, m.count("outbox_archive_full"))
}

func TestOutboxStartStopIsRepeatable(t *testing.T) {
	sink := &flakySink{}
	o := NewRunOutbox("archive", sink.deliver, nil)
	o.Stop()
	o.Start(context.Background())
	o.Start(context.Background())
	o.Stop()
	o.Stop()
	o.Start(context.Background())
	o.Stop()
}

type archiveFunc func(ctx context.Context, run models.WorkflowRun) error

func (f archiveFunc) Archive(ctx context.Context, run models.WorkflowRun) error    { return f(ctx, run) }
func (f archiveFunc) PublishRun(ctx context.Context, run models.WorkflowRun) error { return f(ctx, run) }

func TestOutboxWrapsSinks(t *testing.T) {
	sink := &flakySink{}
	a := ArchiveOutbox(archiveFunc(sink.deliver), nil)
	p := PublishOutbox(archiveFunc(sink.deliver), nil)

	require.NoError(t, a.Archive(context.Background(), finished("run-a")))
	require.NoError(t, p.PublishRun(context.Background(), finished("run-p")))
	assert.Equal(t, []string{"run-a", "run-p"}, sink.got())
}
