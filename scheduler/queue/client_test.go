package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/vosges/common/stats"
	"github.com/twitter/vosges/scheduler/queue"
	"github.com/twitter/vosges/scheduler/queue/memory"
	"github.com/twitter/vosges/scheduler/queue/mock_queue"
)

var fastRetry = queue.RetryPolicy{Interval: time.Millisecond}

var unit = queue.Unit{Name: "exp_ABC_train_000000", Script: "/tmp/unit_000000.sh"}

func transient(msg string) error {
	return queue.NewTransientError("qsub", errors.New(msg))
}

func TestSubmitRetriesTransientErrorsWithoutDuplicates(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	svc := mock_queue.NewMockService(mockCtrl)

	gomock.InOrder(
		svc.EXPECT().Submit(gomock.Any(), unit).Return("", transient("connection refused")),
		svc.EXPECT().List(gomock.Any(), queue.Exact(unit.Name), queue.Any).Return(nil, nil),
		svc.EXPECT().Submit(gomock.Any(), unit).Return("", transient("connection refused")),
		svc.EXPECT().List(gomock.Any(), queue.Exact(unit.Name), queue.Any).Return(nil, nil),
		svc.EXPECT().Submit(gomock.Any(), unit).Return("4242", nil),
	)

	stat := stats.DefaultStatsReceiver()
	c := queue.NewClient(svc, queue.ClientConfig{Retry: fastRetry, Stat: stat})
	id, err := c.Submit(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, "4242", id)
	assert.Equal(t, int64(1), stat.Scope("queue").Counter(stats.QueueSubmitOkCounter).Count())
	assert.Equal(t, int64(2), stat.Scope("queue").Counter(stats.QueueTransientErrorCounter).Count())
}

func TestSubmitAdoptsUnitFromLostResponse(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	svc := mock_queue.NewMockService(mockCtrl)

	gomock.InOrder(
		svc.EXPECT().Submit(gomock.Any(), unit).Return("", transient("broken pipe")),
		svc.EXPECT().List(gomock.Any(), queue.Exact(unit.Name), queue.Any).Return([]string{"77"}, nil),
	)

	c := queue.NewClient(svc, queue.ClientConfig{Retry: fastRetry})
	id, err := c.Submit(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, "77", id)
}

func TestSubmitDoesNotRetrySemanticRejection(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	svc := mock_queue.NewMockService(mockCtrl)

	svc.EXPECT().Submit(gomock.Any(), unit).Return("", queue.NewSubmissionError(unit.Name, "unknown queue %s", "gpu.q")).Times(1)

	c := queue.NewClient(svc, queue.ClientConfig{Retry: fastRetry})
	_, err := c.Submit(context.Background(), unit)
	require.Error(t, err)
	assert.True(t, queue.IsSubmissionError(err), "got %v", err)
}

func TestSubmitRefusesAmbiguousName(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	svc := mock_queue.NewMockService(mockCtrl)

	gomock.InOrder(
		svc.EXPECT().Submit(gomock.Any(), unit).Return("", transient("timeout")),
		svc.EXPECT().List(gomock.Any(), queue.Exact(unit.Name), queue.Any).Return([]string{"1", "2"}, nil),
	)

	c := queue.NewClient(svc, queue.ClientConfig{Retry: fastRetry})
	_, err := c.Submit(context.Background(), unit)
	assert.True(t, queue.IsSubmissionError(err), "got %v", err)
}

func TestMaxAttemptsGivesUp(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	svc := mock_queue.NewMockService(mockCtrl)

	svc.EXPECT().List(gomock.Any(), "exp_", queue.Running).Return(nil, transient("qstat died")).Times(3)

	c := queue.NewClient(svc, queue.ClientConfig{Retry: queue.RetryPolicy{Interval: time.Millisecond, MaxAttempts: 3}})
	_, err := c.List(context.Background(), "exp_", queue.Running)
	assert.True(t, queue.IsTransientError(err), "got %v", err)
}

func TestCanceledContextStopsRetrying(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	svc := mock_queue.NewMockService(mockCtrl)

	ctx, cancel := context.WithCancel(context.Background())
	svc.EXPECT().Delete(gomock.Any(), []string{"1"}).DoAndReturn(func(context.Context, []string) error {
		cancel()
		return transient("qdel died")
	}).Times(1)

	c := queue.NewClient(svc, queue.ClientConfig{Retry: queue.RetryPolicy{Interval: time.Hour}})
	err := c.Delete(ctx, []string{"1"})
	require.Error(t, err)
	assert.Equal(t, context.Canceled, pkgerrors.Cause(err))
}

func TestListSortsAndDeleteAllDrains(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	svc := mock_queue.NewMockService(mockCtrl)

	gomock.InOrder(
		svc.EXPECT().List(gomock.Any(), "exp_", queue.Any).Return([]string{"10", "9"}, nil),
		svc.EXPECT().Delete(gomock.Any(), []string{"9", "10"}).Return(nil),
		svc.EXPECT().List(gomock.Any(), "exp_", queue.Any).Return([]string{"10"}, nil),
		svc.EXPECT().List(gomock.Any(), "exp_", queue.Any).Return(nil, nil),
	)

	c := queue.NewClient(svc, queue.ClientConfig{Retry: fastRetry, QPS: 1000})
	require.NoError(t, c.DeleteAll(context.Background(), "exp_", time.Millisecond))
}

func TestExactPatternSelectsOneName(t *testing.T) {
	assert.True(t, queue.Matches("exp_ABC_g_000001", "exp_ABC_"))
	assert.True(t, queue.Matches("exp_ABC_g_000001_000000", "exp_ABC_g_000001"))
	assert.True(t, queue.Matches("exp_ABC_g_000001", queue.Exact("exp_ABC_g_000001")))
	assert.False(t, queue.Matches("exp_ABC_g_000001_000000", queue.Exact("exp_ABC_g_000001")))
	assert.False(t, queue.Matches("exp_ABC_g_00000", queue.Exact("exp_ABC_g_000001")))
}

// A unit of group g_000001 shares the name prefix of unit 1 of group g.
func TestSubmitAdoptsOnlyTheExactName(t *testing.T) {
	q := memory.New(memory.WithTicks(1, 1000))
	ctx := context.Background()
	other, err := q.Submit(ctx, queue.Unit{Name: "exp_ABC_g_000001_000000"})
	require.NoError(t, err)

	c := queue.NewClient(q, queue.ClientConfig{Retry: fastRetry})
	q.LoseNextSubmitResponses(1)
	id, err := c.Submit(ctx, queue.Unit{Name: "exp_ABC_g_000001"})
	require.NoError(t, err)
	assert.NotEqual(t, other, id)
	u, ok := q.UnitOf(id)
	require.True(t, ok)
	assert.Equal(t, "exp_ABC_g_000001", u.Name)
	assert.Len(t, q.Submitted(), 2)
}
