package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/freelancehq/portal/internal/app"
	"github.com/freelancehq/portal/internal/billing"
	"github.com/freelancehq/portal/jobs"
	_ "github.com/freelancehq/portal/testing"
)

type fakeQueue struct {
	tasks []*asynq.Task
}

func (q *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueDefault, Type: task.Type()}, nil
}

type fakeInspector struct {
	infos map[string]*asynq.QueueInfo
}

func (i fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := i.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func (i fakeInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return nil, nil
}

type fakeReconciler struct {
	changed int
	err     error
}

func (r fakeReconciler) Reconcile(_ context.Context, id int64) (billing.Result[*billing.Invoice], error) {
	return billing.Result[*billing.Invoice]{
		Data:    &billing.Invoice{ID: id, Status: billing.StatusPaid, Total: decimal.NewFromInt(100)},
		Message: "Invoice 2024030001 reconciled",
	}, r.err
}

func (r fakeReconciler) ReconcileOpen(context.Context) (int, error) {
	return r.changed, r.err
}

func testEnv(out *bytes.Buffer, queue *fakeQueue, rec Reconciler) Env {
	return Env{
		Out:    out,
		Config: func() (*app.Config, error) { return &app.Config{IdempotencyRetention: time.Hour}, nil },
		Jobs: func(cfg *app.Config) (*JobsCLI, error) {
			return &JobsCLI{
				client: queue,
				inspector: fakeInspector{infos: map[string]*asynq.QueueInfo{
					jobs.QueueMail: {Queue: jobs.QueueMail, Pending: 4, Retry: 1},
				}},
				retention: cfg.IdempotencyRetention,
			}, nil
		},
		Reconciler: func(context.Context, *app.Config) (Reconciler, func(), error) {
			return rec, nil, nil
		},
		Migrate: func(context.Context, *app.Config) error { return nil },
	}
}

func run(t *testing.T, env Env, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(env)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return env.Out.(*bytes.Buffer).String(), err
}

func TestTriggerSupportedJobs(t *testing.T) {
	queue := &fakeQueue{}
	out, err := run(t, testEnv(new(bytes.Buffer), queue, nil), "jobs", "trigger", jobs.TaskIdempotencyCleanup)
	require.NoError(t, err)
	require.Contains(t, out, "enqueued idempotency:cleanup as task-1")
	require.Len(t, queue.tasks, 1)
	require.Equal(t, jobs.TaskIdempotencyCleanup, queue.tasks[0].Type())

	_, err = run(t, testEnv(new(bytes.Buffer), queue, nil), "jobs", "trigger", "inventory:revaluation")
	require.ErrorContains(t, err, "unsupported job")
}

func TestInspectQueues(t *testing.T) {
	out, err := run(t, testEnv(new(bytes.Buffer), &fakeQueue{}, nil), "jobs", "inspect")
	require.NoError(t, err)
	require.Contains(t, out, "QUEUE")
	require.Regexp(t, `mail\s+4\s+0\s+0\s+1\s+0`, out)
	require.Regexp(t, `default\s+0\s+0\s+0\s+0\s+0`, out)
}

func TestReconcileCommand(t *testing.T) {
	out, err := run(t, testEnv(new(bytes.Buffer), &fakeQueue{}, fakeReconciler{changed: 3}), "reconcile")
	require.NoError(t, err)
	require.Contains(t, out, "3 invoice(s) reconciled")

	out, err = run(t, testEnv(new(bytes.Buffer), &fakeQueue{}, fakeReconciler{}), "reconcile", "7")
	require.NoError(t, err)
	require.Contains(t, out, "status paid, total 100.00")

	_, err = run(t, testEnv(new(bytes.Buffer), &fakeQueue{}, fakeReconciler{}), "reconcile", "abc")
	require.ErrorContains(t, err, "invalid invoice id")

	boom := errors.New("invoice 9: boom")
	out, err = run(t, testEnv(new(bytes.Buffer), &fakeQueue{}, fakeReconciler{changed: 1, err: boom}), "reconcile")
	require.ErrorIs(t, err, boom)
	require.Contains(t, out, "1 invoice(s) reconciled")

	queue := &fakeQueue{}
	out, err = run(t, testEnv(new(bytes.Buffer), queue, nil), "reconcile", "--enqueue")
	require.NoError(t, err)
	require.Contains(t, out, "enqueued billing:reconcile")
	require.Len(t, queue.tasks, 1)
}

func TestMigrateCommand(t *testing.T) {
	out, err := run(t, testEnv(new(bytes.Buffer), &fakeQueue{}, nil), "migrate")
	require.NoError(t, err)
	require.Contains(t, out, "schema up to date")
}
