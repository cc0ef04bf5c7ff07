package pipelines

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"collabmgr/services/operator"
	"collabmgr/services/operator/kube"
)

func TestReconcileJobDeadlineExceeded(t *testing.T) {
	const namespace = "collab"
	ctx := context.Background()

	f := newFixture(t, AlertConfig{Enabled: true, Recipients: []string{"ops@example.com"}})
	client := fake.NewSimpleClientset()
	op := kube.NewWithClient(client, kube.Config{Namespace: namespace, RequestTimeout: time.Second}, zerolog.Nop())
	deps := Dependencies{
		Store:    f.store,
		Operator: op,
		Secrets:  f.box,
		Alerter:  f.alerter,
		Events:   f.events,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return f.now },
	}
	runner, err := NewRunner(deps, RunnerConfig{Image: "registry.example.com/backup:1", Timeout: 2 * time.Hour})
	require.NoError(t, err)
	reconciler, err := NewReconciler(deps, 2*time.Hour)
	require.NoError(t, err)

	run, err := runner.Trigger(ctx, f.pipeline(t).ID, nil)
	require.NoError(t, err)

	job, err := client.BatchV1().Jobs(namespace).Get(ctx, run.ReferenceID, metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(7200), *job.Spec.ActiveDeadlineSeconds)

	job.Status.Conditions = []batchv1.JobCondition{{
		Type:   batchv1.JobFailed,
		Status: corev1.ConditionTrue,
		Reason: "DeadlineExceeded",
	}}
	_, err = client.BatchV1().Jobs(namespace).UpdateStatus(ctx, job, metav1.UpdateOptions{})
	require.NoError(t, err)

	state, err := op.WorkloadState(ctx, run.ReferenceID)
	require.NoError(t, err)
	require.Equal(t, operator.StateFailed, state)

	f.now = f.now.Add(2*time.Hour + time.Minute)
	_, err = reconciler.RunOnce(ctx)
	require.NoError(t, err)

	stored := f.run(t, run.ID)
	assert.Equal(t, StatusTimeout, stored.Status)
	assert.NotNil(t, stored.EndTime)
	assert.Empty(t, f.sender.Sent)
}

func TestReconcileFailureBeforeDeadline(t *testing.T) {
	f := newFixture(t, AlertConfig{})
	run, err := f.runner.Trigger(context.Background(), f.pipeline(t).ID, nil)
	require.NoError(t, err)

	f.op.SetState(run.ReferenceID, operator.StateFailed)
	f.now = f.now.Add(time.Hour)
	_, err = f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, f.run(t, run.ID).Status)
	assert.Zero(t, f.op.KillCount(run.ReferenceID))
}
