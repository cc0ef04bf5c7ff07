package kube

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"collabmgr/services/operator"
)

const testNamespace = "sessions"

func newTestOperator(objects ...runtime.Object) (*Operator, *fake.Clientset) {
	client := fake.NewSimpleClientset(objects...)
	return NewWithClient(client, Config{Namespace: testNamespace, RequestTimeout: time.Second}, zerolog.Nop()), client
}

func sessionSpec(name string) operator.WorkloadSpec {
	return operator.WorkloadSpec{
		Name:   name,
		Kind:   operator.KindSession,
		Image:  "registry.example.com/modeler:7.0.0",
		Env:    map[string]string{"B": "2", "A": "1"},
		Labels: map[string]string{"session_id": name},
		Ports:  map[string]int{"http": 8080, "metrics": 9118},
		Resources: operator.Resources{
			CPURequest:    "500m",
			MemoryLimit:   "2Gi",
			MemoryRequest: "1Gi",
		},
	}
}

func TestDeleteWorkloadIsIdempotent(t *testing.T) {
	op, _ := newTestOperator()
	ctx := context.Background()

	require.NoError(t, op.DeleteWorkload(ctx, "never-created"))

	_, err := op.CreateWorkload(ctx, sessionSpec("s-1"))
	require.NoError(t, err)

	require.NoError(t, op.DeleteWorkload(ctx, "s-1"))
	require.NoError(t, op.DeleteWorkload(ctx, "s-1"))

	state, err := op.WorkloadState(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, operator.StateUnknown, state)
}

func TestCreateSessionWorkload(t *testing.T) {
	op, client := newTestOperator()
	ctx := context.Background()

	handle, err := op.CreateWorkload(ctx, sessionSpec("s-2"))
	require.NoError(t, err)
	assert.Equal(t, "s-2", handle)

	deployment, err := client.AppsV1().Deployments(testNamespace).Get(ctx, "s-2", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, appsv1.RecreateDeploymentStrategyType, deployment.Spec.Strategy.Type)
	assert.Equal(t, "s-2", deployment.Labels[labelApp])
	assert.Equal(t, "s-2", deployment.Labels["session_id"])

	main := deployment.Spec.Template.Spec.Containers[0]
	assert.Equal(t, mainContainer, main.Name)
	assert.Equal(t, []corev1.EnvVar{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}}, main.Env)
	assert.Equal(t, "500m", main.Resources.Requests.Cpu().String())
	assert.Equal(t, "2Gi", main.Resources.Limits.Memory().String())

	service, err := client.CoreV1().Services(testNamespace).Get(ctx, "s-2", metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, service.Spec.Ports, 2)
	assert.Equal(t, "http", service.Spec.Ports[0].Name)
	assert.Equal(t, "metrics", service.Spec.Ports[1].Name)

	state, err := op.WorkloadState(ctx, "s-2")
	require.NoError(t, err)
	assert.Equal(t, operator.StatePending, state)
}

func TestCreateWorkloadRejectsDuplicates(t *testing.T) {
	op, _ := newTestOperator()
	ctx := context.Background()

	_, err := op.CreateWorkload(ctx, sessionSpec("dup"))
	require.NoError(t, err)

	_, err = op.CreateWorkload(ctx, sessionSpec("dup"))
	require.Error(t, err)
	assert.True(t, operator.IsRejected(err))
}

func TestCreateWorkloadRejectsInvalidResources(t *testing.T) {
	op, client := newTestOperator()

	spec := sessionSpec("bad")
	spec.Resources.CPULimit = "lots"

	_, err := op.CreateWorkload(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, operator.IsRejected(err))

	deployments, err := client.AppsV1().Deployments(testNamespace).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, deployments.Items)
}

func TestCreateJobWorkload(t *testing.T) {
	op, client := newTestOperator()
	ctx := context.Background()

	spec := operator.WorkloadSpec{
		Name:             "backup-1",
		Kind:             operator.KindJob,
		Image:            "registry.example.com/backup:1",
		ActiveDeadline:   2 * time.Hour,
		TTLAfterFinished: 24 * time.Hour,
	}
	_, err := op.CreateWorkload(ctx, spec)
	require.NoError(t, err)

	job, err := client.BatchV1().Jobs(testNamespace).Get(ctx, "backup-1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)
	assert.Equal(t, int64(7200), *job.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, int32(86400), *job.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, corev1.RestartPolicyNever, job.Spec.Template.Spec.RestartPolicy)

	state, err := op.WorkloadState(ctx, "backup-1")
	require.NoError(t, err)
	assert.Equal(t, operator.StatePending, state)

	job.Status.Succeeded = 1
	_, err = client.BatchV1().Jobs(testNamespace).UpdateStatus(ctx, job, metav1.UpdateOptions{})
	require.NoError(t, err)

	state, err = op.WorkloadState(ctx, "backup-1")
	require.NoError(t, err)
	assert.Equal(t, operator.StateSucceeded, state)
}

func TestWorkloadStateFromPods(t *testing.T) {
	pod := func(name string, created time.Time, phase corev1.PodPhase, waiting string) *corev1.Pod {
		p := &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:              name,
				Namespace:         testNamespace,
				Labels:            map[string]string{labelApp: "s-3"},
				CreationTimestamp: metav1.NewTime(created),
			},
			Status: corev1.PodStatus{Phase: phase},
		}
		if waiting != "" {
			p.Status.ContainerStatuses = []corev1.ContainerStatus{{
				Name:  mainContainer,
				State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: waiting}},
			}}
		}
		return p
	}
	now := time.Now()

	tests := []struct {
		name string
		pods []runtime.Object
		want operator.State
	}{
		{"running", []runtime.Object{pod("a", now, corev1.PodRunning, "")}, operator.StateStarted},
		{"crash loop", []runtime.Object{pod("a", now, corev1.PodRunning, "CrashLoopBackOff")}, operator.StateBackOff},
		{"image pull", []runtime.Object{pod("a", now, corev1.PodPending, "ImagePullBackOff")}, operator.StateBackOff},
		{"creating", []runtime.Object{pod("a", now, corev1.PodPending, "ContainerCreating")}, operator.StatePending},
		{"newest pod wins", []runtime.Object{
			pod("old", now.Add(-time.Hour), corev1.PodFailed, ""),
			pod("new", now, corev1.PodRunning, ""),
		}, operator.StateStarted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, _ := newTestOperator(tt.pods...)
			state, err := op.WorkloadState(context.Background(), "s-3")
			require.NoError(t, err)
			assert.Equal(t, tt.want, state)
		})
	}
}

func TestWorkloadStateUnavailable(t *testing.T) {
	op, client := newTestOperator()
	client.PrependReactor("get", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("dial tcp: connection refused")
	})

	state, err := op.WorkloadState(context.Background(), "s-4")
	require.Error(t, err)
	assert.True(t, operator.IsUnavailable(err))
	assert.Equal(t, operator.StateUnknown, state)
}

func TestWorkloadLogsWithoutPod(t *testing.T) {
	op, _ := newTestOperator()

	logs, err := op.WorkloadLogs(context.Background(), "missing", mainContainer)
	require.NoError(t, err)
	assert.Empty(t, logs)

	lines, err := op.LogLines(context.Background(), "missing", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestListWorkloadsByLabel(t *testing.T) {
	op, _ := newTestOperator()
	ctx := context.Background()

	_, err := op.CreateWorkload(ctx, sessionSpec("s-5"))
	require.NoError(t, err)
	_, err = op.CreateWorkload(ctx, operator.WorkloadSpec{
		Name:   "backup-5",
		Kind:   operator.KindJob,
		Labels: map[string]string{"pipeline_id": "p"},
	})
	require.NoError(t, err)

	sessions, err := op.ListWorkloads(ctx, map[string]string{labelKind: string(operator.KindSession)})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s-5", sessions[0].Name)

	all, err := op.ListWorkloads(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPersistentVolumeLifecycle(t *testing.T) {
	op, client := newTestOperator()
	op.storageClass = "fast"
	ctx := context.Background()

	exists, err := op.PersistentVolumeExists(ctx, "persistent-session-alice")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, op.CreatePersistentVolume(ctx, "persistent-session-alice", "20Gi", map[string]string{"owner": "alice"}))
	require.NoError(t, op.CreatePersistentVolume(ctx, "persistent-session-alice", "20Gi", nil))

	claim, err := client.CoreV1().PersistentVolumeClaims(testNamespace).Get(ctx, "persistent-session-alice", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fast", *claim.Spec.StorageClassName)
	assert.Equal(t, "alice", claim.Labels["owner"])

	exists, err = op.PersistentVolumeExists(ctx, "persistent-session-alice")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, op.DeletePersistentVolume(ctx, "persistent-session-alice"))
	require.NoError(t, op.DeletePersistentVolume(ctx, "persistent-session-alice"))

	exists, err = op.PersistentVolumeExists(ctx, "persistent-session-alice")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreatePersistentVolumeInvalidSize(t *testing.T) {
	op, _ := newTestOperator()

	err := op.CreatePersistentVolume(context.Background(), "vol", "twenty gigs", nil)
	require.Error(t, err)
	assert.True(t, operator.IsRejected(err))
}

func TestParseTimestampedLogs(t *testing.T) {
	raw := []byte("2026-01-02T03:04:05.000000001Z ---START_PREPARE_WORKSPACE---\n" +
		"2026-01-02T03:04:06Z cloning\n" +
		"continued without stamp\n")

	lines := parseTimestampedLogs(raw)
	require.Len(t, lines, 2)
	assert.Equal(t, "---START_PREPARE_WORKSPACE---", lines[0].Text)
	assert.Equal(t, 1, lines[0].Timestamp.Nanosecond())
	assert.Equal(t, "cloning\ncontinued without stamp", lines[1].Text)
}

func TestDownloadFileRequiresRestConfig(t *testing.T) {
	op, _ := newTestOperator()

	_, err := op.DownloadFile(context.Background(), "s-6", "/workspace")
	assert.Error(t, err)
}
