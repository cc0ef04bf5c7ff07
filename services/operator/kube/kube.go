// Package kube implements operator.Operator on top of a Kubernetes cluster.
// Sessions run as single-replica Deployments, pipeline runs as Jobs.
package kube

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"collabmgr/services/operator"
)

const defaultTimeout = 10 * time.Second

var backOffReasons = map[string]bool{
	"CrashLoopBackOff":           true,
	"ImagePullBackOff":           true,
	"ErrImagePull":               true,
	"CreateContainerConfigError": true,
	"InvalidImageName":           true,
}

// Config controls how the operator talks to the cluster.
type Config struct {
	Namespace string
	// Kubeconfig is a path to a kubeconfig file. In-cluster configuration is used when empty.
	Kubeconfig     string
	RequestTimeout time.Duration
	StorageClass   string
}

// Operator manages workloads in a single namespace.
type Operator struct {
	client       kubernetes.Interface
	restConfig   *rest.Config
	namespace    string
	timeout      time.Duration
	storageClass string
	logger       zerolog.Logger
}

// New connects to the cluster described by cfg.
func New(cfg Config, logger zerolog.Logger) (*Operator, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	if cfg.Kubeconfig == "" {
		restConfig, err = rest.InClusterConfig()
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}

	op := NewWithClient(client, cfg, logger)
	op.restConfig = restConfig
	return op, nil
}

// NewWithClient builds an Operator around an existing clientset. File
// transfer is unavailable without a REST config.
func NewWithClient(client kubernetes.Interface, cfg Config, logger zerolog.Logger) *Operator {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	return &Operator{
		client:       client,
		namespace:    cfg.Namespace,
		timeout:      cfg.RequestTimeout,
		storageClass: cfg.StorageClass,
		logger:       logger.With().Str("component", "kube-operator").Str("namespace", cfg.Namespace).Logger(),
	}
}

func (o *Operator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.timeout)
}

// CreateWorkload creates a Deployment (plus a Service when ports are
// exposed) for sessions, or a Job for run-to-completion workloads.
func (o *Operator) CreateWorkload(ctx context.Context, spec operator.WorkloadSpec) (string, error) {
	if spec.Name == "" {
		return "", &operator.RejectedSpecError{Reason: "workload name is required"}
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	switch spec.Kind {
	case operator.KindJob:
		job, err := buildJob(spec, o.namespace)
		if err != nil {
			return "", err
		}
		if _, err := o.client.BatchV1().Jobs(o.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
			return "", classify("create job", spec.Name, err)
		}
	default:
		deployment, err := buildDeployment(spec, o.namespace)
		if err != nil {
			return "", err
		}
		if _, err := o.client.AppsV1().Deployments(o.namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
			return "", classify("create deployment", spec.Name, err)
		}
		if len(spec.Ports) > 0 {
			if _, err := o.client.CoreV1().Services(o.namespace).Create(ctx, buildService(spec, o.namespace), metav1.CreateOptions{}); err != nil {
				return "", classify("create service", spec.Name, err)
			}
		}
	}

	o.logger.Info().Str("workload", spec.Name).Str("kind", string(spec.Kind)).Msg("workload created")
	return spec.Name, nil
}

// DeleteWorkload removes every object named handle. Missing objects are ignored.
func (o *Operator) DeleteWorkload(ctx context.Context, handle string) error {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	policy := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &policy}

	deletes := []struct {
		op string
		fn func() error
	}{
		{"delete deployment", func() error { return o.client.AppsV1().Deployments(o.namespace).Delete(ctx, handle, opts) }},
		{"delete job", func() error { return o.client.BatchV1().Jobs(o.namespace).Delete(ctx, handle, opts) }},
		{"delete service", func() error { return o.client.CoreV1().Services(o.namespace).Delete(ctx, handle, opts) }},
	}
	for _, d := range deletes {
		if err := d.fn(); err != nil && !apierrors.IsNotFound(err) {
			return classify(d.op, handle, err)
		}
	}
	return nil
}

// WorkloadState derives the state from the Job status, if any, and the newest pod.
func (o *Operator) WorkloadState(ctx context.Context, handle string) (operator.State, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	jobFound := false
	job, err := o.client.BatchV1().Jobs(o.namespace).Get(ctx, handle, metav1.GetOptions{})
	switch {
	case err == nil:
		jobFound = true
		if job.Status.Succeeded > 0 {
			return operator.StateSucceeded, nil
		}
		for _, cond := range job.Status.Conditions {
			if cond.Status != corev1.ConditionTrue {
				continue
			}
			switch cond.Type {
			case "Complete":
				return operator.StateSucceeded, nil
			case "Failed":
				return operator.StateFailed, nil
			}
		}
	case !apierrors.IsNotFound(err):
		return operator.StateUnknown, classify("get job", handle, err)
	}

	pod, err := o.newestPod(ctx, handle)
	if err != nil {
		return operator.StateUnknown, err
	}
	if pod != nil {
		return podState(pod), nil
	}
	if jobFound {
		return operator.StatePending, nil
	}

	_, err = o.client.AppsV1().Deployments(o.namespace).Get(ctx, handle, metav1.GetOptions{})
	switch {
	case err == nil:
		return operator.StatePending, nil
	case apierrors.IsNotFound(err):
		return operator.StateUnknown, nil
	default:
		return operator.StateUnknown, classify("get deployment", handle, err)
	}
}

func podState(pod *corev1.Pod) operator.State {
	statuses := append([]corev1.ContainerStatus{}, pod.Status.InitContainerStatuses...)
	statuses = append(statuses, pod.Status.ContainerStatuses...)
	for _, cs := range statuses {
		if cs.State.Waiting != nil && backOffReasons[cs.State.Waiting.Reason] {
			return operator.StateBackOff
		}
	}

	switch pod.Status.Phase {
	case corev1.PodPending:
		return operator.StatePending
	case corev1.PodRunning:
		return operator.StateStarted
	case corev1.PodSucceeded:
		return operator.StateSucceeded
	case corev1.PodFailed:
		return operator.StateFailed
	default:
		return operator.StateUnknown
	}
}

// WorkloadLogs returns the full log of container in the newest pod.
func (o *Operator) WorkloadLogs(ctx context.Context, handle, container string) (string, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	pod, err := o.newestPod(ctx, handle)
	if err != nil || pod == nil {
		return "", err
	}
	raw, err := o.client.CoreV1().Pods(o.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{Container: container}).DoRaw(ctx)
	if err != nil {
		if apierrors.IsBadRequest(err) || apierrors.IsNotFound(err) {
			// Container has not started yet.
			return "", nil
		}
		return "", classify("get logs", handle, err)
	}
	return string(raw), nil
}

// LogLines returns the timestamped output of the main container since the given time.
func (o *Operator) LogLines(ctx context.Context, handle string, since time.Time) ([]operator.LogLine, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	pod, err := o.newestPod(ctx, handle)
	if err != nil || pod == nil {
		return nil, err
	}

	opts := &corev1.PodLogOptions{Container: mainContainer, Timestamps: true}
	if !since.IsZero() {
		t := metav1.NewTime(since)
		opts.SinceTime = &t
	}
	raw, err := o.client.CoreV1().Pods(o.namespace).GetLogs(pod.Name, opts).DoRaw(ctx)
	if err != nil {
		if apierrors.IsBadRequest(err) || apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, classify("get logs", handle, err)
	}
	return parseTimestampedLogs(raw), nil
}

func parseTimestampedLogs(raw []byte) []operator.LogLine {
	var out []operator.LogLine
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		stamp, text, found := strings.Cut(line, " ")
		ts, err := time.Parse(time.RFC3339Nano, stamp)
		if !found || err != nil {
			// Continuation of a line without a timestamp prefix.
			if n := len(out); n > 0 {
				out[n-1].Text += "\n" + line
			}
			continue
		}
		out = append(out, operator.LogLine{Timestamp: ts, Text: text})
	}
	return out
}

// Events lists orchestrator events for the workload and its pods.
func (o *Operator) Events(ctx context.Context, handle string, since time.Time) ([]operator.Event, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	names := []string{handle}
	pods, err := o.pods(ctx, handle)
	if err != nil {
		return nil, err
	}
	for _, p := range pods {
		names = append(names, p.Name)
	}

	var out []operator.Event
	for _, name := range names {
		list, err := o.client.CoreV1().Events(o.namespace).List(ctx, metav1.ListOptions{
			FieldSelector: fields.OneTermEqualSelector("involvedObject.name", name).String(),
		})
		if err != nil {
			return nil, classify("list events", handle, err)
		}
		for _, evt := range list.Items {
			ts := eventTime(evt)
			if ts.Before(since) {
				continue
			}
			out = append(out, operator.Event{Timestamp: ts, Reason: evt.Reason, Message: evt.Message})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func eventTime(evt corev1.Event) time.Time {
	switch {
	case !evt.LastTimestamp.IsZero():
		return evt.LastTimestamp.Time
	case !evt.EventTime.IsZero():
		return evt.EventTime.Time
	default:
		return evt.FirstTimestamp.Time
	}
}

// ListWorkloads returns Deployments and Jobs carrying all the given labels.
func (o *Operator) ListWorkloads(ctx context.Context, want map[string]string) ([]operator.WorkloadInfo, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	opts := metav1.ListOptions{LabelSelector: labels.SelectorFromSet(want).String()}

	deployments, err := o.client.AppsV1().Deployments(o.namespace).List(ctx, opts)
	if err != nil {
		return nil, classify("list deployments", "", err)
	}
	jobs, err := o.client.BatchV1().Jobs(o.namespace).List(ctx, opts)
	if err != nil {
		return nil, classify("list jobs", "", err)
	}

	out := make([]operator.WorkloadInfo, 0, len(deployments.Items)+len(jobs.Items))
	for _, d := range deployments.Items {
		out = append(out, operator.WorkloadInfo{Name: d.Name, Labels: d.Labels, CreatedAt: d.CreationTimestamp.Time})
	}
	for _, j := range jobs.Items {
		out = append(out, operator.WorkloadInfo{Name: j.Name, Labels: j.Labels, CreatedAt: j.CreationTimestamp.Time})
	}
	return out, nil
}

// UploadFiles extracts a tar archive at the root of the main container.
func (o *Operator) UploadFiles(ctx context.Context, handle string, archive []byte) error {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	var stderr bytes.Buffer
	err := o.exec(ctx, handle, []string{"tar", "-xf", "-", "-C", "/"}, bytes.NewReader(archive), io.Discard, &stderr)
	if err != nil {
		return fmt.Errorf("upload files to %s: %w (%s)", handle, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// DownloadFile streams a tar archive of path. The container base64-encodes
// the archive so it survives the exec stream, and it is decoded on the fly.
func (o *Operator) DownloadFile(ctx context.Context, handle, path string) (io.ReadCloser, error) {
	if o.restConfig == nil {
		return nil, errors.New("file transfer requires a rest config")
	}

	pr, pw := io.Pipe()
	go func() {
		decoder := operator.NewBase64Writer(pw)
		var stderr bytes.Buffer
		cmd := []string{"sh", "-c", `tar -cf - "$0" | base64`, path}
		err := o.exec(ctx, handle, cmd, nil, decoder, &stderr)
		if err == nil {
			err = decoder.Close()
		} else if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (o *Operator) exec(ctx context.Context, handle string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if o.restConfig == nil {
		return errors.New("file transfer requires a rest config")
	}
	pod, err := o.newestPod(ctx, handle)
	if err != nil {
		return err
	}
	if pod == nil {
		return fmt.Errorf("no pod running for %s", handle)
	}

	req := o.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(o.namespace).
		Name(pod.Name).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: mainContainer,
			Command:   cmd,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(o.restConfig, "POST", req.URL())
	if err != nil {
		return classify("exec", handle, err)
	}
	return executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	})
}

// CreatePersistentVolume creates a ReadWriteOnce claim. An existing claim with the same name is kept.
func (o *Operator) CreatePersistentVolume(ctx context.Context, name, size string, lbls map[string]string) error {
	qty, err := resource.ParseQuantity(size)
	if err != nil {
		return &operator.RejectedSpecError{Name: name, Reason: fmt.Sprintf("invalid size %q", size), Err: err}
	}

	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	claim := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: o.namespace, Labels: lbls},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: qty},
			},
		},
	}
	if o.storageClass != "" {
		sc := o.storageClass
		claim.Spec.StorageClassName = &sc
	}

	_, err = o.client.CoreV1().PersistentVolumeClaims(o.namespace).Create(ctx, claim, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return classify("create volume", name, err)
	}
	return nil
}

func (o *Operator) DeletePersistentVolume(ctx context.Context, name string) error {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	err := o.client.CoreV1().PersistentVolumeClaims(o.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("delete volume", name, err)
	}
	return nil
}

func (o *Operator) PersistentVolumeExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	_, err := o.client.CoreV1().PersistentVolumeClaims(o.namespace).Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
		return true, nil
	case apierrors.IsNotFound(err):
		return false, nil
	default:
		return false, classify("get volume", name, err)
	}
}

func (o *Operator) pods(ctx context.Context, handle string) ([]corev1.Pod, error) {
	list, err := o.client.CoreV1().Pods(o.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(map[string]string{labelApp: handle}).String(),
	})
	if err != nil {
		return nil, classify("list pods", handle, err)
	}
	return list.Items, nil
}

func (o *Operator) newestPod(ctx context.Context, handle string) (*corev1.Pod, error) {
	pods, err := o.pods(ctx, handle)
	if err != nil || len(pods) == 0 {
		return nil, err
	}
	newest := &pods[0]
	for i := range pods[1:] {
		p := &pods[i+1]
		if p.CreationTimestamp.After(newest.CreationTimestamp.Time) {
			newest = p
		}
	}
	return newest, nil
}

func classify(op, name string, err error) error {
	switch {
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err), apierrors.IsAlreadyExists(err), apierrors.IsForbidden(err):
		return &operator.RejectedSpecError{Name: name, Reason: string(apierrors.ReasonForError(err)), Err: err}
	default:
		return &operator.UnavailableError{Op: op, Err: err}
	}
}

var _ operator.Operator = (*Operator)(nil)
