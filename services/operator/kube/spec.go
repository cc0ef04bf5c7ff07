package kube

import (
	"fmt"
	"sort"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"collabmgr/services/operator"
)

const (
	labelApp  = "app"
	labelKind = "collab.workload/kind"

	mainContainer = "main"
)

func workloadLabels(spec operator.WorkloadSpec) map[string]string {
	labels := make(map[string]string, len(spec.Labels)+2)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[labelApp] = spec.Name
	labels[labelKind] = string(spec.Kind)
	return labels
}

func buildDeployment(spec operator.WorkloadSpec, namespace string) (*appsv1.Deployment, error) {
	pod, err := buildPodSpec(spec)
	if err != nil {
		return nil, err
	}
	pod.RestartPolicy = corev1.RestartPolicyAlways

	labels := workloadLabels(spec)
	replicas := int32(1)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Namespace:   namespace,
			Labels:      labels,
			Annotations: spec.Annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{labelApp: spec.Name}},
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels, Annotations: spec.Annotations},
				Spec:       pod,
			},
		},
	}, nil
}

func buildJob(spec operator.WorkloadSpec, namespace string) (*batchv1.Job, error) {
	pod, err := buildPodSpec(spec)
	if err != nil {
		return nil, err
	}
	pod.RestartPolicy = corev1.RestartPolicyNever

	labels := workloadLabels(spec)
	backoff := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Namespace:   namespace,
			Labels:      labels,
			Annotations: spec.Annotations,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels, Annotations: spec.Annotations},
				Spec:       pod,
			},
		},
	}
	if spec.ActiveDeadline > 0 {
		secs := int64(spec.ActiveDeadline.Seconds())
		job.Spec.ActiveDeadlineSeconds = &secs
	}
	if spec.TTLAfterFinished > 0 {
		ttl := int32(spec.TTLAfterFinished.Seconds())
		job.Spec.TTLSecondsAfterFinished = &ttl
	}
	return job, nil
}

func buildService(spec operator.WorkloadSpec, namespace string) *corev1.Service {
	names := make([]string, 0, len(spec.Ports))
	for name := range spec.Ports {
		names = append(names, name)
	}
	sort.Strings(names)

	ports := make([]corev1.ServicePort, 0, len(names))
	for _, name := range names {
		port := int32(spec.Ports[name])
		ports = append(ports, corev1.ServicePort{
			Name:       name,
			Port:       port,
			TargetPort: intstr.FromInt32(port),
			Protocol:   corev1.ProtocolTCP,
		})
	}

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: namespace,
			Labels:    workloadLabels(spec),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{labelApp: spec.Name},
			Ports:    ports,
		},
	}
}

func buildPodSpec(spec operator.WorkloadSpec) (corev1.PodSpec, error) {
	resources, err := buildResources(spec.Resources)
	if err != nil {
		return corev1.PodSpec{}, &operator.RejectedSpecError{Name: spec.Name, Reason: err.Error(), Err: err}
	}

	volumes := map[string]corev1.Volume{}
	main := corev1.Container{
		Name:            mainContainer,
		Image:           spec.Image,
		Command:         spec.Command,
		Args:            spec.Args,
		Env:             envVars(spec.Env),
		VolumeMounts:    mounts(spec.Volumes, volumes),
		Resources:       resources,
		ImagePullPolicy: corev1.PullIfNotPresent,
	}
	for _, name := range sortedKeys(spec.Ports) {
		main.Ports = append(main.Ports, corev1.ContainerPort{
			Name:          name,
			ContainerPort: int32(spec.Ports[name]),
			Protocol:      corev1.ProtocolTCP,
		})
	}

	inits := make([]corev1.Container, 0, len(spec.InitContainers))
	for _, c := range spec.InitContainers {
		inits = append(inits, corev1.Container{
			Name:            c.Name,
			Image:           c.Image,
			Command:         c.Command,
			Args:            c.Args,
			Env:             envVars(c.Env),
			VolumeMounts:    mounts(c.Volumes, volumes),
			ImagePullPolicy: corev1.PullIfNotPresent,
		})
	}

	podVolumes := make([]corev1.Volume, 0, len(volumes))
	for _, name := range sortedKeys(volumes) {
		podVolumes = append(podVolumes, volumes[name])
	}

	return corev1.PodSpec{
		InitContainers: inits,
		Containers:     []corev1.Container{main},
		Volumes:        podVolumes,
	}, nil
}

func mounts(vols []operator.Volume, seen map[string]corev1.Volume) []corev1.VolumeMount {
	out := make([]corev1.VolumeMount, 0, len(vols))
	for _, v := range vols {
		if _, ok := seen[v.Name]; !ok {
			seen[v.Name] = corev1.Volume{Name: v.Name, VolumeSource: volumeSource(v)}
		}
		out = append(out, corev1.VolumeMount{
			Name:      v.Name,
			MountPath: v.MountPath,
			ReadOnly:  v.ReadOnly,
			SubPath:   v.SubPath,
		})
	}
	return out
}

func volumeSource(v operator.Volume) corev1.VolumeSource {
	switch v.Source {
	case operator.VolumePersistent:
		return corev1.VolumeSource{PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: v.Claim}}
	case operator.VolumeSecret:
		return corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{SecretName: v.Claim}}
	case operator.VolumeConfigMap:
		return corev1.VolumeSource{ConfigMap: &corev1.ConfigMapVolumeSource{
			LocalObjectReference: corev1.LocalObjectReference{Name: v.Claim},
		}}
	default:
		return corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}
	}
}

func buildResources(r operator.Resources) (corev1.ResourceRequirements, error) {
	out := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	entries := []struct {
		value string
		name  corev1.ResourceName
		into  corev1.ResourceList
	}{
		{r.CPURequest, corev1.ResourceCPU, out.Requests},
		{r.CPULimit, corev1.ResourceCPU, out.Limits},
		{r.MemoryRequest, corev1.ResourceMemory, out.Requests},
		{r.MemoryLimit, corev1.ResourceMemory, out.Limits},
	}
	for _, e := range entries {
		if e.value == "" {
			continue
		}
		q, err := resource.ParseQuantity(e.value)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("invalid %s quantity %q: %w", e.name, e.value, err)
		}
		e.into[e.name] = q
	}
	return out, nil
}

func envVars(env map[string]string) []corev1.EnvVar {
	out := make([]corev1.EnvVar, 0, len(env))
	for _, k := range sortedKeys(env) {
		out = append(out, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
