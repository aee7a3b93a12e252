package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"reconbatch/internal/job"
)

// KubernetesConfig configures the Kubernetes Jobs backend.
type KubernetesConfig struct {
	// Namespace where jobs are created.
	Namespace string
	// Image is the container image carrying the reconstruction tool.
	Image string
	// Tool is the in-container tool command; the translated graph document
	// path is appended as the last argument.
	Tool []string
	// ServiceAccount for job pods (optional).
	ServiceAccount string
	// Resource limits for job pods.
	CPULimit    string
	MemoryLimit string
	// DataVolumeClaim is a PVC backed by the shared filesystem holding
	// inputs, outputs and graph documents (HostDataDir on this machine).
	DataVolumeClaim string
	// HostDataDir is the local view of the shared filesystem.
	HostDataDir string
	// DataMountPath is where the claim is mounted in job pods.
	DataMountPath string
}

// KubernetesBackend runs jobs as Kubernetes batch Jobs.
type KubernetesBackend struct {
	clientset kubernetes.Interface
	cfg       KubernetesConfig
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetes creates a Kubernetes-based backend. It tries in-cluster
// configuration first and falls back to kubeconfig for local development.
func NewKubernetes(cfg KubernetesConfig) (*KubernetesBackend, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("kubernetes backend: image is required")
	}
	if len(cfg.Tool) == 0 {
		return nil, fmt.Errorf("kubernetes backend: tool command is required")
	}
	if cfg.DataVolumeClaim == "" {
		return nil, fmt.Errorf("kubernetes backend: data volume claim is required")
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubernetes backend: build config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes backend: create clientset: %w", err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.CPULimit == "" {
		cfg.CPULimit = "2"
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = "4Gi"
	}
	if cfg.DataMountPath == "" {
		cfg.DataMountPath = "/data"
	}

	return &KubernetesBackend{clientset: clientset, cfg: cfg}, nil
}

func (b *KubernetesBackend) Name() string { return "kubernetes" }

func (b *KubernetesBackend) translatePath(host string) (string, error) {
	rel, err := filepath.Rel(b.cfg.HostDataDir, host)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside the shared data directory %s", host, b.cfg.HostDataDir)
	}
	return filepath.Join(b.cfg.DataMountPath, rel), nil
}

// Submit implements Backend.Submit by creating a Kubernetes Job.
func (b *KubernetesBackend) Submit(ctx context.Context, j *job.Job) (Handle, error) {
	if err := writeGraphDoc(j); err != nil {
		return nil, &SubmissionError{Backend: b.Name(), Err: err}
	}
	graphInPod, err := b.translatePath(j.GraphPath)
	if err != nil {
		return nil, &SubmissionError{Backend: b.Name(), Err: err}
	}

	jobName := fmt.Sprintf("recon-%s-%d", sanitizeName(j.ID), time.Now().Unix())
	cmd := append(append([]string(nil), b.cfg.Tool...), graphInPod)

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.cfg.CPULimit),
			corev1.ResourceMemory: resource.MustParse(b.cfg.MemoryLimit),
		},
	}

	// No scheduler-side retries: attempt accounting lives in the orchestrator.
	backoffLimit := int32(0)
	k8sJob := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: b.cfg.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "reconbatch",
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"job-name":                     jobName,
						"app.kubernetes.io/managed-by": "reconbatch",
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Volumes: []corev1.Volume{
						{
							Name: "data",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: b.cfg.DataVolumeClaim,
								},
							},
						},
					},
					Containers: []corev1.Container{
						{
							Name:      "recon",
							Image:     b.cfg.Image,
							Command:   cmd,
							Resources: resources,
							VolumeMounts: []corev1.VolumeMount{
								{Name: "data", MountPath: b.cfg.DataMountPath},
							},
						},
					},
				},
			},
		},
	}
	if b.cfg.ServiceAccount != "" {
		k8sJob.Spec.Template.Spec.ServiceAccountName = b.cfg.ServiceAccount
	}

	created, err := b.clientset.BatchV1().Jobs(b.cfg.Namespace).Create(ctx, k8sJob, metav1.CreateOptions{})
	if err != nil {
		return nil, &SubmissionError{Backend: b.Name(), Err: fmt.Errorf("create kubernetes job: %w", err)}
	}

	return &kubernetesHandle{
		clientset: b.clientset,
		j:         j,
		namespace: b.cfg.Namespace,
		jobName:   created.Name,
	}, nil
}

func sanitizeName(id string) string {
	s := strings.ToLower(id)
	s = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, s)
	return strings.Trim(s, "-")
}

type kubernetesHandle struct {
	clientset kubernetes.Interface
	j         *job.Job
	namespace string
	jobName   string
	podName   string
}

// Wait blocks until the job's pod completes.
func (h *kubernetesHandle) Wait(ctx context.Context) (ExitResult, error) {
	podName, err := h.waitForPod(ctx)
	if err != nil {
		return ExitResult{ExitCode: -1, Err: err}, err
	}
	h.podName = podName

	watcher, err := h.clientset.CoreV1().Pods(h.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", podName),
	})
	if err != nil {
		return ExitResult{ExitCode: -1, Err: err}, err
	}
	defer watcher.Stop()

	for event := range watcher.ResultChan() {
		if event.Type == watch.Error {
			err := fmt.Errorf("pod watch error for %s", podName)
			return ExitResult{ExitCode: -1, Err: err}, err
		}
		pod, ok := event.Object.(*corev1.Pod)
		if !ok {
			continue
		}

		switch pod.Status.Phase {
		case corev1.PodSucceeded:
			if err := VerifyOutputs(h.j); err != nil {
				return ExitResult{ExitCode: 0, Err: err}, nil
			}
			return ExitResult{ExitCode: 0}, nil

		case corev1.PodFailed:
			exitCode := -1
			reason := "pod failed"
			if len(pod.Status.ContainerStatuses) > 0 {
				cs := pod.Status.ContainerStatuses[0]
				if cs.State.Terminated != nil {
					exitCode = int(cs.State.Terminated.ExitCode)
					if cs.State.Terminated.Reason != "" {
						reason = cs.State.Terminated.Reason
					}
				}
			}
			return ExitResult{
				ExitCode: exitCode,
				Err:      &ExecutionError{JobID: h.j.ID, ExitCode: exitCode, Reason: reason},
			}, nil
		}
	}

	return ExitResult{ExitCode: -1, Err: ctx.Err()}, ctx.Err()
}

// waitForPod polls until the job's pod exists and returns its name.
func (h *kubernetesHandle) waitForPod(ctx context.Context) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			pods, err := h.clientset.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
				LabelSelector: fmt.Sprintf("job-name=%s", h.jobName),
			})
			if err != nil {
				return "", err
			}
			if len(pods.Items) > 0 {
				return pods.Items[0].Name, nil
			}
		}
	}
}

// Cancel deletes the Kubernetes Job with foreground propagation so pods are
// cleaned up with it.
func (h *kubernetesHandle) Cancel(ctx context.Context) error {
	propagation := metav1.DeletePropagationForeground
	err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		return fmt.Errorf("delete kubernetes job %s: %w", h.jobName, err)
	}
	return nil
}

func (h *kubernetesHandle) Logs(ctx context.Context) (io.ReadCloser, error) {
	podName := h.podName
	if podName == "" {
		var err error
		podName, err = h.waitForPod(ctx)
		if err != nil {
			return nil, err
		}
		h.podName = podName
	}
	req := h.clientset.CoreV1().Pods(h.namespace).GetLogs(podName, &corev1.PodLogOptions{Follow: true})
	return req.Stream(ctx)
}
