package kubernetes

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetform/fleetform/internal/cluster"
	"github.com/fleetform/fleetform/internal/config"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	k8sresource "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelWorkload  = "fleetform.dev/workload"
	managedByValue = "fleetform"

	restartedAtAnnotation = "fleetform.dev/restarted-at"
)

// Orchestrator drives customer workloads as Kubernetes Deployments.
type Orchestrator struct {
	client    kubernetes.Interface
	namespace string
	log       *zap.Logger
}

// New builds a client from the kubeconfig path, falling back to in-cluster
// configuration when the path is empty.
func New(cfg config.Config, log *zap.Logger) (*Orchestrator, error) {
	restCfg, err := buildRESTConfig(cfg.KubeconfigPath)
	if err != nil {
		return nil, err
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClient(client, cfg.WorkloadNamespace, log), nil
}

// NewWithClient wires an existing clientset; tests pass the fake clientset.
func NewWithClient(client kubernetes.Interface, namespace string, log *zap.Logger) *Orchestrator {
	if namespace == "" {
		namespace = "default"
	}
	return &Orchestrator{
		client:    client,
		namespace: namespace,
		log:       log.Named("cluster.kubernetes"),
	}
}

func buildRESTConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	}
	return rest.InClusterConfig()
}

// EnsureWorkload creates the Deployment or updates it to the declared spec.
// AlreadyExists on create is treated as success and folded into an update.
func (o *Orchestrator) EnsureWorkload(ctx context.Context, spec cluster.WorkloadSpec) error {
	desired := o.deployment(spec)

	deployments := o.client.AppsV1().Deployments(o.namespace)
	existing, err := deployments.Get(ctx, spec.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = deployments.Create(ctx, desired, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			// Lost a create race; converge via update below.
			existing, err = deployments.Get(ctx, spec.Name, metav1.GetOptions{})
		} else {
			return classify(err)
		}
	}
	if err != nil {
		return classify(err)
	}

	existing.Labels = desired.Labels
	existing.Spec = desired.Spec
	_, err = deployments.Update(ctx, existing, metav1.UpdateOptions{})
	return classify(err)
}

// ScaleWorkload sets the replica count of an existing workload.
func (o *Orchestrator) ScaleWorkload(ctx context.Context, name string, replicas int32) error {
	deployments := o.client.AppsV1().Deployments(o.namespace)
	existing, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return cluster.ErrWorkloadNotFound
	}
	if err != nil {
		return classify(err)
	}
	existing.Spec.Replicas = &replicas
	_, err = deployments.Update(ctx, existing, metav1.UpdateOptions{})
	return classify(err)
}

// RestartWorkload triggers a rolling restart via the restarted-at annotation.
func (o *Orchestrator) RestartWorkload(ctx context.Context, name string) error {
	deployments := o.client.AppsV1().Deployments(o.namespace)
	existing, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return cluster.ErrWorkloadNotFound
	}
	if err != nil {
		return classify(err)
	}
	if existing.Spec.Template.Annotations == nil {
		existing.Spec.Template.Annotations = map[string]string{}
	}
	existing.Spec.Template.Annotations[restartedAtAnnotation] = time.Now().UTC().Format(time.RFC3339)
	_, err = deployments.Update(ctx, existing, metav1.UpdateOptions{})
	return classify(err)
}

// WorkloadHealth maps Deployment replica counts onto the health enum.
func (o *Orchestrator) WorkloadHealth(ctx context.Context, name string) (cluster.Health, error) {
	existing, err := o.client.AppsV1().Deployments(o.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return cluster.HealthMissing, nil
	}
	if err != nil {
		return "", classify(err)
	}

	desired := int32(1)
	if existing.Spec.Replicas != nil {
		desired = *existing.Spec.Replicas
	}
	if desired == 0 {
		return cluster.HealthStopped, nil
	}
	if existing.Status.ReadyReplicas >= desired {
		return cluster.HealthHealthy, nil
	}
	return cluster.HealthDegraded, nil
}

// DeleteWorkload removes the Deployment. NotFound is success: the desired
// end state already holds.
func (o *Orchestrator) DeleteWorkload(ctx context.Context, name string) error {
	err := o.client.AppsV1().Deployments(o.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return classify(err)
}

func (o *Orchestrator) deployment(spec cluster.WorkloadSpec) *appsv1.Deployment {
	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelWorkload:  spec.Name,
	}
	replicas := spec.Replicas

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: o.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{labelWorkload: spec.Name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{labelWorkload: spec.Name},
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  "runtime",
							Image: spec.Image,
							Env: []corev1.EnvVar{
								{Name: "INSTANCE_HOSTNAME", Value: spec.Hostname},
								{Name: "MAX_AGENTS", Value: fmt.Sprintf("%d", spec.Quota.MaxAgents)},
								{Name: "MAX_MESSAGES_PER_PERIOD", Value: fmt.Sprintf("%d", spec.Quota.MaxMessagesPerPeriod)},
								{Name: "STORAGE_QUOTA_MB", Value: fmt.Sprintf("%d", spec.Quota.StorageQuotaMB)},
							},
							Resources: corev1.ResourceRequirements{
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    *k8sresource.NewMilliQuantity(spec.Quota.CPUMilli, k8sresource.DecimalSI),
									corev1.ResourceMemory: *k8sresource.NewQuantity(spec.Quota.MemoryMB*1024*1024, k8sresource.BinarySI),
								},
							},
						},
					},
				},
			},
		},
	}
}

// classify separates retryable apiserver failures from terminal ones.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsUnexpectedServerError(err) {
		return cluster.Transient(err)
	}
	return err
}
