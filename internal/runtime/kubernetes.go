package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// K8sRuntime implements AgentRuntime using the Kubernetes API. Container
// ids take the form "namespace/podName".
type K8sRuntime struct {
	clientset  kubernetes.Interface
	namespace  string
	agentImage string
}

// NewK8sRuntime creates a K8sRuntime, trying in-cluster config first, then
// falling back to kubeconfig. All agent pods live in namespace.
func NewK8sRuntime(namespace, agentImage string) (*K8sRuntime, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		kubeconfigPath := os.Getenv("KUBECONFIG")
		if kubeconfigPath == "" {
			home, _ := os.UserHomeDir()
			kubeconfigPath = filepath.Join(home, ".kube", "config")
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("creating k8s config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("creating k8s clientset: %w", err)
	}

	if namespace == "" {
		namespace = "agentmux"
	}
	if agentImage == "" {
		agentImage = DefaultAgentImage
	}
	return &K8sRuntime{clientset: clientset, namespace: namespace, agentImage: agentImage}, nil
}

// Namespace returns the namespace agent pods run in.
func (k *K8sRuntime) Namespace() string { return k.namespace }

func natsDeploymentName() string { return "agentmux-nats" }
func natsServiceName() string    { return "agentmux-nats" }

// parseContainerID splits a compound container id ("namespace/podName").
func parseContainerID(id string) (namespace, podName string, err error) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid container id %q: expected namespace/name", id)
	}
	return parts[0], parts[1], nil
}

// SpawnAgent creates a pod for the agent in the configured namespace.
func (k *K8sRuntime) SpawnAgent(ctx context.Context, config SpawnConfig) (*AgentInstance, error) {
	if err := validateAgentID(config.AgentID); err != nil {
		return nil, err
	}
	img := config.Image
	if img == "" {
		img = k.agentImage
	}
	podName := AgentContainerName(config.AgentID)

	slog.Info("spawning agent pod", "agent", config.AgentID, "namespace", k.namespace)

	env := []corev1.EnvVar{
		{Name: "AGENT_ID", Value: config.AgentID},
		{Name: "AGENT_TASK", Value: config.Task},
	}
	for key, value := range config.Env {
		if value != "" {
			env = append(env, corev1.EnvVar{Name: key, Value: value})
		}
	}

	resources := corev1.ResourceRequirements{}
	if config.Resources.Memory != "" || config.Resources.CPU != "" {
		resources.Requests = corev1.ResourceList{}
		resources.Limits = corev1.ResourceList{}
		if config.Resources.Memory != "" {
			mem := resource.MustParse(config.Resources.Memory)
			resources.Requests[corev1.ResourceMemory] = mem
			resources.Limits[corev1.ResourceMemory] = mem
		}
		if config.Resources.CPU != "" {
			cpu := resource.MustParse(config.Resources.CPU)
			resources.Requests[corev1.ResourceCPU] = cpu
			resources.Limits[corev1.ResourceCPU] = cpu
		}
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: k.namespace,
			Labels: map[string]string{
				LabelAgent: config.AgentID,
				LabelType:  config.AgentType,
			},
			Annotations: map[string]string{
				LabelTask: config.Task,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:      "agent",
					Image:     img,
					Env:       env,
					Resources: resources,
					Stdin:     true,
					TTY:       true,
				},
			},
		},
	}

	created, err := k.clientset.CoreV1().Pods(k.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating agent pod: %w", err)
	}

	containerID := k.namespace + "/" + created.Name
	slog.Info("agent pod created", "container", containerID, "agent", config.AgentID)
	return &AgentInstance{
		ID:          config.AgentID,
		Task:        config.Task,
		ContainerID: containerID,
	}, nil
}

// StopContainer deletes the agent pod.
func (k *K8sRuntime) StopContainer(ctx context.Context, containerID string) error {
	ns, podName, err := parseContainerID(containerID)
	if err != nil {
		return err
	}
	if err := k.clientset.CoreV1().Pods(ns).Delete(ctx, podName, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("deleting pod %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer is equivalent to StopContainer on Kubernetes; pod
// deletion already removes the resource. NotFound is not an error here so
// stop-then-remove sequences stay idempotent.
func (k *K8sRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	return k.StopContainer(ctx, containerID)
}

// ListAgents lists running pods whose names follow the agent naming
// convention.
func (k *K8sRuntime) ListAgents(ctx context.Context) ([]AgentContainer, error) {
	pods, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("listing agent pods: %w", err)
	}

	var out []AgentContainer
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}
		id, ok := ParseAgentContainerName(pod.Name)
		if !ok {
			continue
		}
		out = append(out, AgentContainer{
			AgentID:     id,
			ContainerID: pod.Namespace + "/" + pod.Name,
			Name:        pod.Name,
			Task:        pod.Annotations[LabelTask],
			AgentType:   pod.Labels[LabelType],
			StartedAt:   pod.CreationTimestamp.Time,
		})
	}
	return out, nil
}

// Logs returns the agent pod's log stream.
func (k *K8sRuntime) Logs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error) {
	ns, podName, err := parseContainerID(containerID)
	if err != nil {
		return nil, err
	}
	logOpts := &corev1.PodLogOptions{Follow: opts.Follow}
	if opts.Tail > 0 {
		tail := int64(opts.Tail)
		logOpts.TailLines = &tail
	}
	req := k.clientset.CoreV1().Pods(ns).GetLogs(podName, logOpts)
	return req.Stream(ctx)
}

// EnsureBusInfra creates the namespace plus a NATS deployment and
// ClusterIP service, waiting for the deployment to become ready.
func (k *K8sRuntime) EnsureBusInfra(ctx context.Context) error {
	_, err := k.clientset.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: k.namespace},
	}, metav1.CreateOptions{})
	if err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("creating namespace %s: %w", k.namespace, err)
	}

	replicas := int32(1)
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:   natsDeploymentName(),
			Labels: map[string]string{"app": natsDeploymentName()},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": natsDeploymentName()},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": natsDeploymentName()},
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  "nats",
							Image: NATSImage,
							Args:  []string{"--jetstream"},
							Ports: []corev1.ContainerPort{{ContainerPort: 4222, Protocol: corev1.ProtocolTCP}},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("50m"),
									corev1.ResourceMemory: resource.MustParse("64Mi"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("200m"),
									corev1.ResourceMemory: resource.MustParse("256Mi"),
								},
							},
						},
					},
				},
			},
		},
	}
	_, err = k.clientset.AppsV1().Deployments(k.namespace).Create(ctx, dep, metav1.CreateOptions{})
	if err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("creating nats deployment: %w", err)
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:   natsServiceName(),
			Labels: map[string]string{"app": natsDeploymentName()},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": natsDeploymentName()},
			Ports:    []corev1.ServicePort{{Port: 4222, Protocol: corev1.ProtocolTCP}},
			Type:     corev1.ServiceTypeClusterIP,
		},
	}
	_, err = k.clientset.CoreV1().Services(k.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("creating nats service: %w", err)
	}

	slog.Info("waiting for nats deployment to be ready", "namespace", k.namespace)
	err = wait.PollUntilContextTimeout(ctx, 2*time.Second, 2*time.Minute, true, func(ctx context.Context) (bool, error) {
		d, err := k.clientset.AppsV1().Deployments(k.namespace).Get(ctx, natsDeploymentName(), metav1.GetOptions{})
		if err != nil {
			return false, nil
		}
		return d.Status.ReadyReplicas >= 1, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for nats to be ready: %w", err)
	}

	slog.Info("nats is ready", "namespace", k.namespace)
	return nil
}

// NATSConnectURL returns the in-cluster DNS address of the NATS service.
func (k *K8sRuntime) NATSConnectURL(_ context.Context) (string, error) {
	return "nats://" + natsServiceName() + "." + k.namespace + ".svc.cluster.local:4222", nil
}

// TeardownInfra deletes the namespace, cascading to all agent pods and the
// NATS deployment.
func (k *K8sRuntime) TeardownInfra(ctx context.Context) error {
	slog.Info("tearing down k8s infrastructure", "namespace", k.namespace)
	err := k.clientset.CoreV1().Namespaces().Delete(ctx, k.namespace, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("deleting namespace %s: %w", k.namespace, err)
	}
	return nil
}
