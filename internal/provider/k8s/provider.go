// Package k8s runs project sandboxes as agent-sandbox Sandbox resources.
package k8s

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"

	"github.com/agentserver/projectbox/internal/provider"
)

const (
	labelManagedBy       = "managed-by"
	labelValue           = "projectbox"
	annotationExpiresAt  = "projectbox.dev/expires-at"
	sandboxNameHashLabel = "agents.x-k8s.io/sandbox-name-hash"
	sandboxContainerName = "sandbox"
	pollInterval         = 2 * time.Second
	pollTimeout          = 5 * time.Minute
)

// Compile-time interface check.
var _ provider.Provider = (*Provider)(nil)

// Provider implements provider.Provider with Sandbox CRs and remotecommand exec.
type Provider struct {
	cfg       Config
	restCfg   *rest.Config
	k8s       client.Client
	clientset kubernetes.Interface
	logger    *log.Logger
}

// New creates a Provider using in-cluster or KUBECONFIG config.
func New(cfg Config, logger *log.Logger) (*Provider, error) {
	restCfg, err := buildRESTConfig()
	if err != nil {
		return nil, fmt.Errorf("k8s config: %w", err)
	}

	s := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(s))
	utilruntime.Must(sandboxv1alpha1.AddToScheme(s))

	k8sClient, err := client.New(restCfg, client.Options{Scheme: s})
	if err != nil {
		return nil, fmt.Errorf("controller-runtime client: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Provider{
		cfg:       cfg,
		restCfg:   restCfg,
		k8s:       k8sClient,
		clientset: clientset,
		logger:    logger,
	}, nil
}

func buildRESTConfig() (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		kubeconfig = os.Getenv("HOME") + "/.kube/config"
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// CleanExpired deletes managed Sandbox CRs whose expiry annotation has passed.
func (p *Provider) CleanExpired(ctx context.Context) {
	var list sandboxv1alpha1.SandboxList
	if err := p.k8s.List(ctx, &list,
		client.InNamespace(p.cfg.Namespace),
		client.MatchingLabels{labelManagedBy: labelValue},
	); err != nil {
		p.logger.Warn("list managed sandboxes failed", "error", err)
		return
	}
	now := time.Now()
	for i := range list.Items {
		exp, ok := expiresAt(list.Items[i].Annotations)
		if ok && exp.After(now) {
			continue
		}
		p.logger.Info("deleting expired sandbox", "sandbox", list.Items[i].Name)
		if err := p.k8s.Delete(ctx, &list.Items[i]); err != nil && !apierrors.IsNotFound(err) {
			p.logger.Warn("delete expired sandbox failed", "sandbox", list.Items[i].Name, "error", err)
		}
	}
}

func (p *Provider) Create(ctx context.Context, opts provider.CreateOptions) (*provider.Handle, error) {
	name := resourceName(opts.Name)
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	exp := now.Add(ttl)

	env := make([]corev1.EnvVar, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	ports := make([]corev1.ContainerPort, 0, len(opts.Ports))
	for _, port := range opts.Ports {
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(port), Protocol: corev1.ProtocolTCP})
	}

	// The container sleeps for the TTL and the pod never restarts, so the
	// sandbox stops serving at expiry even if nobody deletes it.
	script := "mkdir -p " + p.cfg.Workdir + " && exec sleep " + strconv.Itoa(int(ttl.Seconds()))
	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   p.cfg.Namespace,
			Labels:      map[string]string{labelManagedBy: labelValue},
			Annotations: map[string]string{annotationExpiresAt: exp.UTC().Format(time.RFC3339)},
		},
		Spec: sandboxv1alpha1.SandboxSpec{
			PodTemplate: sandboxv1alpha1.PodTemplate{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:       sandboxContainerName,
						Image:      p.cfg.Image,
						Command:    []string{"sh", "-c", script},
						WorkingDir: "/",
						Env:        env,
						Ports:      ports,
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{
								corev1.ResourceMemory: resource.MustParse(p.cfg.MemoryLimit),
								corev1.ResourceCPU:    resource.MustParse(p.cfg.CPULimit),
							},
						},
					}},
					ImagePullSecrets: p.imagePullSecrets(),
					RuntimeClassName: p.runtimeClassName(),
					RestartPolicy:    corev1.RestartPolicyNever,
				},
			},
		},
	}

	if err := p.k8s.Create(ctx, sb); err != nil {
		return nil, fmt.Errorf("create sandbox CR: %w", err)
	}

	podName, err := p.waitForReady(ctx, name)
	if err != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_ = p.k8s.Delete(dctx, sb)
		return nil, fmt.Errorf("sandbox not ready: %w", err)
	}

	return &provider.Handle{ID: name, Addr: podName, CreatedAt: now, ExpiresAt: exp}, nil
}

func (p *Provider) Connect(ctx context.Context, id string) (*provider.Handle, error) {
	var sb sandboxv1alpha1.Sandbox
	key := client.ObjectKey{Namespace: p.cfg.Namespace, Name: id}
	if err := p.k8s.Get(ctx, key, &sb); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, provider.ErrNotFound
		}
		return nil, fmt.Errorf("get sandbox: %w", err)
	}
	if !isSandboxReady(&sb) {
		return nil, provider.ErrNotFound
	}
	exp, _ := expiresAt(sb.Annotations)
	if !exp.IsZero() && !exp.After(time.Now()) {
		return nil, provider.ErrNotFound
	}

	podName, err := p.runningPod(ctx, id)
	if err != nil {
		return nil, err
	}
	if podName == "" {
		return nil, provider.ErrNotFound
	}
	return &provider.Handle{ID: id, Addr: podName, CreatedAt: sb.CreationTimestamp.Time, ExpiresAt: exp}, nil
}

func (p *Provider) Endpoint(ctx context.Context, h *provider.Handle, port int) (string, error) {
	if p.cfg.EndpointDomain != "" {
		return fmt.Sprintf("https://%d-%s.%s", port, h.ID, p.cfg.EndpointDomain), nil
	}
	pod, err := p.clientset.CoreV1().Pods(p.cfg.Namespace).Get(ctx, h.Addr, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", provider.ErrNotFound
		}
		return "", fmt.Errorf("get pod: %w", err)
	}
	if pod.Status.PodIP == "" {
		return "", fmt.Errorf("pod %s has no IP", h.Addr)
	}
	return fmt.Sprintf("http://%s:%d", pod.Status.PodIP, port), nil
}

func (p *Provider) Terminate(ctx context.Context, h *provider.Handle) error {
	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{
			Name:      h.ID,
			Namespace: p.cfg.Namespace,
		},
	}
	if err := p.k8s.Delete(ctx, sb); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete sandbox %s: %w", h.ID, err)
	}
	return nil
}

// waitForReady polls until the Sandbox has Ready=True and returns the backing pod name.
func (p *Provider) waitForReady(ctx context.Context, sandboxName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		var sb sandboxv1alpha1.Sandbox
		key := client.ObjectKey{Namespace: p.cfg.Namespace, Name: sandboxName}
		if err := p.k8s.Get(ctx, key, &sb); err == nil && isSandboxReady(&sb) {
			if podName, err := p.runningPod(ctx, sandboxName); err == nil && podName != "" {
				return podName, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timed out waiting for sandbox %s: %w", sandboxName, ctx.Err())
		case <-ticker.C:
		}
	}
}

// runningPod resolves the Running pod behind a Sandbox via the controller's name-hash label.
func (p *Provider) runningPod(ctx context.Context, sandboxName string) (string, error) {
	podList, err := p.clientset.CoreV1().Pods(p.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: sandboxNameHashLabel + "=" + nameHash(sandboxName),
	})
	if err != nil {
		return "", fmt.Errorf("list pods: %w", err)
	}
	for _, pod := range podList.Items {
		if pod.Status.Phase == corev1.PodRunning {
			return pod.Name, nil
		}
	}
	return "", nil
}

func isSandboxReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// nameHash replicates the agent-sandbox controller's FNV-1a hash for label selectors.
func nameHash(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("%08x", h.Sum32())
}

// resourceName turns an arbitrary id into a DNS-1123 label.
func resourceName(name string) string {
	name = strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}

func (p *Provider) imagePullSecrets() []corev1.LocalObjectReference {
	if p.cfg.ImagePullSecret == "" {
		return nil
	}
	return []corev1.LocalObjectReference{{Name: p.cfg.ImagePullSecret}}
}

func (p *Provider) runtimeClassName() *string {
	if p.cfg.RuntimeClassName == "" {
		return nil
	}
	rc := p.cfg.RuntimeClassName
	return &rc
}

func expiresAt(annotations map[string]string) (time.Time, bool) {
	raw, ok := annotations[annotationExpiresAt]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
