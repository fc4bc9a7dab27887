package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
)

const (
	namePrefix    = "l8e-harbor-"
	labelSelector = "app=l8e-harbor,component=secret"
)

var secretLabels = map[string]string{
	"app":       "l8e-harbor",
	"component": "secret",
}

// Provider stores secrets as Kubernetes Secret objects labeled
// app=l8e-harbor,component=secret in a single namespace.
type Provider struct {
	client    kubernetes.Interface
	namespace string
}

// New creates a Kubernetes secret provider. In-cluster configuration is
// preferred, with a kubeconfig fallback for development. An empty
// namespace defaults to the pod's own namespace.
func New(namespace string) (*Provider, error) {
	k8sConfig, err := rest.InClusterConfig()
	if err != nil {
		k8sConfig, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load Kubernetes configuration: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	if namespace == "" {
		namespace = currentNamespace()
	}

	return &Provider{client: client, namespace: namespace}, nil
}

// NewWithClient creates a provider around an existing client. Used by
// tests with a fake clientset.
func NewWithClient(client kubernetes.Interface, namespace string) *Provider {
	if namespace == "" {
		namespace = "default"
	}
	return &Provider{client: client, namespace: namespace}
}

func currentNamespace() string {
	data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace")
	if err != nil {
		return "default"
	}
	return strings.TrimSpace(string(data))
}

// secretName converts a secret path to a Kubernetes object name.
func secretName(path string) string {
	name := strings.NewReplacer("_", "-", "/", "-").Replace(path)
	return namePrefix + strings.ToLower(name)
}

// pathFromName reverses secretName. Dashes map back to underscores, so
// paths containing both are not round-trippable; the adapters only use
// underscore paths.
func pathFromName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, namePrefix), "-", "_")
}

// Get reads the payload from the Secret's data. Values are decoded from
// JSON where possible; a single "data" key holding an object unwraps to
// that object.
func (p *Provider) Get(ctx context.Context, path string) (map[string]any, error) {
	s, err := p.client.CoreV1().Secrets(p.namespace).Get(ctx, secretName(path), metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return nil, herrors.NotFound("Secret '%s' not found", path)
	}
	if err != nil {
		return nil, herrors.Wrap(err, http.StatusInternalServerError, "Failed to get secret '"+path+"'")
	}

	result := make(map[string]any, len(s.Data))
	for key, raw := range s.Data {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			result[key] = v
		} else {
			result[key] = string(raw)
		}
	}

	if len(result) == 1 {
		if inner, ok := result["data"].(map[string]any); ok {
			return inner, nil
		}
	}
	return result, nil
}

// Put stores the payload, patching the existing Secret or creating it on
// 404.
func (p *Provider) Put(ctx context.Context, path string, payload map[string]any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return herrors.Wrap(err, http.StatusInternalServerError, "Failed to encode secret '"+path+"'")
	}

	name := secretName(path)
	body := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: secretLabels,
		},
		Data: data,
	}

	patch, err := json.Marshal(body)
	if err != nil {
		return herrors.Wrap(err, http.StatusInternalServerError, "Failed to encode secret '"+path+"'")
	}

	secrets := p.client.CoreV1().Secrets(p.namespace)
	_, err = secrets.Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if k8serrors.IsNotFound(err) {
		_, err = secrets.Create(ctx, body, metav1.CreateOptions{})
	}
	if err != nil {
		return herrors.Wrap(err, http.StatusInternalServerError, "Failed to write secret '"+path+"'")
	}
	return nil
}

// encodePayload maps a payload onto Secret data keys. A single scalar
// value keeps its own key; anything structured is stored as JSON under
// "data".
func encodePayload(payload map[string]any) (map[string][]byte, error) {
	data := make(map[string][]byte)

	if len(payload) == 1 {
		for key, value := range payload {
			switch value.(type) {
			case map[string]any, []any:
				raw, err := json.Marshal(value)
				if err != nil {
					return nil, err
				}
				data["data"] = raw
			default:
				data[key] = []byte(fmt.Sprint(value))
			}
		}
		return data, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	data["data"] = raw
	return data, nil
}

// Delete removes the Secret backing path.
func (p *Provider) Delete(ctx context.Context, path string) error {
	err := p.client.CoreV1().Secrets(p.namespace).Delete(ctx, secretName(path), metav1.DeleteOptions{})
	if k8serrors.IsNotFound(err) {
		return herrors.NotFound("Secret '%s' not found", path)
	}
	if err != nil {
		return herrors.Wrap(err, http.StatusInternalServerError, "Failed to delete secret '"+path+"'")
	}
	return nil
}

// List returns the stored paths matching prefix.
func (p *Provider) List(ctx context.Context, prefix string) ([]string, error) {
	list, err := p.client.CoreV1().Secrets(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, herrors.Wrap(err, http.StatusInternalServerError, "Failed to list secrets")
	}

	var names []string
	for _, s := range list.Items {
		if !strings.HasPrefix(s.Name, namePrefix) {
			continue
		}
		path := pathFromName(s.Name)
		if strings.HasPrefix(path, prefix) {
			names = append(names, path)
		}
	}
	sort.Strings(names)
	return names, nil
}
