// Package k8ssa authenticates requests by submitting their bearer token
// to the Kubernetes TokenReview API. It is a pure verifier: it cannot
// mint or revoke tokens of its own.
package k8ssa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	authv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"go.uber.org/zap"

	"github.com/l8e-harbor/l8e-harbor/internal/auth"
	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
	"github.com/l8e-harbor/l8e-harbor/internal/logging"
	"github.com/l8e-harbor/l8e-harbor/internal/metrics"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

const saUsernamePrefix = "system:serviceaccount:"

// Adapter verifies ServiceAccount tokens via TokenReview. rolesMap maps
// "namespace:serviceaccount" to a harbor role; unmapped accounts get
// captain, except the l8e-harbor-admin account which gets harbor-master.
type Adapter struct {
	client   kubernetes.Interface
	rolesMap map[string]string
	logger   *zap.Logger
}

var _ auth.Adapter = (*Adapter)(nil)

// New creates the adapter using in-cluster configuration, falling back
// to the local kubeconfig for development.
func New(rolesMap map[string]string) (*Adapter, error) {
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
	return NewWithClient(client, rolesMap), nil
}

// NewWithClient creates an adapter around an existing client. Used by
// tests with a fake clientset.
func NewWithClient(client kubernetes.Interface, rolesMap map[string]string) *Adapter {
	if rolesMap == nil {
		rolesMap = map[string]string{}
	}
	return &Adapter{
		client:   client,
		rolesMap: rolesMap,
		logger:   logging.Global().With(zap.String("component", "auth_k8s_sa")),
	}
}

// Type identifies the adapter in logs and metrics.
func (a *Adapter) Type() string { return "k8s_sa" }

// Authenticate submits the bearer token for review and maps the
// authenticated ServiceAccount to a harbor role.
func (a *Adapter) Authenticate(ctx context.Context, r *http.Request) *model.AuthContext {
	token, ok := auth.BearerToken(r)
	if !ok {
		return nil
	}

	review := &authv1.TokenReview{
		Spec: authv1.TokenReviewSpec{Token: token},
	}
	result, err := a.client.AuthenticationV1().TokenReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		a.logger.Warn("TokenReview request failed", zap.Error(err))
		metrics.RecordAuthAttempt(a.Type(), false)
		return nil
	}
	if !result.Status.Authenticated {
		metrics.RecordAuthAttempt(a.Type(), false)
		return nil
	}

	username := result.Status.User.Username
	if !strings.HasPrefix(username, saUsernamePrefix) {
		metrics.RecordAuthAttempt(a.Type(), false)
		return nil
	}
	parts := strings.Split(username, ":")
	if len(parts) != 4 {
		metrics.RecordAuthAttempt(a.Type(), false)
		return nil
	}
	namespace, account := parts[2], parts[3]

	metrics.RecordAuthAttempt(a.Type(), true)
	return &model.AuthContext{
		Subject: username,
		Role:    a.roleFor(namespace, account),
		Meta: map[string]any{
			"namespace":       namespace,
			"service_account": account,
			"groups":          result.Status.User.Groups,
			"token_type":      "k8s_sa",
		},
	}
}

func (a *Adapter) roleFor(namespace, account string) string {
	if role, ok := a.rolesMap[namespace+":"+account]; ok {
		return role
	}
	if account == "l8e-harbor-admin" {
		return model.RoleHarborMaster
	}
	return model.RoleCaptain
}

// IssueToken is unsupported; the cluster owns the token lifecycle.
func (a *Adapter) IssueToken(ctx context.Context, subject, role string, ttl time.Duration) (string, error) {
	return "", herrors.ErrUnsupported
}

// RevokeToken is unsupported; tokens are revoked by deleting the
// ServiceAccount or its secret in the cluster.
func (a *Adapter) RevokeToken(ctx context.Context, tokenID string) (bool, error) {
	return false, herrors.ErrUnsupported
}

// VerifyCredentials always fails; there are no passwords in this scheme.
func (a *Adapter) VerifyCredentials(ctx context.Context, username, password string) (*model.AuthContext, error) {
	return nil, herrors.ErrUnsupported
}

// JWKS is unsupported; clients verify against the cluster's OIDC keys.
func (a *Adapter) JWKS(ctx context.Context) (json.RawMessage, error) {
	return nil, herrors.ErrUnsupported
}
