package localfs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
	"github.com/l8e-harbor/l8e-harbor/internal/logging"
	"github.com/l8e-harbor/l8e-harbor/internal/secret"
	"go.uber.org/zap"
)

// Provider stores secrets as JSON files under a base directory. Files are
// written 0600 and directories 0700.
type Provider struct {
	base   string
	logger *zap.Logger
}

// New creates a localfs provider rooted at base, creating the directory
// if needed.
func New(base string) (*Provider, error) {
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, herrors.Wrap(err, http.StatusInternalServerError, "Failed to create secrets directory")
	}
	return &Provider{
		base:   base,
		logger: logging.Global().With(zap.String("component", "secret_provider")),
	}, nil
}

// validPath rejects traversal outside the base directory.
func validPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return herrors.Validation("secret path", "must be a relative path without '..'")
	}
	return nil
}

// Get reads the payload at path. JSON is the primary format; YAML and
// plain-text files are accepted as fallbacks for hand-managed secrets.
func (p *Provider) Get(ctx context.Context, path string) (map[string]any, error) {
	if err := validPath(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(p.base, path+".json"))
	if err == nil {
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, herrors.Wrap(err, http.StatusInternalServerError, "Failed to read secret '"+path+"'")
		}
		return payload, nil
	}
	if !os.IsNotExist(err) {
		return nil, herrors.Wrap(err, http.StatusInternalServerError, "Failed to read secret '"+path+"'")
	}

	if data, err := os.ReadFile(filepath.Join(p.base, path+".yaml")); err == nil {
		var payload map[string]any
		if err := yaml.Unmarshal(data, &payload); err != nil {
			return nil, herrors.Wrap(err, http.StatusInternalServerError, "Failed to read secret '"+path+"'")
		}
		return payload, nil
	}

	if data, err := os.ReadFile(filepath.Join(p.base, path)); err == nil {
		return map[string]any{"value": strings.TrimSpace(string(data))}, nil
	}

	return nil, herrors.NotFound("Secret '%s' not found", path)
}

// Put writes the payload at path atomically with 0600 permissions.
func (p *Provider) Put(ctx context.Context, path string, payload map[string]any) error {
	if err := validPath(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return herrors.Wrap(err, http.StatusInternalServerError, "Failed to write secret '"+path+"'")
	}
	if err := writeSecretFile(filepath.Join(p.base, path+".json"), data); err != nil {
		return herrors.Wrap(err, http.StatusInternalServerError, "Failed to write secret '"+path+"'")
	}
	return nil
}

// Delete removes the secret at path.
func (p *Provider) Delete(ctx context.Context, path string) error {
	if err := validPath(path); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(p.base, path+".json"))
	if os.IsNotExist(err) {
		return herrors.NotFound("Secret '%s' not found", path)
	}
	if err != nil {
		return herrors.Wrap(err, http.StatusInternalServerError, "Failed to delete secret '"+path+"'")
	}
	return nil
}

// List returns the secret names under the base directory matching prefix.
func (p *Provider) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(p.base)
	if err != nil {
		return nil, herrors.Wrap(err, http.StatusInternalServerError, "Failed to list secrets")
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// EnsureDefaults seeds the secret layout a fresh install needs: the JWT
// key reference, empty token and user tables, and an RSA keypair on disk
// when none exists yet. Existing secrets are never touched.
func (p *Provider) EnsureDefaults(ctx context.Context) error {
	privPath := filepath.Join(p.base, "jwt_private.pem")
	pubPath := filepath.Join(p.base, "jwt_public.pem")

	defaults := map[string]map[string]any{
		secret.PathJWTKeys: {
			"private_key_path": privPath,
			"public_key_path":  pubPath,
		},
		secret.PathTokens: {},
		secret.PathUsers:  {},
	}
	for name, payload := range defaults {
		if _, err := p.Get(ctx, name); err == nil {
			continue
		} else if !herrors.Is(err, herrors.ErrNotFound) {
			return err
		}
		if err := p.Put(ctx, name, payload); err != nil {
			return err
		}
	}

	// A key reference without key material would leave login broken, so
	// generate a keypair for the referenced paths when both are absent.
	if _, err := os.Stat(privPath); os.IsNotExist(err) {
		if _, err := os.Stat(pubPath); os.IsNotExist(err) {
			if err := generateKeyPair(privPath, pubPath); err != nil {
				return herrors.Wrap(err, http.StatusInternalServerError, "Failed to generate JWT keypair")
			}
			p.logger.Info("Generated JWT signing keypair",
				zap.String("private_key", privPath),
				zap.String("public_key", pubPath),
			)
		}
	}
	return nil
}

func generateKeyPair(privPath, pubPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	if err := writeSecretFile(privPath, privPEM); err != nil {
		return err
	}
	return writeSecretFile(pubPath, pubPEM)
}

// writeSecretFile writes data atomically with 0600 permissions.
func writeSecretFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}
