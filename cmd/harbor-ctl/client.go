package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultServer = "https://localhost:8443"

// credentials is the cached login state at ~/.l8e-harbor/credentials.
type credentials struct {
	Server    string    `json:"server"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func credentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".l8e-harbor", "credentials"), nil
}

func loadCredentials() *credentials {
	path, err := credentialsPath()
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil
	}
	return &creds
}

func saveCredentials(creds *credentials) error {
	path, err := credentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// client is a thin wrapper over the management REST surface. Server and
// token resolve flag > environment > cached credentials > default.
type client struct {
	server string
	token  string
	http   *http.Client
}

func newClient() *client {
	creds := loadCredentials()

	server := flagServer
	if server == "" {
		server = os.Getenv("HARBOR_SERVER")
	}
	if server == "" && creds != nil {
		server = creds.Server
	}
	if server == "" {
		server = defaultServer
	}
	server = strings.TrimRight(server, "/")

	token := flagToken
	if token == "" {
		token = os.Getenv("HARBOR_TOKEN")
	}
	if token == "" && creds != nil && creds.Server == server {
		token = creds.Token
	}

	transport := &http.Transport{}
	if flagInsecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &client{
		server: server,
		token:  token,
		http:   &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx verdict from the server, as opposed to a
// transport failure.
type apiError struct {
	Status int
	Detail string
}

func (e *apiError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (HTTP %d)", e.Detail, e.Status)
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// do issues a request and returns the raw response body. Non-2xx
// responses surface the server's detail message as an *apiError.
func (c *client) do(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.server+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.server, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var detail struct {
			Detail string `json:"detail"`
		}
		json.Unmarshal(data, &detail)
		return nil, &apiError{Status: resp.StatusCode, Detail: detail.Detail}
	}
	return data, nil
}

func (c *client) get(path string) ([]byte, error)          { return c.do(http.MethodGet, path, nil) }
func (c *client) post(path string, v any) ([]byte, error)  { return c.do(http.MethodPost, path, v) }
func (c *client) delete(path string) ([]byte, error)       { return c.do(http.MethodDelete, path, nil) }
