package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	keyVaultAPIVersion = "7.4"
	keyVaultScope      = "https://vault.azure.net/.default"
)

// KeyVaultConfig configures the Azure Key Vault driver.
type KeyVaultConfig struct {
	VaultURL     string
	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
}

// KeyVaultOption configures a KeyVaultStore.
type KeyVaultOption func(*KeyVaultStore)

// WithHTTPClient replaces the client-credentials HTTP client.
func WithHTTPClient(hc *http.Client) KeyVaultOption {
	return func(s *KeyVaultStore) { s.http = hc }
}

// KeyVaultStore implements Store with the Key Vault REST API.
type KeyVaultStore struct {
	vaultURL string
	timeout  time.Duration
	http     *http.Client
}

var _ Store = (*KeyVaultStore)(nil)

func NewKeyVaultStore(cfg KeyVaultConfig, opts ...KeyVaultOption) (*KeyVaultStore, error) {
	if cfg.VaultURL == "" {
		return nil, errors.New("key vault url is required")
	}
	s := &KeyVaultStore{vaultURL: strings.TrimRight(cfg.VaultURL, "/"), timeout: cfg.Timeout}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.http == nil {
		if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New("key vault requires tenant id, client id and client secret")
		}
		tokenURL := cfg.TokenURL
		if tokenURL == "" {
			tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{keyVaultScope},
		}
		s.http = cc.Client(context.Background())
	}
	return s, nil
}

func (s *KeyVaultStore) secretURL(name string) string {
	return s.vaultURL + "/secrets/" + url.PathEscape(name) + "?api-version=" + keyVaultAPIVersion
}

func (s *KeyVaultStore) do(ctx context.Context, method, target string, body any) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding key vault request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("creating key vault request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: reading response: %v", ErrBackend, err)
	}
	return data, resp.StatusCode, nil
}

// SetSecret creates a new version of the secret.
func (s *KeyVaultStore) SetSecret(ctx context.Context, name, value, organizationID string, tags map[string]string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	body := map[string]any{
		"value":       value,
		"contentType": "text/plain",
		"tags":        mergeTags(tags, organizationID),
	}
	_, status, err := s.do(ctx, http.MethodPut, s.secretURL(name), body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%w: setting %s returned %d", ErrBackend, name, status)
	}
	return nil
}

// GetSecret returns the current version of the secret.
func (s *KeyVaultStore) GetSecret(ctx context.Context, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	data, status, err := s.do(ctx, http.MethodGet, s.secretURL(name), nil)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	case status < 200 || status >= 300:
		return "", fmt.Errorf("%w: getting %s returned %d", ErrBackend, name, status)
	}

	var bundle struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return "", fmt.Errorf("%w: decoding secret bundle: %v", ErrBackend, err)
	}
	return bundle.Value, nil
}
