package credentials

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// ErrSecretNotFound is returned when the referenced secret does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// VaultConfig configures a VaultSource.
type VaultConfig struct {
	// Address of the Vault server, e.g. https://vault.example.com:8200.
	Address string
	// MountPath of the KV v2 engine, "secret" when empty.
	MountPath string
	// Token authenticates requests. Ignored when ClientCert is set.
	Token string
	// ClientCert enables TLS client certificate authentication.
	ClientCert *tls.Certificate
	Timeout    time.Duration
}

// VaultSource reads provider credentials from a Vault KV v2 engine.
type VaultSource struct {
	client    *api.Client
	mountPath string
	log       *slog.Logger
}

var _ Source = (*VaultSource)(nil)

// NewVaultSource creates a Vault-backed credential source.
func NewVaultSource(cfg VaultConfig, log *slog.Logger) (*VaultSource, error) {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	config := api.DefaultConfig()
	config.Address = cfg.Address
	if cfg.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{*cfg.ClientCert}},
			},
			Timeout: timeout,
		}
	} else {
		config.Timeout = timeout
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mountPath := strings.Trim(cfg.MountPath, "/")
	if mountPath == "" {
		mountPath = "secret"
	}
	return &VaultSource{client: client, mountPath: mountPath, log: log}, nil
}

// Lookup reads {mount}/data/{ref} and returns its username and password keys.
func (v *VaultSource) Lookup(ctx context.Context, ref string) (Credentials, error) {
	start := time.Now()
	path := fmt.Sprintf("%s/data/%s", v.mountPath, strings.Trim(ref, "/"))

	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		v.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return Credentials{}, fmt.Errorf("failed to read %s from Vault: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("invalid data format in Vault response for %s", path)
	}
	username, _ := data["username"].(string)
	password, _ := data["password"].(string)
	if username == "" && password == "" {
		return Credentials{}, fmt.Errorf("secret %s has no username or password", path)
	}

	v.log.Debug("Fetched provider credentials from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))
	return Credentials{Username: username, Password: password}, nil
}
