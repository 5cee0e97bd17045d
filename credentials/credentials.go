// Package credentials resolves the secrets storage providers authenticate
// with. Credentials come either from the userinfo of a provider location URI
// or, when the URI carries credentials=vault:<path>, from a HashiCorp Vault
// KV v2 secret holding "username" and "password" keys.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/spacestore/interfaces"
)

// ErrNoCredentialSource is returned when a location references a credential
// source that is not configured.
var ErrNoCredentialSource = errors.New("credential source not configured")

// Credentials is an opaque identity and secret pair, such as an access key
// and secret key, an account name and key or a user name and API key.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no identity is set.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// Source looks up credentials by reference.
type Source interface {
	Lookup(ctx context.Context, ref string) (Credentials, error)
}

const vaultRefPrefix = "vault:"

// Resolver picks credentials for provider locations.
type Resolver struct {
	vault Source
	log   *slog.Logger
}

// NewResolver creates a resolver. vault may be nil when no Vault is configured.
func NewResolver(vault Source, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{vault: vault, log: log}
}

// Resolve returns the credentials for loc. A credentials=vault:<path> query
// parameter takes precedence over URI userinfo.
func (r *Resolver) Resolve(ctx context.Context, loc interfaces.ProviderLocation) (Credentials, error) {
	ref := loc.GetParam("credentials")
	if ref == "" {
		return Credentials{Username: loc.Username, Password: loc.Password}, nil
	}
	if !strings.HasPrefix(ref, vaultRefPrefix) {
		return Credentials{}, fmt.Errorf("unsupported credentials reference %q", ref)
	}
	if r.vault == nil {
		return Credentials{}, fmt.Errorf("%w: vault", ErrNoCredentialSource)
	}
	path := strings.TrimPrefix(ref, vaultRefPrefix)
	r.log.Debug("Resolving provider credentials from Vault", slog.String("path", path))
	return r.vault.Lookup(ctx, path)
}
