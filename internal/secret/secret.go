// Package secret implements the secret resolver (C15): op://-prefixed
// 1Password references and bash-style ${VAR} substitution applied to an
// app's configured environment before it reaches a compose invocation.
//
// Grounded on original_source/scotty/src/onepassword/{lookup,env_substitution}.rs
// for exact two-pass semantics (resolve op:// references first, then expand
// variable substitutions against the resolved set) and the op:// URI shape
// (token_name/vault_id/item_id[/section/field]). The resolver-behind-a-
// narrow-interface shape, selected by a name configured per app, is grounded
// on pkg/ai/factory.go's provider lookup.
package secret

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/factorialio/scotty/internal/apptypes"
)

// VaultClient resolves one field out of one vault item. field is "" to mean
// the item's primary password field, matching the op:// URI's 3-segment
// form (token_name/vault_id/item_id with no trailing field).
type VaultClient interface {
	GetSecret(ctx context.Context, vaultID, itemID, section, field string) (string, error)
}

// Resolver implements internal/lifecycle's EnvResolver, expanding op://
// references (against a named set of vault clients) and bash-style
// substitutions in an app's configured environment.
type Resolver struct {
	log    logrus.FieldLogger
	vaults map[string]VaultClient
}

// NewResolver creates a Resolver. vaults maps a configured token name (the
// first segment of an op:// URI) to the client used to resolve it.
func NewResolver(log logrus.FieldLogger, vaults map[string]VaultClient) *Resolver {
	return &Resolver{
		log:    log.WithField("component", "secret"),
		vaults: vaults,
	}
}

// Resolve expands settings.Environment into a sorted KEY=VALUE list, ready
// to append to a subprocess's environment.
func (r *Resolver) Resolve(ctx context.Context, appName string, settings apptypes.AppSettings) ([]string, error) {
	onePasswordResolved := make(map[string]string, len(settings.Environment))

	for key, value := range settings.Environment {
		if !strings.HasPrefix(value, "op://") {
			onePasswordResolved[key] = value

			continue
		}

		resolved, err := r.lookupOnePassword(ctx, value)
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"app": appName, "key": key}).Warn("failed to resolve secret reference")

			onePasswordResolved[key] = value

			continue
		}

		onePasswordResolved[key] = resolved
	}

	resolved := make(map[string]string, len(onePasswordResolved))
	for key, value := range onePasswordResolved {
		resolved[key] = expandVars(value, onePasswordResolved)
	}

	out := make([]string, 0, len(resolved))
	for key, value := range resolved {
		out = append(out, key+"="+value)
	}

	sort.Strings(out)

	return out, nil
}

// lookupOnePassword resolves a single op://token_name/vault_id/item_id
// [/section/field] reference.
func (r *Resolver) lookupOnePassword(ctx context.Context, uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, "op://")
	if !ok {
		return "", fmt.Errorf("invalid op:// URI: %s", uri)
	}

	parts := strings.Split(rest, "/")
	if len(parts) < 3 {
		return "", fmt.Errorf("invalid op:// URI %q: requires at least token_name/vault_id/item_id", uri)
	}

	tokenName, vaultID, itemID := parts[0], parts[1], parts[2]

	var section, field string

	switch {
	case len(parts) >= 5:
		section, field = parts[3], parts[4]
	case len(parts) == 4:
		field = parts[3]
	}

	client, ok := r.vaults[tokenName]
	if !ok {
		return "", fmt.Errorf("no vault configured for token %q", tokenName)
	}

	return client.GetSecret(ctx, vaultID, itemID, section, field)
}
