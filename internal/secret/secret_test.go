package secret

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorialio/scotty/internal/apptypes"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)

	return l
}

func TestExpandVars_BasicSubstitution(t *testing.T) {
	t.Parallel()

	vars := map[string]string{"VAR1": "value1", "VAR2": "value2"}

	assert.Equal(t, "value1", expandVars("$VAR1", vars))
	assert.Equal(t, "value2", expandVars("${VAR2}", vars))
	assert.Equal(t, "prefix-value1-suffix", expandVars("prefix-$VAR1-suffix", vars))
}

func TestExpandVars_DefaultValues(t *testing.T) {
	t.Parallel()

	vars := map[string]string{"VAR1": "value1", "EMPTY": ""}

	assert.Equal(t, "value1", expandVars("${VAR1:-default}", vars))
	assert.Equal(t, "default", expandVars("${EMPTY:-default}", vars))
	assert.Equal(t, "default", expandVars("${UNSET:-default}", vars))

	assert.Equal(t, "value1", expandVars("${VAR1-default}", vars))
	assert.Equal(t, "", expandVars("${EMPTY-default}", vars))
	assert.Equal(t, "default", expandVars("${UNSET-default}", vars))
}

func TestExpandVars_ErrorMessagesEmbedInline(t *testing.T) {
	t.Parallel()

	vars := map[string]string{"VAR1": "value1", "EMPTY": ""}

	assert.Equal(t, "value1", expandVars("${VAR1:?error}", vars))
	assert.Contains(t, expandVars("${EMPTY:?error}", vars), "ERROR")
	assert.Contains(t, expandVars("${UNSET:?error}", vars), "unset or empty")
}

func TestExpandVars_Replacement(t *testing.T) {
	t.Parallel()

	vars := map[string]string{"VAR1": "value1", "EMPTY": ""}

	assert.Equal(t, "replacement", expandVars("${VAR1:+replacement}", vars))
	assert.Equal(t, "", expandVars("${EMPTY:+replacement}", vars))
	assert.Equal(t, "", expandVars("${UNSET:+replacement}", vars))

	assert.Equal(t, "replacement", expandVars("${VAR1+replacement}", vars))
	assert.Equal(t, "replacement", expandVars("${EMPTY+replacement}", vars))
	assert.Equal(t, "", expandVars("${UNSET+replacement}", vars))
}

func TestExpandVars_NestedSubstitution(t *testing.T) {
	t.Parallel()

	vars := map[string]string{"USER": "admin", "HOST": "example.com", "PORT": "8080"}

	assert.Equal(t, "admin@example.com:8080/api/default?token=secret",
		expandVars("${USER}@${HOST}:${PORT:-80}/api/${SERVICE:-default}?token=${TOKEN-secret}", vars))

	assert.Equal(t, "admin@example.com", expandVars("${OUTER:-${USER}@${HOST}}", vars))
	assert.Equal(t, "admin", expandVars("${LEVEL1:-${LEVEL2:-${USER}}}", vars))
}

func TestExtractEnvVars_ReturnsReferencesVerbatim(t *testing.T) {
	t.Parallel()

	vars := ExtractEnvVars("Connection: ${USER}:${PASSWORD} with $SIMPLE and ${VAR:-default} and ${OTHER-default}")

	assert.Len(t, vars, 5)
	assert.Contains(t, vars, "${USER}")
	assert.Contains(t, vars, "${PASSWORD}")
	assert.Contains(t, vars, "$SIMPLE")
	assert.Contains(t, vars, "${VAR:-default}")
	assert.Contains(t, vars, "${OTHER-default}")
}

func TestExtractEnvVars_ComplexExpressions(t *testing.T) {
	t.Parallel()

	vars := ExtractEnvVars("${VAR:+replacement} ${VAR+replacement} ${VAR:?error} ${VAR?error}")

	assert.Len(t, vars, 4)
}

func TestExtractEnvVars_NoReferencesReturnsEmpty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, ExtractEnvVars("no variables here"))
}

type fakeVault struct {
	secrets map[string]string
}

func (f *fakeVault) GetSecret(_ context.Context, vaultID, itemID, section, field string) (string, error) {
	key := strings.Join([]string{vaultID, itemID, section, field}, "/")

	value, ok := f.secrets[key]
	if !ok {
		return "", assert.AnError
	}

	return value, nil
}

func TestResolver_ResolvesOnePasswordReferences(t *testing.T) {
	t.Parallel()

	vault := &fakeVault{secrets: map[string]string{
		"vault1/item1//":         "my-little-secret",
		"vault1/item1//username": "scotty@factorial.io",
		"vault1/item1/SectionA/server": "https://scotty.test.url",
	}}

	r := NewResolver(testLogger(), map[string]VaultClient{"factorial": vault})

	settings := apptypes.AppSettings{Environment: map[string]string{
		"KEY1":            "value1",
		"USERNAME":        "op://factorial/vault1/item1/username",
		"PASSWORD":        "op://factorial/vault1/item1",
		"SECTION_A_SERVER": "op://factorial/vault1/item1/SectionA/server",
	}}

	out, err := r.Resolve(context.Background(), "myapp", settings)
	require.NoError(t, err)

	asMap := toMap(out)
	assert.Equal(t, "value1", asMap["KEY1"])
	assert.Equal(t, "scotty@factorial.io", asMap["USERNAME"])
	assert.Equal(t, "my-little-secret", asMap["PASSWORD"])
	assert.Equal(t, "https://scotty.test.url", asMap["SECTION_A_SERVER"])
}

func TestResolver_UnresolvableReferenceKeepsRawValue(t *testing.T) {
	t.Parallel()

	r := NewResolver(testLogger(), map[string]VaultClient{})

	settings := apptypes.AppSettings{Environment: map[string]string{
		"SECRET": "op://missing/vault/item",
	}}

	out, err := r.Resolve(context.Background(), "myapp", settings)
	require.NoError(t, err)

	asMap := toMap(out)
	assert.Equal(t, "op://missing/vault/item", asMap["SECRET"])
}

func TestResolver_AppliesVarSubstitutionAfterOnePassword(t *testing.T) {
	t.Parallel()

	r := NewResolver(testLogger(), map[string]VaultClient{})

	settings := apptypes.AppSettings{Environment: map[string]string{
		"DATABASE_USER":     "db_user",
		"DATABASE_HOST":     "localhost",
		"CONNECTION_STRING": "postgresql://${DATABASE_USER}@${DATABASE_HOST}/mydb",
	}}

	out, err := r.Resolve(context.Background(), "myapp", settings)
	require.NoError(t, err)

	asMap := toMap(out)
	assert.Equal(t, "postgresql://db_user@localhost/mydb", asMap["CONNECTION_STRING"])
}

func toMap(kvs []string) map[string]string {
	out := make(map[string]string, len(kvs))

	for _, kv := range kvs {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}

	return out
}
