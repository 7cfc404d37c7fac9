package capability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCreds map[string]string

func (m mapCreds) Credential(_ context.Context, userID, service string) ([]byte, error) {
	v, ok := m[userID+"/"+service]
	if !ok {
		return nil, errors.New("not found")
	}
	return []byte(v), nil
}

type reverseDecrypter struct{ calls int }

func (d *reverseDecrypter) Decrypt(blob []byte) ([]byte, error) {
	d.calls++
	out := make([]byte, len(blob))
	for i := range blob {
		out[len(blob)-1-i] = blob[i]
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEveryKindHasBuilderAndDefault(t *testing.T) {
	cat := DefaultCatalog()
	for _, kind := range Kinds() {
		assert.True(t, Registered(kind), "kind %s has no builder", kind)
		_, ok := cat.Servers[kind]
		assert.True(t, ok, "kind %s has no default provider", kind)
	}
	require.NoError(t, cat.Validate())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Source-Control ")
	require.NoError(t, err)
	assert.Equal(t, SourceControl, k)

	_, err = ParseKind("telepathy")
	assert.Error(t, err)
}

func TestResolveSkipsMissingCredential(t *testing.T) {
	creds := mapCreds{"u1/github": "nekot"}
	c := NewConfigurator(nil, creds, &reverseDecrypter{}, testLogger())

	res := c.Resolve(context.Background(), Request{
		UserID:  "u1",
		AgentID: 3,
		Names:   []string{"source-control", "messaging", "task-management", "bogus"},
	})

	require.Contains(t, res.Descriptors, "source-control")
	assert.Equal(t, "token", res.Descriptors["source-control"].Env["GITHUB_PERSONAL_ACCESS_TOKEN"])
	assert.NotContains(t, res.Descriptors, "messaging")
	require.Contains(t, res.Descriptors, "task-management")
	assert.Equal(t, []string{"mcp", "--user-id", "u1", "--agent-id", "3"}, res.Descriptors["task-management"].Args)

	var skipped []string
	for _, s := range res.Skipped {
		skipped = append(skipped, s.Name)
	}
	assert.ElementsMatch(t, []string{"messaging", "bogus"}, skipped)
}

func TestResolveSkipsEmptyCredential(t *testing.T) {
	creds := mapCreds{"u1/github": "  \n", "u1/slack": "xoxb-1\n"}
	c := NewConfigurator(nil, creds, nil, testLogger())

	res := c.Resolve(context.Background(), Request{UserID: "u1", Names: []string{"source-control", "messaging"}})

	assert.NotContains(t, res.Descriptors, "source-control")
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "source-control", res.Skipped[0].Name)
	assert.Contains(t, res.Skipped[0].Reason, "empty")
	require.Contains(t, res.Descriptors, "messaging")
	assert.Equal(t, "xoxb-1", res.Descriptors["messaging"].Env["SLACK_BOT_TOKEN"])
}

func TestResolveZeroCapabilities(t *testing.T) {
	c := NewConfigurator(nil, mapCreds{}, nil, testLogger())
	res := c.Resolve(context.Background(), Request{UserID: "u1", Names: []string{"analytics"}})
	assert.Empty(t, res.Descriptors)
	assert.Len(t, res.Skipped, 1)
}

func TestResolveIsIdempotent(t *testing.T) {
	creds := mapCreds{"u1/github": "abc", "u1/posthog": "xyz", "u1/slack": "s"}
	dec := &reverseDecrypter{}
	c := NewConfigurator(nil, creds, dec, testLogger(), WithSelfCommand("/usr/local/bin/agentcrewd"), WithStateDir("/var/lib/agentcrew"))
	req := Request{
		UserID:     "u1",
		AgentID:    9,
		Names:      []string{"source-control", "analytics", "messaging", "task-management", "repository-analysis"},
		Settings:   map[string]map[string]string{"messaging": {"team_id": "T1"}},
		Repository: "https://github.com/acme/widgets.git",
	}

	first := c.Resolve(context.Background(), req)
	second := c.Resolve(context.Background(), req)

	assert.Equal(t, first.Descriptors, second.Descriptors)
	assert.Equal(t, "Bearer zyx", first.Descriptors["analytics"].Headers["Authorization"])
	assert.Equal(t, "T1", first.Descriptors["messaging"].Env["SLACK_TEAM_ID"])
	assert.Equal(t, "/usr/local/bin/agentcrewd", first.Descriptors["task-management"].Command)
	assert.Equal(t, "/var/lib/agentcrew", first.Descriptors["task-management"].Env["AGENTCREW_STATE_DIR"])
	assert.Equal(t, "https://gitmcp.io/acme/widgets", first.Descriptors["repository-analysis"].URL)
	assert.Equal(t, 6, dec.calls)

	// Mutating one result must not leak into the next.
	first.Descriptors["source-control"].Env["GITHUB_PERSONAL_ACCESS_TOKEN"] = "changed"
	third := c.Resolve(context.Background(), req)
	assert.Equal(t, "cba", third.Descriptors["source-control"].Env["GITHUB_PERSONAL_ACCESS_TOKEN"])
}

func TestRepositoryAnalysisSuppressedWhenMaterialized(t *testing.T) {
	c := NewConfigurator(nil, mapCreds{}, nil, testLogger())
	res := c.Resolve(context.Background(), Request{
		UserID:                 "u1",
		Names:                  []string{"repository-analysis"},
		Repository:             "git@github.com:acme/widgets.git",
		RepositoryMaterialized: true,
	})
	assert.Empty(t, res.Descriptors)

	res = c.Resolve(context.Background(), Request{
		UserID:     "u1",
		Names:      []string{"repository-analysis"},
		Repository: "git@github.com:acme/widgets.git",
	})
	assert.Equal(t, "https://gitmcp.io/acme/widgets", res.Descriptors["repository-analysis"].URL)
}

func TestLoadCatalogOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	data := []byte(`servers:
  analytics:
    transport: http
    url: https://analytics.internal/mcp
    credential: analytics
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "https://analytics.internal/mcp", cat.Servers[Analytics].URL)
	assert.Equal(t, "analytics", cat.Servers[Analytics].Credential)
	assert.Equal(t, "npx", cat.Servers[SourceControl].Command)

	missing, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultCatalog(), missing)
}

func TestLoadCatalogRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers:\n  messaging:\n    transport: stdio\n"), 0o600))
	_, err := LoadCatalog(path)
	assert.Error(t, err)
}
