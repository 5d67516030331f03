package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `
version: 1.2.0
principals:
  - principal: workflow-runner
    grants:
      - scope: host.environment.takeover
        max_ttl: 60s
      - scope: host.resource.arbitrate
        max_ttl: 5m
  - principal: auto-fixer
    grants:
      - scope: host.environment.takeover
        max_ttl: 30s
        condition: attrs["environment"] == "staging"
`

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy([]byte(testManifest))
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", p.Version())
}

func TestLoadPolicyRejectsUnsupportedVersion(t *testing.T) {
	_, err := LoadPolicy([]byte("version: 2.0.0\nprincipals: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside supported range")
}

func TestLoadPolicyRejectsMissingVersion(t *testing.T) {
	_, err := LoadPolicy([]byte("principals: []\n"))
	require.Error(t, err)
}

func TestLoadPolicyRejectsBadCondition(t *testing.T) {
	_, err := LoadPolicy([]byte(`
version: 1.0.0
principals:
  - principal: p
    grants:
      - scope: s
        max_ttl: 10s
        condition: "this is not CEL ((("
`))
	require.Error(t, err)
}

func TestLoadPolicyRejectsBadTTL(t *testing.T) {
	_, err := LoadPolicy([]byte(`
version: 1.0.0
principals:
  - principal: p
    grants:
      - scope: s
        max_ttl: soon
`))
	require.Error(t, err)
}

func TestAuthorizeAllowed(t *testing.T) {
	p, err := LoadPolicy([]byte(testManifest))
	require.NoError(t, err)

	err = p.Authorize("workflow-runner",
		[]string{ScopeEnvironmentTakeover, ScopeResourceArbitrate}, 45*time.Second, nil)
	require.NoError(t, err)
}

func TestAuthorizeUnknownPrincipal(t *testing.T) {
	p, err := LoadPolicy([]byte(testManifest))
	require.NoError(t, err)

	err = p.Authorize("stranger", []string{ScopeEnvironmentTakeover}, time.Second, nil)
	denied, ok := IsDenied(err)
	require.True(t, ok)
	assert.Equal(t, DenyUnknownPrincipal, denied.Code)
}

func TestAuthorizeScopeNotAllowed(t *testing.T) {
	p, err := LoadPolicy([]byte(testManifest))
	require.NoError(t, err)

	err = p.Authorize("workflow-runner", []string{ScopeAdminOverride}, time.Second, nil)
	denied, ok := IsDenied(err)
	require.True(t, ok)
	assert.Equal(t, DenyScopeNotAllowed, denied.Code)
}

func TestAuthorizeTTLCeiling(t *testing.T) {
	p, err := LoadPolicy([]byte(testManifest))
	require.NoError(t, err)

	err = p.Authorize("workflow-runner", []string{ScopeEnvironmentTakeover}, 2*time.Minute, nil)
	denied, ok := IsDenied(err)
	require.True(t, ok)
	assert.Equal(t, DenyTTLExceeded, denied.Code)
}

func TestAuthorizeCondition(t *testing.T) {
	p, err := LoadPolicy([]byte(testManifest))
	require.NoError(t, err)

	err = p.Authorize("auto-fixer", []string{ScopeEnvironmentTakeover}, 10*time.Second,
		map[string]interface{}{"environment": "staging"})
	require.NoError(t, err)

	err = p.Authorize("auto-fixer", []string{ScopeEnvironmentTakeover}, 10*time.Second,
		map[string]interface{}{"environment": "production"})
	denied, ok := IsDenied(err)
	require.True(t, ok)
	assert.Equal(t, DenyCondition, denied.Code)

	// Missing attribute errors the condition, which denies.
	err = p.Authorize("auto-fixer", []string{ScopeEnvironmentTakeover}, 10*time.Second, nil)
	denied, ok = IsDenied(err)
	require.True(t, ok)
	assert.Equal(t, DenyCondition, denied.Code)
}
