package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wealthportal.io/internal/hierarchy"
	"wealthportal.io/internal/identity"
)

func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PORTAL_IDP_ISSUER", "https://idp.example.test")
	t.Setenv("PORTAL_IDP_HS256_SECRET", "test-secret")
}

func TestLoadDefaultsWithEnv(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.False(t, cfg.Audit.Postgres, "audit table requires the postgres store")
	assert.Equal(t, "preferred_username", cfg.IdP.Claims.LoginName)
	assert.Equal(t, 50, cfg.DB.PoolOptions().MaxOpenConns)

	mapping, err := cfg.Identity.RoleMapping()
	require.NoError(t, err)
	role, ok := mapping.Lookup("PORTAL-DIRECTORS")
	require.True(t, ok)
	assert.Equal(t, hierarchy.RoleDirector, role)
}

func TestLoadEnvOverridesAndLists(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("PORTAL_HTTP_ADDR", ":9090")
	t.Setenv("PORTAL_HTTP_REQUEST_TIMEOUT", "5s")
	t.Setenv("PORTAL_AUDIT_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("PORTAL_IDENTITY_STAFF_EMAIL_DOMAINS", "bank.example,advisors.example")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.RequestTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Audit.Kafka.Brokers)
	assert.Equal(t, []string{"bank.example", "advisors.example"}, cfg.Identity.StaffEmailDomains)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portal.yaml")
	body := `
store:
  driver: postgres
db:
  dsn: postgres://portal@localhost/portal
idp:
  issuer: https://idp.example.test
  hs256_secret: file-secret
identity:
  group_roles:
    - group: wm-admins
      role: super_admin
    - group: wm-rms
      role: rm
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.True(t, cfg.Audit.Postgres)
	mapping, err := cfg.Identity.RoleMapping()
	require.NoError(t, err)
	require.Len(t, mapping, 2)
	role, ok := mapping.Lookup("wm-rms")
	require.True(t, ok)
	assert.Equal(t, hierarchy.RoleRM, role)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("PORTAL_STORE_DRIVER", "mysql")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
	assert.Contains(t, err.Error(), "idp.issuer is required")
	assert.Contains(t, err.Error(), "exactly one of")
}

func TestValidatePostgresNeedsDSN(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("PORTAL_STORE_DRIVER", "postgres")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.dsn is required")
}

func TestValidateRejectsUnknownMappedRole(t *testing.T) {
	cfg := &Config{
		Store: Store{Driver: DriverMemory},
		IdP: IdP{
			Issuer:      "https://idp.example.test",
			HS256Secret: "s",
			Claims:      Claims{LoginName: "sub"},
		},
		HTTP: HTTP{MaxBodyBytes: 1},
	}
	require.NoError(t, cfg.Validate())

	cfg.Identity.GroupRoles = []identity.GroupRole{{Group: "wm-ops", Role: "operator"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity.group_roles")
}
