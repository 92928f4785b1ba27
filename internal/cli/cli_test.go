package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/bissquit/post-scheduler/internal/identity/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "commit")
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("POSTSCHEDULER_JWT__SECRET_KEY", "cli-secret")

	out, err := execute(t, "token", "--user", "42", "--role", "verifier")
	require.NoError(t, err)

	auth, err := jwt.NewAuthenticator(jwt.Config{SecretKey: "cli-secret"})
	require.NoError(t, err)

	userID, role, err := auth.ValidateToken(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "42", userID)
	assert.Equal(t, domain.RoleVerifier, role)
}

func TestTokenCommand_Errors(t *testing.T) {
	t.Setenv("POSTSCHEDULER_JWT__SECRET_KEY", "cli-secret")

	_, err := execute(t, "token")
	require.Error(t, err)

	_, err = execute(t, "token", "--user", "42", "--role", "root")
	assert.ErrorIs(t, err, jwt.ErrInvalidRole)
}

func TestMigrateCommand_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("POSTSCHEDULER_DATABASE__URL", "")

	_, err := execute(t, "migrate", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}
