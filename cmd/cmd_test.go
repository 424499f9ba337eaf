package cmd_test

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/USA-RedDragon/lms-realtime/cmd"
	"github.com/USA-RedDragon/lms-realtime/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var requiredFlags = []string{
	"--jwt.secret", "changeme",
	"--config", "",
}

func TestDefault(t *testing.T) {
	t.Parallel()
	baseCmd := cmd.NewCommand("testing", "default")
	// Avoid port conflict
	baseCmd.SetArgs(append([]string{
		"--http.port", "8082",
		"--http.metrics.port", "8083",
		"--persistence.database.database", filepath.Join(t.TempDir(), "lms.db"),
	}, requiredFlags...))
	err := baseCmd.Execute()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestToken(t *testing.T) {
	t.Parallel()
	baseCmd := cmd.NewCommand("testing", "default")
	var out bytes.Buffer
	baseCmd.SetOut(&out)
	baseCmd.SetArgs(append([]string{
		"token",
		"--user", "alice",
		"--persistence.database.database", filepath.Join(t.TempDir(), "lms.db"),
	}, requiredFlags...))
	require.NoError(t, baseCmd.Execute())

	uid, err := utils.VerifyJWT("changeme", strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.NotZero(t, uid)
}

func TestTokenRequiresUser(t *testing.T) {
	t.Parallel()
	baseCmd := cmd.NewCommand("testing", "default")
	baseCmd.SetArgs(append([]string{
		"token",
		"--persistence.database.database", filepath.Join(t.TempDir(), "lms.db"),
	}, requiredFlags...))
	assert.Error(t, baseCmd.Execute())
}

func TestWatchChannelRequiresURL(t *testing.T) {
	t.Parallel()
	baseCmd := cmd.NewCommand("testing", "default")
	baseCmd.SetArgs([]string{"watch", "channel", "--config", ""})
	assert.Error(t, baseCmd.Execute())
}

func TestWatchStreamRequiresConversation(t *testing.T) {
	t.Parallel()
	baseCmd := cmd.NewCommand("testing", "default")
	baseCmd.SetArgs([]string{"watch", "stream", "--config", "", "--client.stream_url", "http://localhost:8080/api/v1/messages/stream"})
	assert.Error(t, baseCmd.Execute())
}
