package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/ir"
)

func decodeData[T any](t *testing.T, stdout string) T {
	t.Helper()
	var resp struct {
		Status string `json:"status"`
		Data   T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func decodeError(t *testing.T, stdout string) CLIError {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	require.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	return *resp.Error
}

func TestSendAndListAcrossNodes(t *testing.T) {
	dir := t.TempDir()
	alpha := writeConfig(t, dir, "alpha")
	bravo := writeConfig(t, dir, "bravo")

	stdout, _, err := execute(t, "--config", alpha, "--format", "json",
		"send", "chat", "hello", "mesh", "--thread", "ops")
	require.NoError(t, err)
	sent := decodeData[ir.Message](t, stdout)
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, ir.MessageChat, sent.Type)
	assert.Equal(t, "hello mesh", sent.Content)
	assert.Equal(t, ir.DeliverySent, sent.DeliveryStatus)
	assert.Equal(t, "alpha", sent.SenderID)
	require.NotNil(t, sent.Chat)
	assert.Equal(t, "ops", sent.Chat.ThreadID)

	stdout, _, err = execute(t, "--config", alpha,
		"send", "marker", "--lat", "52.52", "--lon", "13.405", "--title", "Rally point")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Sent marker message")

	stdout, _, err = execute(t, "--config", bravo, "--format", "json",
		"messages", "--type", "chat", "--thread", "ops")
	require.NoError(t, err)
	thread := decodeData[[]ir.Message](t, stdout)
	require.Len(t, thread, 1)
	assert.Equal(t, sent.ID, thread[0].ID)

	stdout, _, err = execute(t, "--config", bravo, "--format", "json", "messages", "--type", "marker")
	require.NoError(t, err)
	markers := decodeData[[]ir.Message](t, stdout)
	require.Len(t, markers, 1)
	assert.Equal(t, "Rally point", markers[0].Content, "content defaults to the marker title")

	stdout, _, err = execute(t, "--config", bravo, "--format", "json", "messages", "--limit", "1")
	require.NoError(t, err)
	assert.Len(t, decodeData[[]ir.Message](t, stdout), 1)

	stdout, _, err = execute(t, "--config", bravo, "messages")
	require.NoError(t, err)
	assert.Contains(t, stdout, "CONTENT")
	assert.Contains(t, stdout, "hello mesh [ops]")

	stdout, _, err = execute(t, "--config", bravo, "messages", "read", sent.ID)
	require.NoError(t, err)
	assert.Equal(t, "Marked "+sent.ID+" as read\n", stdout)
}

func TestSendValidation(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "alpha")

	_, _, err := execute(t, "--config", cfg, "send", "marker", "--lat", "1", "--lon", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")

	_, _, err = execute(t, "--config", cfg, "send", "system", "only-subtype")
	require.Error(t, err)

	stdout, _, err := execute(t, "--config", cfg, "send", "location", "--lat", "1", "--lon", "2", "--accuracy", "5")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Sent location message")
}

func TestMessageErrors(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "alpha")

	stdout, _, err := execute(t, "--config", cfg, "--format", "json", "messages", "read", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "NOT_FOUND", decodeError(t, stdout).Code)

	_, _, err = execute(t, "--config", cfg, "messages", "--type", "video")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	stdout, _, err = execute(t, "--config", cfg, "messages")
	require.NoError(t, err)
	assert.Equal(t, "No messages.\n", stdout)
}

func TestConflicts(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "alpha")

	stdout, _, err := execute(t, "--config", cfg, "conflicts")
	require.NoError(t, err)
	assert.Equal(t, "No pending conflicts.\n", stdout)

	stdout, _, err = execute(t, "--config", cfg, "--format", "json", "conflicts")
	require.NoError(t, err)
	assert.Empty(t, decodeData[[]ir.ConflictRecord](t, stdout))

	stdout, _, err = execute(t, "--config", cfg, "--format", "json",
		"conflicts", "resolve", "nope", "--accept-incoming")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "CONFLICT_NOT_FOUND", decodeError(t, stdout).Code)
}
