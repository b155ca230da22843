package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/ir"
)

func TestRunRejectsArguments(t *testing.T) {
	_, _, err := execute(t, "run", "extra")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestRunUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "alpha")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	type result struct {
		stdout string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stdout, _, err := executeContext(ctx, "--config", cfg, "run", "--listen", "127.0.0.1:0")
		done <- result{stdout, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "Node alpha (alpha) running.")
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop when its context was cancelled")
	}

	_, err := os.Stat(filepath.Join(dir, "mesh.db"))
	assert.NoError(t, err, "store should be created")
}

func TestRunningNodeIsListedAsPeer(t *testing.T) {
	dir := t.TempDir()
	alpha := writeConfig(t, dir, "alpha")
	bravo := writeConfig(t, dir, "bravo")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := executeContext(ctx, "--config", alpha, "run")
		done <- err
	}()

	assert.Eventually(t, func() bool {
		stdout, _, err := execute(t, "--config", bravo, "--format", "json", "peers")
		if err != nil {
			return false
		}
		var resp struct {
			Data []ir.Peer `json:"data"`
		}
		if json.Unmarshal([]byte(stdout), &resp) != nil {
			return false
		}
		return len(resp.Data) == 1 && resp.Data[0].ID == "alpha" && resp.Data[0].Name == "alpha"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	stdout, _, err := execute(t, "--config", bravo, "peers")
	require.NoError(t, err)
	assert.Equal(t, "No peers.\n", stdout, "a stopped node withdraws its presence")
}
