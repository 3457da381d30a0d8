package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/api/apitest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigShow(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "--server", "https://paperless.local/", "--data-dir", dir, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "url: https://paperless.local\n")
	assert.Contains(t, out, "data_dir: "+dir)
	assert.Contains(t, out, "page_size: 100")
}

func TestSync_requiresServer(t *testing.T) {
	_, err := execute(t, "--data-dir", t.TempDir(), "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.url is required")
}

func TestLoginSyncAndStatus(t *testing.T) {
	srv := apitest.New()
	t.Cleanup(srv.Close)
	srv.RequireToken = true
	srv.AddTag("Inbox")
	srv.AddDocument("Invoice")

	base := []string{"--server", srv.URL, "--data-dir", t.TempDir(), "--log-level", "error"}
	run := func(args ...string) string {
		t.Helper()
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetIn(strings.NewReader("secret\n"))
		cmd.SetArgs(append(append([]string{}, base...), args...))
		require.NoError(t, cmd.ExecuteContext(context.Background()), out.String())
		return out.String()
	}

	assert.Contains(t, run("login", "-u", "admin", "--password-stdin"), "Logged in")
	assert.Contains(t, run("sync"), "Sync complete")

	status := run("status")
	assert.Contains(t, status, "online")
	assert.Regexp(t, `Documents\s+1`, status)
	assert.Regexp(t, `Tags\s+1`, status)

	assert.Contains(t, run("outbox", "list"), "No pending changes")
	assert.Contains(t, run("history", "-n", "5"), "reconcile")
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"3", "12"})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 12}, ids)

	_, err = parseIDs([]string{"x"})
	assert.Error(t, err)
}
