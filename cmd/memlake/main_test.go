package main

import (
	"bytes"
	"encoding/json"
	"runtime/debug"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the command line with stdin and returns stdout.
func run(t *testing.T, dir, stdin string, args ...string) string {
	t.Helper()
	out, err := tryRun(t, dir, stdin, args...)
	require.NoError(t, err, "memlake %s", strings.Join(args, " "))
	return out
}

func tryRun(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	a := &app{}
	root := a.rootCmd()
	var stdout, stderr bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--data-dir", dir}, args...))
	root.SilenceUsage = true
	err := root.ExecuteContext(t.Context())
	return stdout.String(), err
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}

func TestCLI(t *testing.T) {
	t.Setenv("MEMLAKE_ARCHIVE_KEY", "")
	dir := t.TempDir()

	put := decode[fileSummary](t, run(t, dir, `{"b": 1, "a": [1, 2]}`, "put", "notes/", "todo.json"))
	assert.Equal(t, "notes/", put.Path)
	assert.EqualValues(t, "LEE", put.DriveID)
	again := decode[fileSummary](t, run(t, dir, `{"a":[1,2],"b":1}`, "put", "notes/", "todo.json"))
	assert.Equal(t, put.ID, again.ID, "canonical JSON must map to the same row")

	assert.Equal(t, `{"a":[1,2],"b":1}`, run(t, dir, "", "cat", put.ID))
	assert.Contains(t, run(t, dir, "", "ls", "notes/"), put.ID)
	assert.NotContains(t, run(t, dir, "", "ls", "other/"), put.ID)

	added := decode[fileSummary](t, run(t, dir, "the quarterly report covers revenue and hiring", "add", "D", "2", "report.txt", "-f", "-", "--category", "doc"))
	assert.EqualValues(t, "D", added.DriveID)
	assert.Equal(t, 2, added.SlotID)
	_, err := tryRun(t, dir, "", "add", "Z", "1", "bad.txt")
	assert.ErrorContains(t, err, "unknown drive")

	usage := decode[[]map[string]any](t, run(t, dir, "", "usage", "--json"))
	assert.Len(t, usage, 64)

	hits := decode[[]map[string]any](t, run(t, dir, "", "rag", "search", "quarterly", "report", "--json"))
	require.NotEmpty(t, hits)
	assert.Equal(t, added.Signature, hits[0]["signature"])

	run(t, dir, "const x = 1 // CORRUPTED_SECTOR_DATA", "add", "O", "1", "bad.ts", "-f", "-", "--category", "code")
	findings := decode[[]map[string]any](t, run(t, dir, "", "scan", "--json", "--drive", "O"))
	require.Len(t, findings, 1)

	off := decode[[]map[string]any](t, run(t, dir, "", "offload", added.ID))
	require.Len(t, off, 1)
	assert.Contains(t, run(t, dir, "", "archives", "ls"), added.ID)
	assert.Equal(t, "the quarterly report covers revenue and hiring", run(t, dir, "", "archives", "get", added.ID))
	back := decode[fileSummary](t, run(t, dir, "", "rehydrate", added.ID))
	assert.EqualValues(t, "safe", back.Status)
	assert.NotContains(t, run(t, dir, "", "archives", "ls"), added.ID)

	run(t, dir, `{"kind":"login"}`, "events", "add", "audit/", "login")
	events := decode[[]map[string]any](t, run(t, dir, "", "events", "audit/"))
	require.Len(t, events, 1)

	h := strings.TrimSpace(run(t, dir, "", "snapshot", "-m", "first"))
	assert.Len(t, h, 40)
	assert.Contains(t, run(t, dir, "", "snapshot", "log"), "first")
	assert.Contains(t, run(t, dir, "", "snapshot", "show", "HEAD", "artifacts.jsonl"), put.ID)

	deleted := decode[map[string]int](t, run(t, dir, "", "purge-prefix", "notes/"))
	assert.Equal(t, 1, deleted["deleted"])
	_, err = tryRun(t, dir, "", "get", put.ID)
	assert.Error(t, err)

	schema := decode[map[string]any](t, run(t, dir, "", "schema", "artifact"))
	assert.Contains(t, schema, "properties")
	assert.Contains(t, run(t, dir, "", "config"), "version: 1")
	assert.Contains(t, run(t, dir, "", "version"), "memlake")
}

func TestParseBuildInfo(t *testing.T) {
	assert.Equal(t, buildInfo{Version: "unknown", GoVersion: "unknown", Revision: "unknown"}, parseBuildInfo(nil, false))
	got := parseBuildInfo(&debug.BuildInfo{
		GoVersion: "go1.25.5",
		Main:      debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc123"},
			{Key: "vcs.time", Value: "2026-03-01T10:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}, true)
	assert.Equal(t, buildInfo{
		Version:   "dev",
		GoVersion: "go1.25.5",
		Revision:  "abc123",
		Committed: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Modified:  true,
	}, got)
	assert.Equal(t, "v1.2.0", parseBuildInfo(&debug.BuildInfo{Main: debug.Module{Version: "v1.2.0"}}, true).Version)
}
