package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maruel/memlake/internal/coldstore"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, "file", c.Bus.Type)
	assert.Equal(t, int64(256*1024), c.Guardian.Threshold)
	assert.Equal(t, []string{"js", "ts", "tsx", "json"}, c.Guardian.CodeExtensions)
	assert.Equal(t, 500, c.Adapter.ListLimit)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	_, err = os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err, "defaults are written")

	c.RAG.EmbedderURL = "http://localhost:8080/v1"
	c.RAG.Model = "nomic-embed-text"
	c.RAG.RebuildInterval = time.Hour
	require.NoError(t, c.Save(dir))
	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "rebuild_interval: 1h0m0s")
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		err  string
	}{
		{"empty keeps defaults", "", ""},
		{"partial", "version: 1\nbus:\n  type: memory\n", ""},
		{"bad version", "version: 2\n", "Version"},
		{"bad bus", "bus:\n  type: kafka\n", "Type"},
		{"redis without addr", "bus:\n  type: redis\n", "RedisAddr"},
		{"redis", "bus:\n  type: redis\n  redis_addr: localhost:6379\n", ""},
		{"s3 without bucket", "cold:\n  backend: s3\n", "s3.bucket"},
		{"gcs", "cold:\n  backend: gcs\n  gcs:\n    bucket: b\n", ""},
		{"model required", "rag:\n  embedder_url: http://x/v1\n", "Model"},
		{"badger", "rag:\n  store: badger\n", ""},
		{"bad vector store", "rag:\n  store: lmdb\n", "Store"},
		{"bad url", "rag:\n  embedder_url: \"::\"\n  model: m\n", "EmbedderURL"},
		{"bad rule verdict", "guardian:\n  rules:\n  - name: r\n    expr: \"true\"\n    verdict: safe\n", "Verdict"},
		{"rule", "guardian:\n  rules:\n  - name: r\n    expr: \"true\"\n    verdict: suspect\n", ""},
		{"bad metrics addr", "metrics:\n  addr: nope\n", "Addr"},
		{"not yaml", "bus: [", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.err == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.err), "got %v", err)
		})
	}
}

func TestColdBackend(t *testing.T) {
	c := Default()
	t.Setenv(c.Cold.KeyEnv, "")
	got, err := c.Cold.BackendConfig("/data")
	require.NoError(t, err)
	assert.Equal(t, coldstore.BackendFS, got.Type)
	assert.Equal(t, filepath.Join("/data", "cold"), got.Dir)
	assert.Nil(t, got.Key)

	t.Setenv(c.Cold.KeyEnv, strings.Repeat("ab", 32))
	got, err = c.Cold.BackendConfig("/data")
	require.NoError(t, err)
	assert.Len(t, got.Key, 32)

	t.Setenv(c.Cold.KeyEnv, "abcd")
	_, err = c.Cold.BackendConfig("/data")
	assert.Error(t, err)
}

func TestSecrets(t *testing.T) {
	c := Default()
	t.Setenv(c.RAG.APIKeyEnv, "sk-test")
	assert.Equal(t, "sk-test", c.RAG.APIKey())
	c.RAG.APIKeyEnv = ""
	assert.Equal(t, "", c.RAG.APIKey())
	assert.Equal(t, "", c.Bus.RedisPassword())
	c.Bus.RedisPasswordEnv = "MEMLAKE_TEST_REDIS_PASSWORD"
	t.Setenv("MEMLAKE_TEST_REDIS_PASSWORD", "hunter2")
	assert.Equal(t, "hunter2", c.Bus.RedisPassword())
}
