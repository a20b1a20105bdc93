package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_parseJson_OverlaysMentionedFields(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	dir := t.TempDir()
	path := filepath.Join(dir, "cli.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server_addr":"www.example:9000","timeout":"10s"}`), 0o600))

	os.Args = []string{"testbin", "-config", path}
	cfg := &Config{TokenFile: "keep"}
	parseJson(cfg)

	assert.Equal(t, "www.example:9000", cfg.ServerAddr)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, "keep", cfg.TokenFile)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{ nope`), 0o600))
	os.Args = []string{"testbin", "-config", bad}
	require.Panics(t, func() { parseJson(&Config{}) })
}
