package modules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	cat := DefaultCatalog()
	require.NoError(t, cat.Validate())

	for _, name := range []string{Frontend, Backend, Broker} {
		def, err := cat.Lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, def.Name)
		assert.Greater(t, def.ProbePort(), 0)
	}

	_, err := cat.Lookup("metastore")
	assert.Error(t, err)
}

func TestRenderConfig_MergeOrder(t *testing.T) {
	def, err := DefaultCatalog().Lookup(Frontend)
	require.NoError(t, err)

	rendered := string(def.RenderConfig(map[string]string{
		"sys_log_level": "DEBUG",   // override beats default
		"http_port":     "19999",   // identity beats override
		"extra_key":     "present", // override-only key survives
	}))

	assert.Contains(t, rendered, "sys_log_level = DEBUG\n")
	assert.Contains(t, rendered, "http_port = 8030\n")
	assert.NotContains(t, rendered, "19999")
	assert.Contains(t, rendered, "extra_key = present\n")
	assert.Contains(t, rendered, "meta_dir = ${install_root}/frontend/meta\n")

	// Stable output: keys are sorted
	lines := strings.Split(strings.TrimSpace(rendered), "\n")[1:]
	for i := 1; i < len(lines); i++ {
		assert.LessOrEqual(t, lines[i-1], lines[i])
	}
}

func TestLoadCatalog_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := `modules:
  - name: frontend
    query_port: 9030
    http_port: 8030
    edit_log_port: 9010
    config_file: fe.conf
    start_script: start_fe.sh
    stop_script: stop_fe.sh
  - name: backend
    http_port: 8040
    heartbeat_port: 9050
    config_file: be.conf
    start_script: start_be.sh
    stop_script: stop_be.sh
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, cat.Modules, 2)

	fe, err := cat.Lookup(Frontend)
	require.NoError(t, err)
	assert.Equal(t, 8030, fe.ProbePort())
}

func TestLoadCatalog_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("duplicate module", func(t *testing.T) {
		cat := Catalog{Modules: []Definition{
			{Name: Broker, RPCPort: 8000, ConfigFile: "a", StartScript: "s", StopScript: "p"},
			{Name: Broker, RPCPort: 8000, ConfigFile: "a", StartScript: "s", StopScript: "p"},
		}}
		assert.Error(t, cat.Validate())
	})

	t.Run("unknown module name", func(t *testing.T) {
		cat := Catalog{Modules: []Definition{
			{Name: "sidecar", RPCPort: 1, ConfigFile: "a", StartScript: "s", StopScript: "p"},
		}}
		assert.Error(t, cat.Validate())
	})
}
