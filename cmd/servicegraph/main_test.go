package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anvil-platform/servicegraph/engine"
	"github.com/anvil-platform/servicegraph/internal/manifest"
)

func writeManifests(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCheckCommand(t *testing.T) {
	good := writeManifests(t, map[string]string{
		"db.yaml": "metadata:\n  name: db\nspec:\n  provides:\n  - capability: org.example.db\n    version: 1.0.0\n",
		"app.yaml": "metadata:\n  name: app\nspec:\n  type: sleep\n  config:\n    startDelay: 1h\n" +
			"  requires:\n  - capability: org.example.db\n",
	})
	out, err := execute(t, "check", "--manifests", good, "--timeout", "10s")
	require.NoError(t, err, out)
	require.Contains(t, out, "2 service(s), start order:")
	require.Less(t, bytes.Index([]byte(out), []byte("db")), bytes.Index([]byte(out), []byte("app")))

	cyclic := writeManifests(t, map[string]string{
		"a.yaml": "metadata:\n  name: a\nspec:\n  requires:\n  - name: b\n",
		"b.yaml": "metadata:\n  name: b\nspec:\n  requires:\n  - name: a\n",
	})
	out, err = execute(t, "check", "--manifests", cyclic, "--timeout", "10s")
	require.Error(t, err)
	require.Contains(t, out, "rejected")

	missing := writeManifests(t, map[string]string{
		"app.yaml": "metadata:\n  name: app\nspec:\n  requires:\n  - name: db\n",
		"bad.yaml": "metadata:\n  name: bad\nspec:\n  type: teleporter\n",
	})
	out, err = execute(t, "check", "--manifests", missing, "--timeout", "10s")
	require.Error(t, err)
	require.Contains(t, out, "missing  app")
	require.Contains(t, out, "invalid  bad.yaml#0")
}

func TestRunOnce(t *testing.T) {
	dir := writeManifests(t, map[string]string{
		"timer.yaml": "metadata:\n  name: timer\nspec:\n  mode: active\n",
	})
	out, err := execute(t, "run", "--manifests", dir, "--once", "--timeout", "10s")
	require.NoError(t, err, out)
	require.Contains(t, out, "timer")
	require.Contains(t, out, "UP")
}

func TestDryCatalogKeepsValidation(t *testing.T) {
	cat := dryCatalog(manifest.DefaultCatalog())
	_, err := cat["sleep"](manifest.Runtime{Config: map[string]string{"startDelay": "later"}})
	require.Error(t, err)

	svc, err := cat["fail"](manifest.Runtime{Name: engine.MustParseName("f"), Config: map[string]string{}})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()), "dry services never run the real body")
}

func TestPercentileAndHealthy(t *testing.T) {
	d := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.Equal(t, time.Duration(5), percentile(d, 0.5))
	require.Equal(t, time.Duration(9), percentile(d, 0.99))

	require.True(t, healthy([]engine.ServiceStatus{{State: engine.StateUp}, {State: engine.StateDown}}))
	require.False(t, healthy([]engine.ServiceStatus{{State: engine.StateFailed}}))
	require.False(t, healthy([]engine.ServiceStatus{{State: engine.StateDown, Missing: []string{"db"}}}))
}

func TestNewTracerRejectsUnknownExporter(t *testing.T) {
	_, _, err := newTracer(context.Background(), "carrier-pigeon", "")
	require.Error(t, err)

	tr, shutdown, err := newTracer(context.Background(), "none", "")
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.NoError(t, shutdown(context.Background()))
}
