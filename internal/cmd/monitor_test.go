package cmd

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dartctl/pkg/monitor"
)

func TestMonitorClear_FileSink(t *testing.T) {
	testConfig(t, nil)
	dir := t.TempDir()
	path := filepath.Join(dir, monitor.FileName)
	require.NoError(t, os.WriteFile(path, []byte("task_id=1\n"), 0o644))

	out, err := executeCommand(t, "monitor", "clear", "--address", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "cleared "+dir)
	assert.NoFileExists(t, path)
}

func TestMonitorProbe(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	srv := httptest.NewServer(r)
	defer srv.Close()

	testConfig(t, nil)
	t.Setenv("DARTCTL_MONITOR_ADDRESS", srv.URL)

	out, err := executeCommand(t, "monitor", "probe")
	require.NoError(t, err)
	assert.Contains(t, out, "ok "+srv.URL)
	assert.Contains(t, out, "(http)")
}

func TestMonitorProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	testConfig(t, nil)
	_, err := executeCommand(t, "monitor", "probe", "--address", addr)
	var ece *ExitCodeError
	require.ErrorAs(t, err, &ece)
	assert.Equal(t, int(foundry.ExitExternalServiceUnavailable), ece.Code)
	assert.True(t, monitor.IsUnreachable(err))
}
