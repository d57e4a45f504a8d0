// Package testutil provides fixtures shared by the integration tests:
// a boot image store on disk and a fully assembled server.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/meridian-os/meridian/internal/domain/bootfs"
	"github.com/meridian-os/meridian/internal/infrastructure/config"
	"github.com/meridian-os/meridian/internal/infrastructure/logging"
	"github.com/meridian-os/meridian/internal/infrastructure/server"
	"github.com/meridian-os/meridian/internal/kernel"
)

// Manifest is the default fixture: one boot service exporting "fs" and
// one plain workload granted a send capability to it.
const Manifest = `
images:
  - name: fs.service
    blob: fs.service.img.gz
    priority: 5
    untyped_bytes: 65536
    exports: fs
  - name: hello
    blob: hello.img.gz
    priority: 3
    untyped_bytes: 16384
    grants:
      - slot: 2
        service: fs
        rights: send
    routing:
      file: 2
boot:
  - fs.service
`

// BootfsDir writes the manifest plus gzip blobs for every image it
// names into a temp dir and returns the path.
func BootfsDir(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644))

	for _, name := range []string{"fs.service.img.gz", "hello.img.gz"} {
		writeBlob(t, dir, name)
	}
	return dir
}

func writeBlob(t *testing.T, dir, name string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(name))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
}

// NewKernel builds a kernel over the default fixture without booting
// it.
func NewKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	store, err := bootfs.Load(BootfsDir(t, Manifest))
	require.NoError(t, err)
	k, err := kernel.New(store, kernel.Options{
		Cores:            1,
		Quantum:          4,
		RegistryCapacity: 256,
		TableCapacity:    32,
		BootUntypedBytes: 4 << 20,
	})
	require.NoError(t, err)
	return k
}

// NewServer assembles a full daemon over the default fixture and an
// httptest listener in front of its router.
func NewServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Bootfs.Dir = BootfsDir(t, Manifest)
	cfg.Kernel.AutoBoot = true
	cfg.RateLimit.Enabled = false

	srv, err := server.New(cfg, logging.NewDefault())
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

// PostJSON posts body to path and decodes the JSON response.
func PostJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// GetJSON fetches path and decodes the JSON response.
func GetJSON(t *testing.T, ts *httptest.Server, path string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}
