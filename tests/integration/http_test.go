package integration

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-os/meridian/tests/helpers/testutil"
)

func TestHealthEndpoint(t *testing.T) {
	_, ts := testutil.NewServer(t)

	code, body := testutil.GetJSON(t, ts, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestSpawnAndIntrospection(t *testing.T) {
	_, ts := testutil.NewServer(t)

	code, body := testutil.PostJSON(t, ts, "/spawn", map[string]string{"image": "hello"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.NotZero(t, body["process"])
	assert.NotZero(t, body["thread"])

	code, body = testutil.GetJSON(t, ts, "/processes")
	require.Equal(t, http.StatusOK, code)
	procs := body["processes"].([]interface{})
	names := make(map[string]bool)
	for _, p := range procs {
		names[p.(map[string]interface{})["name"].(string)] = true
	}
	// fs.service came up at boot, hello via the API.
	assert.True(t, names["fs.service"])
	assert.True(t, names["hello"])

	code, body = testutil.GetJSON(t, ts, "/threads")
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["threads"])

	code, body = testutil.GetJSON(t, ts, "/objects")
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["objects"])

	// The boot service exported an endpoint.
	code, body = testutil.GetJSON(t, ts, "/endpoints")
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["endpoints"])

	code, body = testutil.GetJSON(t, ts, "/images")
	require.Equal(t, http.StatusOK, code)
	assert.ElementsMatch(t, []interface{}{"fs.service", "hello"}, body["images"])
}

func TestSpawnUnknownImageIs404(t *testing.T) {
	_, ts := testutil.NewServer(t)

	code, body := testutil.PostJSON(t, ts, "/spawn", map[string]string{"image": "missing"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])
}

func TestSyscallOverHTTP(t *testing.T) {
	_, ts := testutil.NewServer(t)

	code, body := testutil.PostJSON(t, ts, "/spawn", map[string]string{"image": "hello"})
	require.Equal(t, http.StatusOK, code)
	tid := body["thread"]

	code, body = testutil.PostJSON(t, ts, "/syscall", map[string]interface{}{
		"thread": tid,
		"trap":   map[string]interface{}{"number": 0x20}, // thread_yield
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	// A bad capability index surfaces as a client error, not a 500.
	code, body = testutil.PostJSON(t, ts, "/syscall", map[string]interface{}{
		"thread": tid,
		"trap":   map[string]interface{}{"number": 0x10, "cap": 31}, // ipc_send on empty slot
	})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])
}

func TestSyscallAsBlockedThreadIsRejected(t *testing.T) {
	_, ts := testutil.NewServer(t)

	code, body := testutil.PostJSON(t, ts, "/spawn", map[string]string{"image": "hello"})
	require.Equal(t, http.StatusOK, code)
	tid := body["thread"]

	// Park the thread in a call through its granted service slot.
	code, body = testutil.PostJSON(t, ts, "/syscall", map[string]interface{}{
		"thread": tid,
		"trap":   map[string]interface{}{"number": 0x12, "cap": 2}, // ipc_call
	})
	require.Equal(t, http.StatusOK, code)
	res := body["result"].(map[string]interface{})
	require.Equal(t, true, res["blocked"])

	// A trap injected as the parked thread is rejected cleanly.
	code, body = testutil.PostJSON(t, ts, "/syscall", map[string]interface{}{
		"thread": tid,
		"trap":   map[string]interface{}{"number": 0x12, "cap": 2},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
}

func TestTickAdvancesVirtualTime(t *testing.T) {
	srv, ts := testutil.NewServer(t)

	before := srv.Kernel().Now()
	code, body := testutil.PostJSON(t, ts, "/tick", map[string]int{"count": 5})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(before)+5, body["tick"])
}

func TestScheduleAndKill(t *testing.T) {
	_, ts := testutil.NewServer(t)

	code, body := testutil.PostJSON(t, ts, "/spawn", map[string]string{"image": "hello"})
	require.Equal(t, http.StatusOK, code)
	tid := body["thread"].(float64)

	code, body = testutil.PostJSON(t, ts, "/schedule", map[string]int{"core": 0})
	require.Equal(t, http.StatusOK, code)
	assert.NotZero(t, body["thread"])

	code, body = testutil.PostJSON(t, ts, "/threads/"+itoa(tid)+"/kill", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	// A second kill of the same thread is rejected.
	code, _ = testutil.PostJSON(t, ts, "/threads/"+itoa(tid)+"/kill", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBreakersEndpoint(t *testing.T) {
	_, ts := testutil.NewServer(t)

	code, body := testutil.GetJSON(t, ts, "/breakers")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := testutil.NewServer(t)

	// Generate some traffic first.
	testutil.PostJSON(t, ts, "/tick", map[string]int{"count": 1})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func itoa(f float64) string {
	return strconv.Itoa(int(f))
}
