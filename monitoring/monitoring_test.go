package monitoring

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/chaindaemon/chaind/daemon"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type staticStats daemon.Stats

func (s staticStats) Stats() daemon.Stats {
	return daemon.Stats(s)
}

var testStats = staticStats{
	Height:    42,
	Version:   7,
	Unchained: 3,
	Missing: map[chaintypes.DataKind]int{
		chaintypes.KindBlock:  2,
		chaintypes.KindHeader: 1,
	},
	Runs: map[string]uint64{
		"advance": 5,
	},
}

// TestCollector checks the exported values.
func TestCollector(t *testing.T) {
	t.Parallel()

	c := NewCollector(testStats)

	expected := `
# HELP chaind_height Height of the committed chain state.
# TYPE chaind_height gauge
chaind_height 42
# HELP chaind_missing_data Data needed but not found, by kind.
# TYPE chaind_missing_data gauge
chaind_missing_data{kind="block"} 2
chaind_missing_data{kind="header"} 1
# HELP chaind_worker_runs_total Completed worker runs.
# TYPE chaind_worker_runs_total counter
chaind_worker_runs_total{worker="advance"} 5
`
	err := testutil.CollectAndCompare(
		c, strings.NewReader(expected), "chaind_height",
		"chaind_missing_data", "chaind_worker_runs_total",
	)
	require.NoError(t, err)

	require.Equal(t, 3+2+1, testutil.CollectAndCount(c))
}

// TestExporter scrapes the HTTP endpoint.
func TestExporter(t *testing.T) {
	t.Parallel()

	e, err := NewExporter("127.0.0.1:0", NewCollector(testStats))
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		require.NoError(t, e.Stop())
	})

	resp, err := http.Get(fmt.Sprintf("http://%v/metrics", e.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "chaind_height 42")
	require.Contains(t, string(body), "chaind_unchained_headers 3")
	require.Contains(t, string(body), "go_goroutines")
}
