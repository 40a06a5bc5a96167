package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/parallax/internal/merge"
	"github.com/aristath/parallax/internal/registry"
)

var (
	_ registry.Recorder = (*Metrics)(nil)
	_ merge.Recorder    = (*Metrics)(nil)
)

func TestCounters(t *testing.T) {
	m := New()
	m.Transition("task", "completed")
	m.Transition("task", "completed")
	m.Transition("workspace", "merged")
	m.MergeAttempt("conflict")
	m.SetAgentsActive(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("task", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("workspace", "merged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergeAttempts.WithLabelValues("conflict")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.AgentsActive))
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.MergeAttempt("merged")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MergeAttempts.WithLabelValues("merged")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.MergeAttempt("merged")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `parallax_merge_attempts_total{result="merged"} 1`)
	assert.Contains(t, string(body), "parallax_agents_active 0")
}

func TestCountDroppedEvents(t *testing.T) {
	m := New()
	var dropped uint64 = 3
	m.CountDroppedEvents(func() uint64 { return dropped })

	count, err := testutil.GatherAndCount(m.Gatherer(), "parallax_events_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	dropped = 7
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "parallax_events_dropped_total 7")
}
