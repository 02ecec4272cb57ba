package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_BuildReport(t *testing.T) {
	t.Parallel()

	c := newCollector()
	c.record(scenarioName, 10*time.Millisecond, "ok", true)
	c.record(scenarioName, 30*time.Millisecond, "503", false)
	c.record("checkout", 15*time.Millisecond, "201", true)
	c.record("checkout", 5*time.Millisecond, "transport_error", false)

	r := c.buildReport(time.Now(), 2*time.Second)

	assert.Equal(t, int64(2), r.TotalScenarios)
	assert.Equal(t, int64(1), r.SuccessScenarios)
	assert.Equal(t, int64(1), r.FailedScenarios)
	assert.InDelta(t, 0.5, r.ErrorRate, 1e-9)
	assert.InDelta(t, 1.0, r.RPS, 1e-9)
	assert.InDelta(t, 20.0, r.ScenarioLatencyMs.Avg, 1e-9)

	checkout := r.Methods["checkout"]
	assert.Equal(t, int64(2), checkout.Calls)
	assert.Equal(t, map[string]int64{"201": 1, "transport_error": 1}, checkout.Codes)
	assert.InDelta(t, 5.0, checkout.LatencyMs.Min, 1e-9)

	// Отчёт не делит карту кодов с collector.
	c.record("checkout", time.Millisecond, "201", true)
	assert.Equal(t, int64(1), checkout.Codes["201"])
}

func TestCollector_EmptyReport(t *testing.T) {
	t.Parallel()

	r := newCollector().buildReport(time.Now(), 0)
	assert.Zero(t, r.TotalScenarios)
	assert.Zero(t, r.RPS)
	assert.Empty(t, r.Methods)
}

func TestBuildLatencySummary(t *testing.T) {
	t.Parallel()

	assert.Equal(t, latencySummary{}, buildLatencySummary(nil))
	assert.Equal(t, latencySummary{Min: 7, Max: 7, Avg: 7, P50: 7, P95: 7, P99: 7}, buildLatencySummary([]float64{7}))

	values := []float64{40, 10, 30, 20}
	s := buildLatencySummary(values)
	assert.Equal(t, 10.0, s.Min)
	assert.Equal(t, 40.0, s.Max)
	assert.Equal(t, 25.0, s.Avg)
	assert.Equal(t, 25.0, s.P50)
	assert.InDelta(t, 38.5, s.P95, 1e-9)
	assert.Equal(t, []float64{40, 10, 30, 20}, values, "input must stay unsorted")
}

func TestPercentileAndRatio(t *testing.T) {
	t.Parallel()

	sorted := []float64{10, 20, 30, 40}
	assert.Equal(t, 10.0, percentile(sorted, 0))
	assert.Equal(t, 40.0, percentile(sorted, 100))
	assert.Zero(t, percentile(nil, 50))

	assert.Equal(t, 0.25, ratio(1, 4))
	assert.Zero(t, ratio(1, 0))
}

func TestRunTarget(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "count:50", runTarget(config{total: 50}))
	assert.Equal(t, "duration:2s", runTarget(config{duration: 2 * time.Second}))
	assert.Equal(t, "duration:2s,max-total:10", runTarget(config{duration: 2 * time.Second, total: 10, totalSet: true}))
}

func TestWriteJSONReport(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, writeJSONReport(path, report{TotalScenarios: 2, SuccessScenarios: 2}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded report
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, int64(2), decoded.SuccessScenarios)

	assert.ErrorContains(t, writeJSONReport("../escape.json", report{}), "inside current directory")
	assert.ErrorContains(t, writeJSONReport(".", report{}), "must point to a file")
}

func TestPrintReport(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printReport(&buf, report{
		TotalScenarios:   3,
		SuccessScenarios: 2,
		FailedScenarios:  1,
		Methods: map[string]methodReport{
			scenarioName: {Calls: 3},
			"confirm":    {Calls: 2, Success: 2},
			"checkout":   {Calls: 3, Success: 2, Failed: 1},
		},
	}, config{mode: modeCheckoutConfirm, total: 3})

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Load test summary\n"))
	assert.Contains(t, out, "mode=checkout-confirm run=count:3 total=3 success=2 failed=1")
	assert.NotContains(t, out, scenarioName+": calls")

	checkout := strings.Index(out, "checkout: calls=3")
	confirm := strings.Index(out, "confirm: calls=2")
	require.NotEqual(t, -1, checkout)
	require.NotEqual(t, -1, confirm)
	assert.Less(t, checkout, confirm, "methods are listed by name")
}
