package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// scenarioName: строка отчёта для сценария целиком, а не для одного HTTP-вызова.
const scenarioName = "scenario"

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

// series копит результаты одного метода.
type series struct {
	ok, failed int64
	codes      map[string]int64
	latencyMs  []float64
}

func (s *series) report() methodReport {
	calls := s.ok + s.failed
	return methodReport{
		Calls:     calls,
		Success:   s.ok,
		Failed:    s.failed,
		ErrorRate: ratio(s.failed, calls),
		Codes:     maps.Clone(s.codes),
		LatencyMs: buildLatencySummary(s.latencyMs),
	}
}

type collector struct {
	mu     sync.Mutex
	series map[string]*series
}

func newCollector() *collector {
	return &collector{series: map[string]*series{}}
}

// record учитывает вызов. code: HTTP статус или символьный код ошибки клиента.
func (c *collector) record(method string, latency time.Duration, code string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.series[method]
	if s == nil {
		s = &series{codes: map[string]int64{}}
		c.series[method] = s
	}
	if ok {
		s.ok++
	} else {
		s.failed++
	}
	s.codes[code]++
	s.latencyMs = append(s.latencyMs, float64(latency.Microseconds())/1000)
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Methods:         make(map[string]methodReport, len(c.series)),
	}
	for name, s := range c.series {
		r.Methods[name] = s.report()
	}

	if scenario, ok := r.Methods[scenarioName]; ok {
		r.TotalScenarios = scenario.Calls
		r.SuccessScenarios = scenario.Success
		r.FailedScenarios = scenario.Failed
		r.ErrorRate = scenario.ErrorRate
		r.ScenarioLatencyMs = scenario.LatencyMs
	}
	if elapsed > 0 {
		r.RPS = float64(r.TotalScenarios) / elapsed.Seconds()
	}
	return r
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile интерполирует линейно между соседними рангами; sorted уже отсортирован.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// writeJSONReport пишет отчёт в файл внутри текущего каталога.
func writeJSONReport(path string, r report) error {
	clean := filepath.Clean(path)
	switch {
	case clean == "." || clean == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)):
		return errors.Newf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- путь задаёт оператор через -output.
	f, err := os.Create(clean)
	if err != nil {
		return errors.Wrap(err, "create report file")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(r), "encode report")
}

func printReport(w io.Writer, r report, cfg config) {
	lat := r.ScenarioLatencyMs
	lines := []string{
		"Load test summary",
		fmt.Sprintf("mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f",
			cfg.mode, runTarget(cfg), r.TotalScenarios, r.SuccessScenarios, r.FailedScenarios, r.ErrorRate),
		fmt.Sprintf("duration=%.2fs rps=%.2f", r.DurationSeconds, r.RPS),
		fmt.Sprintf("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f",
			lat.Min, lat.Avg, lat.P50, lat.P95, lat.P99, lat.Max),
	}
	for _, name := range slices.Sorted(maps.Keys(r.Methods)) {
		if name == scenarioName {
			continue
		}
		m := r.Methods[name]
		lines = append(lines, fmt.Sprintf("%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms",
			name, m.Calls, m.Success, m.Failed, m.ErrorRate, m.LatencyMs.P95))
	}
	_, _ = io.WriteString(w, strings.Join(lines, "\n")+"\n")
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}
