package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type cycleKey struct {
	strategy string
	action   string
}

type strategyCollector struct {
	mu         sync.Mutex
	cycles     map[cycleKey]uint64
	executions map[string]uint64
}

var cycleCollector = &strategyCollector{
	cycles:     make(map[cycleKey]uint64),
	executions: make(map[string]uint64),
}

// ObserveCycle records the decision taken during one management cycle.
func ObserveCycle(strategy, action string) {
	cycleCollector.mu.Lock()
	defer cycleCollector.mu.Unlock()
	cycleCollector.cycles[cycleKey{strategy: strategy, action: action}]++
}

// ObserveExecution records the terminal outcome of one execution plan.
func ObserveExecution(outcome string) {
	cycleCollector.mu.Lock()
	defer cycleCollector.mu.Unlock()
	cycleCollector.executions[outcome]++
}

func (c *strategyCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type cycleMetric struct {
		cycleKey
		value uint64
	}
	type executionMetric struct {
		outcome string
		value   uint64
	}

	cycles := make([]cycleMetric, 0, len(c.cycles))
	for key, value := range c.cycles {
		cycles = append(cycles, cycleMetric{cycleKey: key, value: value})
	}
	executions := make([]executionMetric, 0, len(c.executions))
	for outcome, value := range c.executions {
		executions = append(executions, executionMetric{outcome: outcome, value: value})
	}

	sort.Slice(cycles, func(i, j int) bool {
		if cycles[i].strategy == cycles[j].strategy {
			return cycles[i].action < cycles[j].action
		}
		return cycles[i].strategy < cycles[j].strategy
	})
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].outcome < executions[j].outcome
	})

	var builder strings.Builder
	builder.Grow(512)

	builder.WriteString("# HELP clmm_cycles_total Total number of management cycles, labelled by the decision taken.\n")
	builder.WriteString("# TYPE clmm_cycles_total counter\n")
	for _, metric := range cycles {
		builder.WriteString(fmt.Sprintf("clmm_cycles_total{strategy=\"%s\",action=\"%s\"} %d\n",
			escape(metric.strategy), escape(metric.action), metric.value))
	}

	builder.WriteString("# HELP clmm_executions_total Total number of execution plans by terminal outcome.\n")
	builder.WriteString("# TYPE clmm_executions_total counter\n")
	for _, metric := range executions {
		builder.WriteString(fmt.Sprintf("clmm_executions_total{outcome=\"%s\"} %d\n",
			escape(metric.outcome), metric.value))
	}

	return builder.String()
}

// EngineRecorder adapts the package-level counters to the workflow engine's
// recorder interface.
type EngineRecorder struct{}

// NewEngineRecorder returns a recorder backed by the process-wide counters.
func NewEngineRecorder() EngineRecorder { return EngineRecorder{} }

// ObserveCycle implements the engine recorder.
func (EngineRecorder) ObserveCycle(strategy, action string) { ObserveCycle(strategy, action) }

// ObserveExecution implements the engine recorder.
func (EngineRecorder) ObserveExecution(outcome string) { ObserveExecution(outcome) }
