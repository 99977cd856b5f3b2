package pipeline

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/askdata/agent/pkg/chart"
	"github.com/malbeclabs/askdata/agent/pkg/dimensions"
	"github.com/malbeclabs/askdata/agent/pkg/executor"
	"github.com/malbeclabs/askdata/agent/pkg/generation"
	"github.com/malbeclabs/askdata/agent/pkg/schema"
	"github.com/malbeclabs/askdata/api/metrics"
)

// step is a pipeline state. The variants below are the only
// implementations; strategies switch on the concrete type.
type step interface {
	stepName() string
}

type (
	stepSchema     struct{}
	stepDimensions struct{}
	stepPrompt     struct{}
	stepGenerate   struct{ prompt string }
	stepExecute    struct{ sql string }
	stepChart      struct {
		columns []string
		rows    [][]any
	}
	stepDone struct{}
)

const (
	StepSchema     = "Get Schema"
	StepDimensions = "Get Dimensions"
	StepPrompt     = "Build Prompt"
	StepGenerate   = "Generate SQL"
	StepExecute    = "Execute Query"
	StepChart      = "Recommend Chart"
)

func (stepSchema) stepName() string     { return StepSchema }
func (stepDimensions) stepName() string { return StepDimensions }
func (stepPrompt) stepName() string     { return StepPrompt }
func (stepGenerate) stepName() string   { return StepGenerate }
func (stepExecute) stepName() string    { return StepExecute }
func (stepChart) stepName() string      { return StepChart }
func (stepDone) stepName() string       { return "Done" }

// runState accumulates the outputs of one strategy attempt.
type runState struct {
	input     Input
	requestID string

	fact   *schema.Entry
	dims   *dimensions.Result
	prompt string
	gen    *generation.Result
	result *executor.Result
	chart  *chart.Recommendation

	steps []Step
}

func newRunState(in Input, requestID string) *runState {
	return &runState{input: in, requestID: requestID}
}

func (rs *runState) output(strategy string) *Output {
	out := &Output{
		RequestID: rs.requestID,
		Question:  rs.input.Question,
		Columns:   []string{},
		Rows:      [][]any{},
		Steps:     rs.steps,
		Strategy:  strategy,
	}
	if rs.gen != nil {
		out.SQL = rs.gen.SQL
	}
	if rs.result != nil {
		out.Columns = rs.result.Columns
		out.Rows = rs.result.Rows
		out.TotalRows = rs.result.TotalRows
	}
	if rs.chart != nil {
		chartType := rs.chart.Type
		out.ChartType = &chartType
		out.ChartConfig = &ChartConfig{XKey: rs.chart.XKey, YKey: rs.chart.YKey}
	}
	return out
}

// handler executes one state and returns the next. A non-nil error with a
// non-nil next state is a recovered failure: it is recorded on the step and
// the run continues. A nil next state ends the run with the error.
type handler func(ctx context.Context, rs *runState, s step) (step, error)

// drive runs states from stepSchema until stepDone or a fatal error. Every
// executed state is timed and appended to rs.steps.
func drive(ctx context.Context, clock clockwork.Clock, rs *runState, handle handler) error {
	var s step = stepSchema{}
	for {
		if _, done := s.(stepDone); done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		start := clock.Now()
		next, err := handle(ctx, rs, s)
		elapsed := clock.Since(start)

		st := Step{Name: s.stepName(), DurationMs: durationMs(elapsed), Success: err == nil}
		if err != nil {
			st.Error = err.Error()
		}
		rs.steps = append(rs.steps, st)
		metrics.RecordPipelineStep(s.stepName(), elapsed, err)

		if next == nil {
			if err == nil {
				err = fmt.Errorf("state %s ended the run without a result", s.stepName())
			}
			return err
		}
		s = next
	}
}

// afterExecute decides whether the chart state runs. Charts are only
// recommended for non-empty results of at most limit rows.
func afterExecute(rs *runState, limit int, charts bool) step {
	if !charts || rs.result == nil {
		return stepDone{}
	}
	if rs.result.TotalRows > 0 && rs.result.TotalRows <= limit {
		return stepChart{columns: rs.result.Columns, rows: rs.result.Rows}
	}
	return stepDone{}
}
