package pipeline

import (
	"context"
	"fmt"

	"github.com/malbeclabs/askdata/agent/pkg/apperr"
)

// SequentialStrategy calls the components directly in the fixed order. It
// is the fallback when the tool strategy fails.
type SequentialStrategy struct {
	c *components
}

func (s *SequentialStrategy) Name() string { return "sequential" }

func (s *SequentialStrategy) handle(ctx context.Context, rs *runState, st step) (step, error) {
	c := s.c
	switch st := st.(type) {
	case stepSchema:
		entry, err := c.schemas.Fact(ctx, true)
		if err != nil {
			return nil, err
		}
		rs.fact = &entry
		return stepDimensions{}, nil

	case stepDimensions:
		if c.dims == nil {
			return stepPrompt{}, nil
		}
		res, err := c.dims.Get(ctx, true, false)
		if err != nil {
			c.log.Warn("pipeline: dimensions unavailable", "request_id", rs.requestID, "error", err)
			return stepPrompt{}, apperr.Wrap(apperr.KindDimensionLookup, "dimensions", err)
		}
		if len(res.Dimensions) > 0 {
			rs.dims = &res
		}
		return stepPrompt{}, nil

	case stepPrompt:
		rs.prompt = c.buildPrompt(rs)
		return stepGenerate{prompt: rs.prompt}, nil

	case stepGenerate:
		res, err := c.gen.Generate(ctx, st.prompt, c.maxRetries)
		if err != nil {
			return nil, err
		}
		rs.gen = res
		return stepExecute{sql: res.SQL}, nil

	case stepExecute:
		res, err := c.exec.Execute(ctx, st.sql, c.maxRows)
		if err != nil {
			return nil, err
		}
		rs.result = res
		return afterExecute(rs, c.chartRowLimit, c.charts != nil), nil

	case stepChart:
		rec, err := c.charts.Recommend(ctx, rs.input.Question, st.columns, st.rows)
		if err != nil {
			c.log.Warn("pipeline: chart recommendation failed", "request_id", rs.requestID, "error", err)
			return stepDone{}, err
		}
		rs.chart = rec
		return stepDone{}, nil
	}
	return nil, fmt.Errorf("sequential strategy: unexpected state %T", st)
}
