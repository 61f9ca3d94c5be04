package serial

import (
	"context"
	"fmt"

	"github.com/PaesslerAG/gval"

	"github.com/labdaq/daqd/internal/daqerr"
	"github.com/labdaq/daqd/internal/parameter"
)

// compiledConversion is a named algebraic formula over device parameters
// plus one explicit input variable, precompiled with gval at driver
// construction so conversions never re-parse on the hot path.
type compiledConversion struct {
	name     string
	input    string
	eval     gval.Evaluable
}

func compileConversion(name, formula, input string) (*compiledConversion, error) {
	ev, err := gval.Full().NewEvaluable(formula)
	if err != nil {
		return nil, daqerr.Configuration("conversion.compile", fmt.Errorf("conversion %s: %w", name, err))
	}
	return &compiledConversion{name: name, input: input, eval: ev}, nil
}

// Apply evaluates the conversion with the given input value bound to the
// declared input variable name, plus every current device parameter value
// bound by its own name.
func (c *compiledConversion) Apply(ctx context.Context, in float64, params *parameter.Registry) (float64, error) {
	vars := make(map[string]any)
	if params != nil {
		for _, d := range params.List() {
			if p, ok := params.Get(d.Name); ok {
				vars[d.Name] = p.Get()
			}
		}
	}
	vars[c.input] = in
	out, err := c.eval.EvalFloat64(ctx, vars)
	if err != nil {
		return 0, daqerr.Protocol("conversion.apply", fmt.Errorf("conversion %s: %w", c.name, err))
	}
	return out, nil
}
