package forge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDefaultParamsValid checks the shipped defaults pass validation.
func TestDefaultParamsValid(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultParams().Validate())
}

// TestNormalizeFillsZeroFields verifies Normalize backfills omitted fields
// without touching ones that were provided.
func TestNormalizeFillsZeroFields(t *testing.T) {
	t.Parallel()

	p := Params{Iterations: 500}.Normalize()
	require.Equal(t, 500, p.Iterations)
	require.Equal(t, DefaultParams().LearningRate, p.LearningRate)
	require.Equal(t, DefaultParams().BackgroundColor, p.BackgroundColor)
	require.Equal(t, -1, p.NumInitClusterLayers)
	require.NoError(t, p.Validate())
}

// TestValidateRejectsBadValues runs the range checks table-style.
func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"negative iterations", func(p *Params) { p.Iterations = -1 }},
		{"zero learning rate", func(p *Params) { p.LearningRate = 0 }},
		{"min above max layers", func(p *Params) { p.MinLayers = p.MaxLayers + 1 }},
		{"bad background color", func(p *Params) { p.BackgroundColor = "black" }},
		{"zero nozzle", func(p *Params) { p.NozzleDiameter = 0 }},
		{"warmup out of range", func(p *Params) { p.WarmupFraction = 1.5 }},
		{"pruning without colors", func(p *Params) {
			p.PerformPruning = true
			p.PruningMaxColors = -1
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := DefaultParams()
			tc.mutate(&p)
			require.Error(t, p.Validate())
		})
	}
}
