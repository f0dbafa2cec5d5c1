package forge

import (
	"fmt"
	"regexp"
)

// Params is the optimizer parameter bag. The core validates ranges and passes
// the values through opaquely; it attaches no meaning to them beyond that.
type Params struct {
	Iterations                int     `json:"iterations" mapstructure:"iterations"`
	LearningRate              float64 `json:"learning_rate" mapstructure:"learning_rate"`
	LayerHeight               float64 `json:"layer_height" mapstructure:"layer_height"`
	MaxLayers                 int     `json:"max_layers" mapstructure:"max_layers"`
	MinLayers                 int     `json:"min_layers" mapstructure:"min_layers"`
	BackgroundHeight          float64 `json:"background_height" mapstructure:"background_height"`
	BackgroundColor           string  `json:"background_color" mapstructure:"background_color"`
	STLOutputSize             int     `json:"stl_output_size" mapstructure:"stl_output_size"`
	ProcessingReductionFactor int     `json:"processing_reduction_factor" mapstructure:"processing_reduction_factor"`
	NozzleDiameter            float64 `json:"nozzle_diameter" mapstructure:"nozzle_diameter"`
	InitTau                   float64 `json:"init_tau" mapstructure:"init_tau"`
	FinalTau                  float64 `json:"final_tau" mapstructure:"final_tau"`
	WarmupFraction            float64 `json:"warmup_fraction" mapstructure:"warmup_fraction"`
	LearningRateWarmup        float64 `json:"learning_rate_warmup_fraction" mapstructure:"learning_rate_warmup_fraction"`
	NumInitRounds             int     `json:"num_init_rounds" mapstructure:"num_init_rounds"`
	NumInitClusterLayers      int     `json:"num_init_cluster_layers" mapstructure:"num_init_cluster_layers"`
	EarlyStopping             int     `json:"early_stopping" mapstructure:"early_stopping"`
	PerformPruning            bool    `json:"perform_pruning" mapstructure:"perform_pruning"`
	PruningMaxColors          int     `json:"pruning_max_colors" mapstructure:"pruning_max_colors"`
	PruningMaxSwaps           int     `json:"pruning_max_swaps" mapstructure:"pruning_max_swaps"`
}

// DefaultParams returns the parameter defaults the optimizer ships with.
func DefaultParams() Params {
	return Params{
		Iterations:                2000,
		LearningRate:              0.015,
		LayerHeight:               0.04,
		MaxLayers:                 75,
		MinLayers:                 0,
		BackgroundHeight:          0.24,
		BackgroundColor:           "#000000",
		STLOutputSize:             150,
		ProcessingReductionFactor: 2,
		NozzleDiameter:            0.4,
		InitTau:                   1.0,
		FinalTau:                  0.01,
		WarmupFraction:            1.0,
		LearningRateWarmup:        0.01,
		NumInitRounds:             8,
		NumInitClusterLayers:      -1,
		EarlyStopping:             2000,
		PerformPruning:            false,
		PruningMaxColors:          8,
		PruningMaxSwaps:           20,
	}
}

var hexColorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Normalize fills zero-valued fields with their defaults. Booleans and
// NumInitClusterLayers (where -1 is meaningful) are left as provided.
func (p Params) Normalize() Params {
	def := DefaultParams()
	if p.Iterations == 0 {
		p.Iterations = def.Iterations
	}
	if p.LearningRate == 0 {
		p.LearningRate = def.LearningRate
	}
	if p.LayerHeight == 0 {
		p.LayerHeight = def.LayerHeight
	}
	if p.MaxLayers == 0 {
		p.MaxLayers = def.MaxLayers
	}
	if p.BackgroundHeight == 0 {
		p.BackgroundHeight = def.BackgroundHeight
	}
	if p.BackgroundColor == "" {
		p.BackgroundColor = def.BackgroundColor
	}
	if p.STLOutputSize == 0 {
		p.STLOutputSize = def.STLOutputSize
	}
	if p.ProcessingReductionFactor == 0 {
		p.ProcessingReductionFactor = def.ProcessingReductionFactor
	}
	if p.NozzleDiameter == 0 {
		p.NozzleDiameter = def.NozzleDiameter
	}
	if p.InitTau == 0 {
		p.InitTau = def.InitTau
	}
	if p.FinalTau == 0 {
		p.FinalTau = def.FinalTau
	}
	if p.WarmupFraction == 0 {
		p.WarmupFraction = def.WarmupFraction
	}
	if p.LearningRateWarmup == 0 {
		p.LearningRateWarmup = def.LearningRateWarmup
	}
	if p.NumInitRounds == 0 {
		p.NumInitRounds = def.NumInitRounds
	}
	if p.NumInitClusterLayers == 0 {
		p.NumInitClusterLayers = def.NumInitClusterLayers
	}
	if p.EarlyStopping == 0 {
		p.EarlyStopping = def.EarlyStopping
	}
	if p.PruningMaxColors == 0 {
		p.PruningMaxColors = def.PruningMaxColors
	}
	if p.PruningMaxSwaps == 0 {
		p.PruningMaxSwaps = def.PruningMaxSwaps
	}
	return p
}

// Validate enforces basic range checks. Call Normalize first if the params
// came from a request with omitted fields.
func (p Params) Validate() error {
	if p.Iterations <= 0 {
		return fmt.Errorf("iterations must be > 0")
	}
	if p.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0")
	}
	if p.LayerHeight <= 0 {
		return fmt.Errorf("layer_height must be > 0")
	}
	if p.MaxLayers <= 0 {
		return fmt.Errorf("max_layers must be > 0")
	}
	if p.MinLayers < 0 || p.MinLayers > p.MaxLayers {
		return fmt.Errorf("min_layers must be within [0, max_layers]")
	}
	if p.BackgroundHeight < 0 {
		return fmt.Errorf("background_height must be >= 0")
	}
	if !hexColorRe.MatchString(p.BackgroundColor) {
		return fmt.Errorf("background_color must be a #rrggbb hex value")
	}
	if p.STLOutputSize <= 0 {
		return fmt.Errorf("stl_output_size must be > 0")
	}
	if p.ProcessingReductionFactor <= 0 {
		return fmt.Errorf("processing_reduction_factor must be > 0")
	}
	if p.NozzleDiameter <= 0 {
		return fmt.Errorf("nozzle_diameter must be > 0")
	}
	if p.InitTau <= 0 || p.FinalTau <= 0 {
		return fmt.Errorf("tau values must be > 0")
	}
	if p.WarmupFraction < 0 || p.WarmupFraction > 1 {
		return fmt.Errorf("warmup_fraction must be within [0, 1]")
	}
	if p.LearningRateWarmup < 0 || p.LearningRateWarmup > 1 {
		return fmt.Errorf("learning_rate_warmup_fraction must be within [0, 1]")
	}
	if p.NumInitRounds <= 0 {
		return fmt.Errorf("num_init_rounds must be > 0")
	}
	if p.EarlyStopping <= 0 {
		return fmt.Errorf("early_stopping must be > 0")
	}
	if p.PerformPruning {
		if p.PruningMaxColors <= 0 {
			return fmt.Errorf("pruning_max_colors must be > 0 when pruning is enabled")
		}
		if p.PruningMaxSwaps <= 0 {
			return fmt.Errorf("pruning_max_swaps must be > 0 when pruning is enabled")
		}
	}
	return nil
}
