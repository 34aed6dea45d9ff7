package training

import (
	"fmt"

	"github.com/Sandiematt/Medi-Care/layers"
	"github.com/Sandiematt/Medi-Care/optimizer"
	"github.com/Sandiematt/Medi-Care/tensor"
)

// GradScalerConfig configures dynamic loss scaling for half-precision training
type GradScalerConfig struct {
	Enabled        bool
	InitScale      float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
}

// DefaultGradScalerConfig returns scale 2^16, doubling after 2000 finite
// steps and halving on overflow
func DefaultGradScalerConfig() GradScalerConfig {
	return GradScalerConfig{
		Enabled:        true,
		InitScale:      65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

func validateGradScalerConfig(cfg GradScalerConfig) error {
	if cfg.InitScale <= 0 {
		return fmt.Errorf("initial scale must be positive, got %g", cfg.InitScale)
	}
	if cfg.GrowthFactor <= 1 {
		return fmt.Errorf("growth factor must be greater than 1, got %g", cfg.GrowthFactor)
	}
	if cfg.BackoffFactor <= 0 || cfg.BackoffFactor >= 1 {
		return fmt.Errorf("backoff factor must be in (0, 1), got %g", cfg.BackoffFactor)
	}
	if cfg.GrowthInterval <= 0 {
		return fmt.Errorf("growth interval must be positive, got %d", cfg.GrowthInterval)
	}
	return nil
}

// GradScaler multiplies the loss gradient before backward so small values
// survive half-precision rounding, then divides parameter gradients back
// before the optimizer step. Steps whose gradients overflowed are skipped
// and the scale shrinks.
//
// Usage per batch: ScaleGrad, model backward, Step, Update.
type GradScaler struct {
	config        GradScalerConfig
	scale         float64
	growthTracker int
	foundInf      bool
	skipped       int
}

// NewGradScaler creates a scaler. A disabled scaler is a pass-through.
func NewGradScaler(cfg GradScalerConfig) (*GradScaler, error) {
	if !cfg.Enabled {
		return &GradScaler{config: cfg, scale: 1}, nil
	}
	if err := validateGradScalerConfig(cfg); err != nil {
		return nil, err
	}
	return &GradScaler{config: cfg, scale: cfg.InitScale}, nil
}

// IsEnabled reports whether gradients are scaled
func (s *GradScaler) IsEnabled() bool {
	return s.config.Enabled
}

// GetScale returns the current loss scale
func (s *GradScaler) GetScale() float64 {
	return s.scale
}

// SkippedSteps counts optimizer steps dropped because of overflow
func (s *GradScaler) SkippedSteps() int {
	return s.skipped
}

// ScaleGrad multiplies the loss gradient in place by the current scale
func (s *GradScaler) ScaleGrad(grad *tensor.Tensor) {
	if s.config.Enabled {
		tensor.ScaleInPlace(grad.Data, float32(s.scale))
	}
}

// unscale divides trainable gradients by the scale and reports overflow
func (s *GradScaler) unscale(params []*layers.Parameter) bool {
	inv := float32(1 / s.scale)
	found := false
	for _, p := range params {
		if !p.RequiresGrad || p.Grad == nil {
			continue
		}
		if tensor.HasNonFinite(p.Grad.Data) {
			found = true
			continue
		}
		tensor.ScaleInPlace(p.Grad.Data, inv)
	}
	return found
}

// Step unscales the gradients of params and runs opt unless any of them
// overflowed. It reports whether the optimizer stepped.
func (s *GradScaler) Step(opt optimizer.Optimizer, params []*layers.Parameter) (bool, error) {
	if !s.config.Enabled {
		s.foundInf = false
		return true, opt.Step()
	}
	s.foundInf = s.unscale(params)
	if s.foundInf {
		s.skipped++
		return false, nil
	}
	return true, opt.Step()
}

// Update adjusts the scale after a Step
func (s *GradScaler) Update() {
	if !s.config.Enabled {
		return
	}
	if s.foundInf {
		s.scale *= s.config.BackoffFactor
		s.growthTracker = 0
		s.foundInf = false
		return
	}
	s.growthTracker++
	if s.growthTracker >= s.config.GrowthInterval {
		s.scale *= s.config.GrowthFactor
		s.growthTracker = 0
	}
}
