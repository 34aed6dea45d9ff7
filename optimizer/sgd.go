package optimizer

import (
	"fmt"

	"github.com/Sandiematt/Medi-Care/checkpoints"
	"github.com/Sandiematt/Medi-Care/layers"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	Momentum    float32
	WeightDecay float32
	Nesterov    bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		Momentum:    0.9,
		WeightDecay: 0.0,
		Nesterov:    false,
	}
}

// SGDOptimizer is stochastic gradient descent with optional momentum and
// L2 weight decay folded into the gradient
type SGDOptimizer struct {
	config SGDConfig
	groups []*ParamGroup
	params []*layers.Parameter

	// Momentum buffers (only if momentum > 0)
	momentum [][]float32

	StepCount uint64
}

// NewSGDOptimizer creates an SGD optimizer over groups
func NewSGDOptimizer(config SGDConfig, groups ...*ParamGroup) (*SGDOptimizer, error) {
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}
	if err := validateGroups(groups); err != nil {
		return nil, err
	}

	params := flatten(groups)
	s := &SGDOptimizer{config: config, groups: groups, params: params}
	if config.Momentum > 0 {
		s.momentum = stateBuffers(params)
	}
	return s, nil
}

// Step performs a single optimization step
func (s *SGDOptimizer) Step() error {
	s.StepCount++
	idx := 0
	for _, g := range s.groups {
		for _, p := range g.Params {
			i := idx
			idx++
			if !p.RequiresGrad || p.Grad == nil {
				continue
			}
			if len(p.Grad.Data) != len(p.Value.Data) {
				return fmt.Errorf("gradient size mismatch for %s: %d vs %d", p.Name, len(p.Grad.Data), len(p.Value.Data))
			}
			w, grad := p.Value.Data, p.Grad.Data
			for j := range w {
				d := grad[j] + s.config.WeightDecay*w[j]
				if s.momentum != nil {
					buf := s.momentum[i]
					if s.StepCount == 1 {
						buf[j] = d
					} else {
						buf[j] = s.config.Momentum*buf[j] + d
					}
					if s.config.Nesterov {
						d += s.config.Momentum * buf[j]
					} else {
						d = buf[j]
					}
				}
				w[j] -= g.LR * d
			}
		}
	}
	return nil
}

// ZeroGrad clears every owned gradient
func (s *SGDOptimizer) ZeroGrad() {
	zeroGroups(s.groups)
}

// Groups returns the parameter groups
func (s *SGDOptimizer) Groups() []*ParamGroup {
	return s.groups
}

// GetStepCount returns the current optimization step number
func (s *SGDOptimizer) GetStepCount() uint64 {
	return s.StepCount
}

// GetState extracts optimizer state for checkpointing
func (s *SGDOptimizer) GetState() (*OptimizerState, error) {
	params := map[string]interface{}{
		"momentum":     float64(s.config.Momentum),
		"weight_decay": float64(s.config.WeightDecay),
		"nesterov":     s.config.Nesterov,
		"step_count":   float64(s.StepCount),
		"num_params":   float64(len(s.params)),
	}
	groupRates(params, s.groups)

	var stateData []checkpoints.OptimizerTensor
	for i, buf := range s.momentum {
		if t := extractBufferState(buf, s.params[i].Value.Shape, fmt.Sprintf("momentum_%d", i), "momentum"); t != nil {
			stateData = append(stateData, *t)
		}
	}

	return &OptimizerState{
		Type:       "SGD",
		Parameters: params,
		StateData:  stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (s *SGDOptimizer) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	if n := extractUint64Param(state.Parameters, "num_params", uint64(len(s.params))); n != uint64(len(s.params)) {
		return fmt.Errorf("state covers %d parameters, optimizer has %d", n, len(s.params))
	}

	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			return fmt.Errorf("unknown state type %q for %s", t.StateType, t.Name)
		}
		if s.momentum == nil {
			return fmt.Errorf("state has momentum buffers but momentum is disabled")
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(s.momentum) {
			return fmt.Errorf("invalid state tensor %q", t.Name)
		}
		if err := restoreBufferState(s.momentum[idx], t.Data, t.Name); err != nil {
			return err
		}
	}

	s.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", s.config.WeightDecay)
	s.config.Nesterov = extractBoolParam(state.Parameters, "nesterov", s.config.Nesterov)
	s.StepCount = extractUint64Param(state.Parameters, "step_count", s.StepCount)
	restoreGroupRates(state.Parameters, s.groups)
	return nil
}
