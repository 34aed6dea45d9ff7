package optimizer

import (
	"fmt"
	"math"

	"github.com/Sandiematt/Medi-Care/checkpoints"
	"github.com/Sandiematt/Medi-Care/layers"
)

// AdamWConfig holds configuration for the AdamW optimizer.
// Learning rates live on the parameter groups.
type AdamWConfig struct {
	Beta1       float32
	Beta2       float32
	Epsilon     float32
	WeightDecay float32
}

// DefaultAdamWConfig returns the fine-tuning defaults
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WeightDecay: 1e-4,
	}
}

// AdamWOptimizer is Adam with decoupled weight decay: every parameter is
// first shrunk by lr*weightDecay, then moved by the bias-corrected Adam step.
type AdamWOptimizer struct {
	config AdamWConfig
	groups []*ParamGroup
	params []*layers.Parameter

	// First and second moment estimates, one buffer per parameter
	expAvg   [][]float32
	expAvgSq [][]float32

	StepCount uint64
}

// NewAdamWOptimizer creates an AdamW optimizer over groups
func NewAdamWOptimizer(config AdamWConfig, groups ...*ParamGroup) (*AdamWOptimizer, error) {
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if err := validateGroups(groups); err != nil {
		return nil, err
	}

	params := flatten(groups)
	return &AdamWOptimizer{
		config:   config,
		groups:   groups,
		params:   params,
		expAvg:   stateBuffers(params),
		expAvgSq: stateBuffers(params),
	}, nil
}

// Step performs a single optimization step
func (a *AdamWOptimizer) Step() error {
	a.StepCount++
	bias1 := 1 - math.Pow(float64(a.config.Beta1), float64(a.StepCount))
	bias2 := 1 - math.Pow(float64(a.config.Beta2), float64(a.StepCount))
	beta1, beta2 := a.config.Beta1, a.config.Beta2

	idx := 0
	for _, g := range a.groups {
		lr := float64(g.LR)
		decay := float32(1 - lr*float64(a.config.WeightDecay))
		stepSize := lr / bias1
		sqrtBias2 := math.Sqrt(bias2)

		for _, p := range g.Params {
			m, v := a.expAvg[idx], a.expAvgSq[idx]
			idx++
			if !p.RequiresGrad || p.Grad == nil {
				continue
			}
			if len(p.Grad.Data) != len(p.Value.Data) {
				return fmt.Errorf("gradient size mismatch for %s: %d vs %d", p.Name, len(p.Grad.Data), len(p.Value.Data))
			}
			w, grad := p.Value.Data, p.Grad.Data
			for j := range w {
				gj := grad[j]
				w[j] *= decay
				m[j] = beta1*m[j] + (1-beta1)*gj
				v[j] = beta2*v[j] + (1-beta2)*gj*gj
				denom := math.Sqrt(float64(v[j]))/sqrtBias2 + float64(a.config.Epsilon)
				w[j] -= float32(stepSize * float64(m[j]) / denom)
			}
		}
	}
	return nil
}

// ZeroGrad clears every owned gradient
func (a *AdamWOptimizer) ZeroGrad() {
	zeroGroups(a.groups)
}

// Groups returns the parameter groups
func (a *AdamWOptimizer) Groups() []*ParamGroup {
	return a.groups
}

// GetStepCount returns the current optimization step number
func (a *AdamWOptimizer) GetStepCount() uint64 {
	return a.StepCount
}

// GetState extracts optimizer state for checkpointing
func (a *AdamWOptimizer) GetState() (*OptimizerState, error) {
	params := map[string]interface{}{
		"beta1":        float64(a.config.Beta1),
		"beta2":        float64(a.config.Beta2),
		"epsilon":      float64(a.config.Epsilon),
		"weight_decay": float64(a.config.WeightDecay),
		"step_count":   float64(a.StepCount),
		"num_params":   float64(len(a.params)),
	}
	groupRates(params, a.groups)

	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(a.params))
	for i, p := range a.params {
		if t := extractBufferState(a.expAvg[i], p.Value.Shape, fmt.Sprintf("exp_avg_%d", i), "exp_avg"); t != nil {
			stateData = append(stateData, *t)
		}
		if t := extractBufferState(a.expAvgSq[i], p.Value.Shape, fmt.Sprintf("exp_avg_sq_%d", i), "exp_avg_sq"); t != nil {
			stateData = append(stateData, *t)
		}
	}

	return &OptimizerState{
		Type:       "AdamW",
		Parameters: params,
		StateData:  stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (a *AdamWOptimizer) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdamW", state); err != nil {
		return err
	}
	if n := extractUint64Param(state.Parameters, "num_params", uint64(len(a.params))); n != uint64(len(a.params)) {
		return fmt.Errorf("state covers %d parameters, optimizer has %d", n, len(a.params))
	}

	for _, t := range state.StateData {
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(a.params) {
			return fmt.Errorf("invalid state tensor %q", t.Name)
		}
		var err error
		switch t.StateType {
		case "exp_avg":
			err = restoreBufferState(a.expAvg[idx], t.Data, t.Name)
		case "exp_avg_sq":
			err = restoreBufferState(a.expAvgSq[idx], t.Data, t.Name)
		default:
			err = fmt.Errorf("unknown state type %q for %s", t.StateType, t.Name)
		}
		if err != nil {
			return err
		}
	}

	a.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", a.config.Beta1)
	a.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", a.config.Beta2)
	a.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", a.config.WeightDecay)
	a.StepCount = extractUint64Param(state.Parameters, "step_count", a.StepCount)
	restoreGroupRates(state.Parameters, a.groups)
	return nil
}
