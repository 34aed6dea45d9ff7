package optimizer

import (
	"fmt"

	"github.com/Sandiematt/Medi-Care/checkpoints"
	"github.com/Sandiematt/Medi-Care/layers"
)

// Optimizer defines the common interface for all optimizers.
// Parameters are organised in named groups so different parts of a model
// can run at different learning rates.
type Optimizer interface {
	// Step applies one update to every trainable parameter that has a gradient
	Step() error

	// ZeroGrad clears the gradients of every parameter the optimizer owns
	ZeroGrad()

	// Groups exposes the parameter groups. Schedulers adjust LR in place.
	Groups() []*ParamGroup

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64
}

// ParamGroup is a set of parameters sharing one learning rate
type ParamGroup struct {
	Name   string
	Params []*layers.Parameter
	// LR is the rate used by the next Step
	LR float32
	// BaseLR is the rate the group started with
	BaseLR float32
}

// NewParamGroup creates a group whose current and base rate are both lr
func NewParamGroup(name string, lr float32, params []*layers.Parameter) *ParamGroup {
	return &ParamGroup{Name: name, Params: params, LR: lr, BaseLR: lr}
}

// OptimizerState represents the complete state of an optimizer
// Compatible with checkpoints.OptimizerState for serialization
type OptimizerState struct {
	Type       string                        `json:"type"`       // "AdamW", "SGD"
	Parameters map[string]interface{}        `json:"parameters"` // Hyperparameters
	StateData  []checkpoints.OptimizerTensor `json:"state_data"` // Per-parameter state tensors
}

// ToCheckpoint converts the state into its checkpoint form
func (s *OptimizerState) ToCheckpoint() *checkpoints.OptimizerState {
	return &checkpoints.OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// FromCheckpoint converts a checkpointed optimizer state back
func FromCheckpoint(s *checkpoints.OptimizerState) *OptimizerState {
	if s == nil {
		return nil
	}
	return &OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// validateGroups rejects empty or duplicated parameter groups
func validateGroups(groups []*ParamGroup) error {
	if len(groups) == 0 {
		return fmt.Errorf("no parameter groups provided")
	}
	seen := make(map[*layers.Parameter]string)
	total := 0
	for _, g := range groups {
		if g.LR < 0 {
			return fmt.Errorf("group %q: learning rate cannot be negative: %f", g.Name, g.LR)
		}
		for _, p := range g.Params {
			if other, ok := seen[p]; ok {
				return fmt.Errorf("parameter %s appears in groups %q and %q", p.Name, other, g.Name)
			}
			seen[p] = g.Name
		}
		total += len(g.Params)
	}
	if total == 0 {
		return fmt.Errorf("parameter groups contain no parameters")
	}
	return nil
}

// flatten lists every parameter in group order
func flatten(groups []*ParamGroup) []*layers.Parameter {
	var params []*layers.Parameter
	for _, g := range groups {
		params = append(params, g.Params...)
	}
	return params
}

// zeroGroups clears the gradients of every parameter in groups
func zeroGroups(groups []*ParamGroup) {
	for _, g := range groups {
		layers.ZeroGrad(g.Params)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "exp_avg_0" or "momentum_3"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// New builds the optimizer named kind ("adamw" or "sgd") over groups
func New(kind string, weightDecay float32, groups ...*ParamGroup) (Optimizer, error) {
	switch kind {
	case "", "adamw":
		cfg := DefaultAdamWConfig()
		cfg.WeightDecay = weightDecay
		return NewAdamWOptimizer(cfg, groups...)
	case "sgd":
		cfg := DefaultSGDConfig()
		cfg.WeightDecay = weightDecay
		return NewSGDOptimizer(cfg, groups...)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", kind)
	}
}
