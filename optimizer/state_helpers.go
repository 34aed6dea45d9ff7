package optimizer

import (
	"fmt"

	"github.com/Sandiematt/Medi-Care/checkpoints"
	"github.com/Sandiematt/Medi-Care/layers"
)

// Common helper functions for optimizer state management

// extractBufferState copies a single state buffer into a checkpoint tensor
func extractBufferState(buffer []float32, shape []int, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}
	data := make([]float32, len(buffer))
	copy(data, buffer)
	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint data back into a state buffer
func restoreBufferState(buffer []float32, data []float32, name string) error {
	if buffer == nil {
		return fmt.Errorf("%s buffer is nil", name)
	}
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// groupRates records each group's current and base rate in params
func groupRates(params map[string]interface{}, groups []*ParamGroup) {
	for _, g := range groups {
		params["lr_"+g.Name] = float64(g.LR)
		params["base_lr_"+g.Name] = float64(g.BaseLR)
	}
}

// restoreGroupRates reads rates written by groupRates, keeping the current
// value for groups the state does not mention
func restoreGroupRates(params map[string]interface{}, groups []*ParamGroup) {
	for _, g := range groups {
		g.LR = extractFloat32Param(params, "lr_"+g.Name, g.LR)
		g.BaseLR = extractFloat32Param(params, "base_lr_"+g.Name, g.BaseLR)
	}
}

// stateBuffers allocates one zeroed buffer per parameter
func stateBuffers(params []*layers.Parameter) [][]float32 {
	bufs := make([][]float32, len(params))
	for i, p := range params {
		bufs[i] = make([]float32, len(p.Value.Data))
	}
	return bufs
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	case int:
		return uint64(val)
	}
	return defaultValue
}
