package layers

import (
	"fmt"

	"github.com/Sandiematt/Medi-Care/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	Dropout
	BatchNorm
	GlobalAvgPool
	Add
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case Add:
		return "Add"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// onnxOps maps layer types to the ONNX operator that implements them
var onnxOps = map[LayerType]string{
	Dense:         "Gemm",
	Conv2D:        "Conv",
	ReLU:          "Relu",
	MaxPool2D:     "MaxPool",
	BatchNorm:     "BatchNormalization",
	GlobalAvgPool: "GlobalAveragePool",
	Add:           "Add",
	Flatten:       "Flatten",
}

// OpType returns the ONNX operator name for the layer type
func (lt LayerType) OpType() string {
	return onnxOps[lt]
}

// LayerTypeForOp maps an ONNX operator name back to its layer type
func LayerTypeForOp(op string) (LayerType, bool) {
	for lt, name := range onnxOps {
		if name == op {
			return lt, true
		}
	}
	return 0, false
}

// LayerSpec describes one layer of a compiled model
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
	Inputs     []string               `json:"inputs,omitempty"`
	Output     string                 `json:"output,omitempty"`

	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec describes a whole network for checkpoint metadata
type ModelSpec struct {
	Architecture    string      `json:"architecture"`
	NumClasses      int         `json:"num_classes"`
	InputShape      []int       `json:"input_shape"`
	Output          string      `json:"output,omitempty"`
	Layers          []LayerSpec `json:"layers"`
	TotalParameters int64       `json:"total_parameters"`
}

// Node is one operator in an inference graph
type Node struct {
	Type       LayerType
	Name       string
	Inputs     []string
	Outputs    []string
	Attributes map[string]interface{}
}

// Initializer is a named constant feeding the graph
type Initializer struct {
	Name  string
	Value *tensor.Tensor
}

// Graph is the inference dataflow of a network, built by Module.Describe
type Graph struct {
	Nodes        []Node
	Initializers []Initializer
}

// AddNode appends a node producing a single output named after the node
func (g *Graph) AddNode(t LayerType, name string, inputs []string, attrs map[string]interface{}) string {
	out := name + ".out"
	g.Nodes = append(g.Nodes, Node{
		Type:       t,
		Name:       name,
		Inputs:     inputs,
		Outputs:    []string{out},
		Attributes: attrs,
	})
	return out
}

// AddInitializer registers a constant and returns its name
func (g *Graph) AddInitializer(name string, value *tensor.Tensor) string {
	g.Initializers = append(g.Initializers, Initializer{Name: name, Value: value})
	return name
}

// Spec summarises the graph as a ModelSpec. The spec keeps node wiring so
// it can be turned back into a graph together with named weights.
func (g *Graph) Spec(architecture string, numClasses int, inputShape []int) ModelSpec {
	shapes := make(map[string][]int, len(g.Initializers))
	for _, init := range g.Initializers {
		shapes[init.Name] = init.Value.Shape
	}

	spec := ModelSpec{
		Architecture: architecture,
		NumClasses:   numClasses,
		InputShape:   inputShape,
	}
	for _, n := range g.Nodes {
		ls := LayerSpec{
			Type:       n.Type,
			Name:       n.Name,
			Parameters: n.Attributes,
			Inputs:     n.Inputs,
		}
		if len(n.Outputs) > 0 {
			ls.Output = n.Outputs[0]
			spec.Output = ls.Output
		}
		for _, in := range n.Inputs {
			if s, ok := shapes[in]; ok {
				ls.ParameterShapes = append(ls.ParameterShapes, s)
				ls.ParameterCount += int64(tensor.NumElements(s))
			}
		}
		spec.TotalParameters += ls.ParameterCount
		spec.Layers = append(spec.Layers, ls)
	}
	return spec
}

// String renders a one-line summary of the spec
func (s ModelSpec) String() string {
	return fmt.Sprintf("%s(classes=%d, layers=%d, parameters=%d)", s.Architecture, s.NumClasses, len(s.Layers), s.TotalParameters)
}
