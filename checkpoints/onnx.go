package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/Sandiematt/Medi-Care/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX field numbers from onnx.proto (IR version 7)
const (
	modelIRVersion     protowire.Number = 1
	modelProducerName  protowire.Number = 2
	modelProducerVer   protowire.Number = 3
	modelDomain        protowire.Number = 4
	modelModelVersion  protowire.Number = 5
	modelDocString     protowire.Number = 6
	modelGraph         protowire.Number = 7
	modelOpsetImport   protowire.Number = 8
	modelMetadataProps protowire.Number = 14
	opsetDomain        protowire.Number = 1
	opsetVersion       protowire.Number = 2
	entryKey           protowire.Number = 1
	entryValue         protowire.Number = 2
	graphNode          protowire.Number = 1
	graphName          protowire.Number = 2
	graphInitializer   protowire.Number = 5
	graphInput         protowire.Number = 11
	graphOutput        protowire.Number = 12
	nodeInput          protowire.Number = 1
	nodeOutput         protowire.Number = 2
	nodeName           protowire.Number = 3
	nodeOpType         protowire.Number = 4
	nodeAttribute      protowire.Number = 5
	attrName           protowire.Number = 1
	attrF              protowire.Number = 2
	attrI              protowire.Number = 3
	attrS              protowire.Number = 4
	attrInts           protowire.Number = 8
	attrType           protowire.Number = 20
	tensorDims         protowire.Number = 1
	tensorDataType     protowire.Number = 2
	tensorFloatData    protowire.Number = 4
	tensorName         protowire.Number = 8
	tensorRawData      protowire.Number = 9
	valueInfoName      protowire.Number = 1
	valueInfoType      protowire.Number = 2
	typeTensorType     protowire.Number = 1
	tensorTypeElemType protowire.Number = 1
	tensorTypeShape    protowire.Number = 2
	shapeDim           protowire.Number = 1
	dimValue           protowire.Number = 1
	dimParam           protowire.Number = 2
)

const (
	attrTypeFloat  = 1
	attrTypeInt    = 2
	attrTypeString = 3
	attrTypeInts   = 7
	dataTypeFloat  = 1

	onnxIRVersion     = 7
	onnxOpset         = 13
	onnxBatchDim      = "N"
	metaClassNames    = "class_names"
	metaTrainingState = "training_state"
)

// Graph input and output names of exported models
const (
	ONNXInputName  = "input"
	ONNXOutputName = "output"
)

// floatAttrs are the attributes ONNX types as FLOAT; every other numeric
// attribute is INT or INTS
var floatAttrs = map[string]bool{
	"epsilon":  true,
	"momentum": true,
	"alpha":    true,
	"beta":     true,
}

// ONNXExporter writes checkpoints as self-contained ONNX inference models
type ONNXExporter struct {
	opset int64
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{opset: onnxOpset}
}

// ExportToONNX writes checkpoint as an ONNX model at path
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Marshal(checkpoint)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// Marshal encodes checkpoint as an ONNX ModelProto. The checkpoint must
// carry a wired ModelSpec; its final output is renamed "output".
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	spec := checkpoint.ModelSpec
	if spec == nil || len(spec.Layers) == 0 {
		return nil, fmt.Errorf("checkpoint has no model graph to export")
	}
	if spec.Output == "" {
		return nil, fmt.Errorf("model graph has no output")
	}

	graph, err := oe.buildGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxIRVersion)
	b = appendString(b, modelProducerName, FrameworkName)
	b = appendString(b, modelProducerVer, FormatVersion)
	b = appendString(b, modelDomain, "")
	b = protowire.AppendTag(b, modelModelVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	if checkpoint.Metadata.Description != "" {
		b = appendString(b, modelDocString, checkpoint.Metadata.Description)
	}
	b = appendMessage(b, modelGraph, graph)

	var opset []byte
	opset = appendString(opset, opsetDomain, "")
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, uint64(oe.opset))
	b = appendMessage(b, modelOpsetImport, opset)

	props, err := metadataProps(checkpoint)
	if err != nil {
		return nil, err
	}
	for _, kv := range props {
		var entry []byte
		entry = appendString(entry, entryKey, kv[0])
		entry = appendString(entry, entryValue, kv[1])
		b = appendMessage(b, modelMetadataProps, entry)
	}
	return b, nil
}

func (oe *ONNXExporter) buildGraph(checkpoint *Checkpoint) ([]byte, error) {
	spec := checkpoint.ModelSpec
	weights := make(map[string]WeightTensor, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		weights[w.Name] = w
	}
	rename := func(name string) string {
		if name == spec.Output {
			return ONNXOutputName
		}
		return name
	}

	var g []byte
	g = appendString(g, graphName, spec.Architecture)

	used := make(map[string]bool)
	var initOrder []string
	for _, ls := range spec.Layers {
		op := ls.Type.OpType()
		if op == "" {
			return nil, fmt.Errorf("layer %s: no ONNX operator for %s", ls.Name, ls.Type)
		}
		if len(ls.Inputs) == 0 || ls.Output == "" {
			return nil, fmt.Errorf("layer %s has no wiring", ls.Name)
		}

		var node []byte
		for _, in := range ls.Inputs {
			node = appendString(node, nodeInput, rename(in))
			if _, ok := weights[in]; ok && !used[in] {
				used[in] = true
				initOrder = append(initOrder, in)
			}
		}
		node = appendString(node, nodeOutput, rename(ls.Output))
		node = appendString(node, nodeName, ls.Name)
		node = appendString(node, nodeOpType, op)

		keys := make([]string, 0, len(ls.Parameters))
		for k := range ls.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			attr, err := encodeAttribute(k, ls.Parameters[k])
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", ls.Name, err)
			}
			node = appendMessage(node, nodeAttribute, attr)
		}
		g = appendMessage(g, graphNode, node)
	}

	for _, name := range initOrder {
		g = appendMessage(g, graphInitializer, encodeTensor(weights[name]))
	}

	inputDims := append([]interface{}{onnxBatchDim}, intsToAny(spec.InputShape)...)
	g = appendMessage(g, graphInput, encodeValueInfo(ONNXInputName, inputDims))
	g = appendMessage(g, graphOutput, encodeValueInfo(ONNXOutputName, []interface{}{onnxBatchDim, spec.NumClasses}))
	return g, nil
}

// metadataProps flattens checkpoint metadata into sorted key/value pairs
func metadataProps(checkpoint *Checkpoint) ([][2]string, error) {
	md := checkpoint.Metadata
	props := map[string]string{
		"framework":  md.Framework,
		"version":    md.Version,
		"created_at": md.CreatedAt.Format(time.RFC3339Nano),
	}
	if md.Description != "" {
		props["description"] = md.Description
	}
	if len(md.ClassNames) > 0 {
		names, err := json.Marshal(md.ClassNames)
		if err != nil {
			return nil, err
		}
		props[metaClassNames] = string(names)
	}
	if len(md.Tags) > 0 {
		tags, err := json.Marshal(md.Tags)
		if err != nil {
			return nil, err
		}
		props["tags"] = string(tags)
	}
	state, err := json.Marshal(checkpoint.TrainingState)
	if err != nil {
		return nil, err
	}
	props[metaTrainingState] = string(state)
	if spec := checkpoint.ModelSpec; spec != nil {
		props["architecture"] = spec.Architecture
		props["num_classes"] = strconv.Itoa(spec.NumClasses)
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, props[k]})
	}
	return out, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func encodeAttribute(name string, value interface{}) ([]byte, error) {
	var a []byte
	a = appendString(a, attrName, name)

	if s, ok := value.(string); ok {
		a = appendString(a, attrS, s)
		return appendInt64(a, attrType, attrTypeString), nil
	}
	if ints, ok := toInt64s(value); ok {
		for _, v := range ints {
			a = appendInt64(a, attrInts, v)
		}
		return appendInt64(a, attrType, attrTypeInts), nil
	}
	f, ok := toFloat64(value)
	if !ok {
		return nil, fmt.Errorf("attribute %s has unsupported type %T", name, value)
	}
	if floatAttrs[name] {
		a = protowire.AppendTag(a, attrF, protowire.Fixed32Type)
		a = protowire.AppendFixed32(a, math.Float32bits(float32(f)))
		return appendInt64(a, attrType, attrTypeFloat), nil
	}
	a = appendInt64(a, attrI, int64(f))
	return appendInt64(a, attrType, attrTypeInt), nil
}

func encodeTensor(w WeightTensor) []byte {
	var t []byte
	for _, d := range w.Shape {
		t = appendInt64(t, tensorDims, int64(d))
	}
	t = appendInt64(t, tensorDataType, dataTypeFloat)
	t = appendString(t, tensorName, w.Name)
	raw := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	t = protowire.AppendTag(t, tensorRawData, protowire.BytesType)
	return protowire.AppendBytes(t, raw)
}

// encodeValueInfo describes a float tensor; dims are ints or symbolic names
func encodeValueInfo(name string, dims []interface{}) []byte {
	var shape []byte
	for _, d := range dims {
		var dim []byte
		switch v := d.(type) {
		case string:
			dim = appendString(dim, dimParam, v)
		case int:
			dim = appendInt64(dim, dimValue, int64(v))
		}
		shape = appendMessage(shape, shapeDim, dim)
	}
	var tt []byte
	tt = appendInt64(tt, tensorTypeElemType, dataTypeFloat)
	tt = appendMessage(tt, tensorTypeShape, shape)
	var typ []byte
	typ = appendMessage(typ, typeTensorType, tt)

	var vi []byte
	vi = appendString(vi, valueInfoName, name)
	return appendMessage(vi, valueInfoType, typ)
}

func intsToAny(v []int) []interface{} {
	out := make([]interface{}, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}

// toInt64s accepts the list forms attributes take before and after a JSON round trip
func toInt64s(v interface{}) ([]int64, bool) {
	switch s := v.(type) {
	case []int64:
		return s, true
	case []int:
		out := make([]int64, len(s))
		for i, x := range s {
			out[i] = int64(x)
		}
		return out, true
	case []interface{}:
		out := make([]int64, len(s))
		for i, x := range s {
			f, ok := toFloat64(x)
			if !ok {
				return nil, false
			}
			out[i] = int64(f)
		}
		return out, true
	}
	return nil, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}

// ONNXImporter reads ONNX models written by ONNXExporter, or any model
// using the same operator subset, back into checkpoints
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX reads an ONNX file into a checkpoint
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	return oi.Unmarshal(data)
}

// field is one decoded protobuf field
type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

func parseFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// appendRepeatedInt64 handles both packed and unpacked encodings
func appendRepeatedInt64(dst []int64, f field) ([]int64, error) {
	if f.typ != protowire.BytesType {
		return append(dst, int64(f.u)), nil
	}
	b := f.b
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		dst = append(dst, int64(v))
		b = b[n:]
	}
	return dst, nil
}

type onnxNode struct {
	name    string
	opType  string
	inputs  []string
	outputs []string
	attrs   map[string]interface{}
}

type onnxModel struct {
	producer string
	doc      string
	graph    string
	nodes    []onnxNode
	inits    []WeightTensor
	input    []int64
	output   []int64
	props    map[string]string
}

// Unmarshal decodes an ONNX ModelProto into a checkpoint
func (oi *ONNXImporter) Unmarshal(data []byte) (*Checkpoint, error) {
	m := &onnxModel{props: make(map[string]string)}
	err := parseFields(data, func(f field) error {
		switch f.num {
		case modelProducerName:
			m.producer = string(f.b)
		case modelDocString:
			m.doc = string(f.b)
		case modelGraph:
			return oi.parseGraph(f.b, m)
		case modelMetadataProps:
			var k, v string
			err := parseFields(f.b, func(e field) error {
				switch e.num {
				case entryKey:
					k = string(e.b)
				case entryValue:
					v = string(e.b)
				}
				return nil
			})
			m.props[k] = v
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ONNX model: %w", err)
	}
	if len(m.nodes) == 0 {
		return nil, fmt.Errorf("ONNX model has no graph nodes")
	}
	return oi.toCheckpoint(m)
}

func (oi *ONNXImporter) parseGraph(b []byte, m *onnxModel) error {
	return parseFields(b, func(f field) error {
		switch f.num {
		case graphName:
			m.graph = string(f.b)
		case graphNode:
			n, err := parseNode(f.b)
			if err != nil {
				return err
			}
			m.nodes = append(m.nodes, n)
		case graphInitializer:
			w, err := parseTensor(f.b)
			if err != nil {
				return err
			}
			m.inits = append(m.inits, w)
		case graphInput:
			if m.input == nil {
				m.input = parseValueInfoDims(f.b)
			}
		case graphOutput:
			if m.output == nil {
				m.output = parseValueInfoDims(f.b)
			}
		}
		return nil
	})
}

func parseNode(b []byte) (onnxNode, error) {
	n := onnxNode{attrs: make(map[string]interface{})}
	err := parseFields(b, func(f field) error {
		switch f.num {
		case nodeInput:
			n.inputs = append(n.inputs, string(f.b))
		case nodeOutput:
			n.outputs = append(n.outputs, string(f.b))
		case nodeName:
			n.name = string(f.b)
		case nodeOpType:
			n.opType = string(f.b)
		case nodeAttribute:
			name, value, err := parseAttribute(f.b)
			if err != nil {
				return err
			}
			if name != "" {
				n.attrs[name] = value
			}
		}
		return nil
	})
	return n, err
}

func parseAttribute(b []byte) (string, interface{}, error) {
	var (
		name string
		typ  int64
		fval float32
		ival int64
		sval string
		ints []int64
		err  error
	)
	perr := parseFields(b, func(f field) error {
		switch f.num {
		case attrName:
			name = string(f.b)
		case attrF:
			fval = math.Float32frombits(uint32(f.u))
		case attrI:
			ival = int64(f.u)
		case attrS:
			sval = string(f.b)
		case attrInts:
			ints, err = appendRepeatedInt64(ints, f)
			return err
		case attrType:
			typ = int64(f.u)
		}
		return nil
	})
	if perr != nil {
		return "", nil, perr
	}
	switch typ {
	case attrTypeFloat:
		return name, fval, nil
	case attrTypeInt:
		return name, ival, nil
	case attrTypeString:
		return name, sval, nil
	case attrTypeInts:
		return name, ints, nil
	default:
		// graphs, tensors and other attribute kinds are not used by the supported operators
		return "", nil, nil
	}
}

func parseTensor(b []byte) (WeightTensor, error) {
	var (
		w        WeightTensor
		dims     []int64
		dataType int64
		raw      []byte
		floats   []float32
	)
	err := parseFields(b, func(f field) error {
		var err error
		switch f.num {
		case tensorDims:
			dims, err = appendRepeatedInt64(dims, f)
		case tensorDataType:
			dataType = int64(f.u)
		case tensorName:
			w.Name = string(f.b)
		case tensorRawData:
			raw = f.b
		case tensorFloatData:
			if f.typ == protowire.BytesType {
				for p := f.b; len(p) >= 4; p = p[4:] {
					floats = append(floats, math.Float32frombits(binary.LittleEndian.Uint32(p)))
				}
			} else {
				floats = append(floats, math.Float32frombits(uint32(f.u)))
			}
		}
		return err
	})
	if err != nil {
		return w, err
	}
	if dataType != dataTypeFloat {
		return w, fmt.Errorf("initializer %s has unsupported data type %d", w.Name, dataType)
	}

	w.Shape = make([]int, len(dims))
	count := 1
	for i, d := range dims {
		w.Shape[i] = int(d)
		count *= int(d)
	}
	if raw != nil {
		if len(raw) != 4*count {
			return w, fmt.Errorf("initializer %s: %d raw bytes for %d floats", w.Name, len(raw), count)
		}
		w.Data = make([]float32, count)
		for i := range w.Data {
			w.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	} else {
		if len(floats) != count {
			return w, fmt.Errorf("initializer %s: %d floats for shape %v", w.Name, len(floats), w.Shape)
		}
		w.Data = floats
	}
	w.Layer, w.Type = splitName(w.Name)
	return w, nil
}

// parseValueInfoDims returns the dimensions of a tensor value, -1 for symbolic ones
func parseValueInfoDims(b []byte) []int64 {
	var dims []int64
	_ = parseFields(b, func(f field) error {
		if f.num != valueInfoType {
			return nil
		}
		return parseFields(f.b, func(t field) error {
			if t.num != typeTensorType {
				return nil
			}
			return parseFields(t.b, func(tt field) error {
				if tt.num != tensorTypeShape {
					return nil
				}
				return parseFields(tt.b, func(s field) error {
					if s.num != shapeDim {
						return nil
					}
					d := int64(-1)
					err := parseFields(s.b, func(df field) error {
						if df.num == dimValue {
							d = int64(df.u)
						}
						return nil
					})
					dims = append(dims, d)
					return err
				})
			})
		})
	})
	return dims
}

func (oi *ONNXImporter) toCheckpoint(m *onnxModel) (*Checkpoint, error) {
	shapes := make(map[string][]int, len(m.inits))
	for _, w := range m.inits {
		shapes[w.Name] = w.Shape
	}

	spec := &layers.ModelSpec{Architecture: m.graph}
	if arch := m.props["architecture"]; arch != "" {
		spec.Architecture = arch
	}
	if len(m.input) > 1 {
		for _, d := range m.input[1:] {
			spec.InputShape = append(spec.InputShape, int(d))
		}
	}
	if n, err := strconv.Atoi(m.props["num_classes"]); err == nil {
		spec.NumClasses = n
	} else if len(m.output) == 2 && m.output[1] > 0 {
		spec.NumClasses = int(m.output[1])
	}

	for _, n := range m.nodes {
		lt, ok := layers.LayerTypeForOp(n.opType)
		if !ok {
			return nil, fmt.Errorf("unsupported ONNX operator %s in node %s", n.opType, n.name)
		}
		ls := layers.LayerSpec{
			Type:       lt,
			Name:       n.name,
			Parameters: n.attrs,
			Inputs:     n.inputs,
		}
		if len(n.outputs) > 0 {
			ls.Output = n.outputs[0]
			spec.Output = ls.Output
		}
		for _, in := range n.inputs {
			if s, ok := shapes[in]; ok {
				ls.ParameterShapes = append(ls.ParameterShapes, s)
				count := int64(1)
				for _, d := range s {
					count *= int64(d)
				}
				ls.ParameterCount += count
			}
		}
		spec.TotalParameters += ls.ParameterCount
		spec.Layers = append(spec.Layers, ls)
	}

	cp := &Checkpoint{
		ModelSpec: spec,
		Weights:   m.inits,
		Metadata: CheckpointMetadata{
			Version:     m.props["version"],
			Framework:   m.props["framework"],
			Description: m.doc,
		},
	}
	if cp.Metadata.Description == "" {
		cp.Metadata.Description = fmt.Sprintf("Imported from ONNX (producer: %s)", m.producer)
	}
	if t, err := time.Parse(time.RFC3339Nano, m.props["created_at"]); err == nil {
		cp.Metadata.CreatedAt = t
	}
	if names := m.props[metaClassNames]; names != "" {
		if err := json.Unmarshal([]byte(names), &cp.Metadata.ClassNames); err != nil {
			return nil, fmt.Errorf("invalid class names in ONNX metadata: %w", err)
		}
	}
	if tags := m.props["tags"]; tags != "" {
		if err := json.Unmarshal([]byte(tags), &cp.Metadata.Tags); err != nil {
			return nil, fmt.Errorf("invalid tags in ONNX metadata: %w", err)
		}
	}
	if state := m.props[metaTrainingState]; state != "" {
		if err := json.Unmarshal([]byte(state), &cp.TrainingState); err != nil {
			return nil, fmt.Errorf("invalid training state in ONNX metadata: %w", err)
		}
	}
	return cp, nil
}
