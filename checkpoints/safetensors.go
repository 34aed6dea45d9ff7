package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Sandiematt/Medi-Care/layers"
	"github.com/Sandiematt/Medi-Care/tensor"
)

// safetensors layout: an 8-byte little-endian header length, a JSON header
// mapping tensor names to dtype/shape/byte range, then the raw data.
const (
	safetensorsMetadataKey = "__metadata__"
	optimizerTensorPrefix  = "optimizer/"
	maxSafetensorsHeader   = 100 << 20
)

type safetensorsEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// MarshalSafeTensors encodes every weight and optimizer tensor as F32 and
// keeps the rest of the checkpoint in the string metadata
func MarshalSafeTensors(checkpoint *Checkpoint) ([]byte, error) {
	type named struct {
		name  string
		shape []int
		data  []float32
	}
	var all []named
	for _, w := range checkpoint.Weights {
		all = append(all, named{w.Name, w.Shape, w.Data})
	}

	meta := map[string]string{
		"framework":  checkpoint.Metadata.Framework,
		"version":    checkpoint.Metadata.Version,
		"created_at": checkpoint.Metadata.CreatedAt.Format(time.RFC3339Nano),
	}
	if checkpoint.Metadata.Description != "" {
		meta["description"] = checkpoint.Metadata.Description
	}
	put := func(key string, v interface{}) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		meta[key] = string(b)
		return nil
	}
	if err := put(metaTrainingState, checkpoint.TrainingState); err != nil {
		return nil, err
	}
	if len(checkpoint.Metadata.ClassNames) > 0 {
		if err := put(metaClassNames, checkpoint.Metadata.ClassNames); err != nil {
			return nil, err
		}
	}
	if len(checkpoint.Metadata.Tags) > 0 {
		if err := put("tags", checkpoint.Metadata.Tags); err != nil {
			return nil, err
		}
	}
	if checkpoint.ModelSpec != nil {
		if err := put("model_spec", checkpoint.ModelSpec); err != nil {
			return nil, err
		}
	}
	if opt := checkpoint.OptimizerState; opt != nil {
		if err := put("optimizer", OptimizerState{Type: opt.Type, Parameters: opt.Parameters}); err != nil {
			return nil, err
		}
		for _, t := range opt.StateData {
			all = append(all, named{optimizerTensorPrefix + t.Name, t.Shape, t.Data})
		}
	}

	header := map[string]interface{}{safetensorsMetadataKey: meta}
	var offset int64
	for _, t := range all {
		if _, dup := header[t.name]; dup {
			return nil, fmt.Errorf("duplicate tensor name %s", t.name)
		}
		if tensor.NumElements(t.shape) != len(t.data) {
			return nil, fmt.Errorf("tensor %s holds %d values for shape %v", t.name, len(t.data), t.shape)
		}
		size := int64(4 * len(t.data))
		header[t.name] = safetensorsEntry{DType: "F32", Shape: t.shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode safetensors header: %w", err)
	}
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, []byte(strings.Repeat(" ", 8-pad))...)
	}

	out := make([]byte, 8, 8+len(hdr)+int(offset))
	binary.LittleEndian.PutUint64(out, uint64(len(hdr)))
	out = append(out, hdr...)
	for _, t := range all {
		for _, v := range t.data {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return out, nil
}

// SafeTensorsFile is a decoded safetensors file
type SafeTensorsFile struct {
	Tensors  []WeightTensor
	Metadata map[string]string
	// Ignored lists tensors with non-float dtypes such as num_batches_tracked
	Ignored []string
}

// ReadSafeTensors reads a safetensors file from disk
func ReadSafeTensors(path string) (*SafeTensorsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read safetensors file: %w", err)
	}
	return ParseSafeTensors(data)
}

// ParseSafeTensors decodes F32, F16 and BF16 tensors in file order
func ParseSafeTensors(data []byte) (*SafeTensorsFile, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors data too short: %d bytes", len(data))
	}
	n := binary.LittleEndian.Uint64(data)
	if n > maxSafetensorsHeader || n > uint64(len(data)-8) {
		return nil, fmt.Errorf("invalid safetensors header length %d", n)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &raw); err != nil {
		return nil, fmt.Errorf("invalid safetensors header: %w", err)
	}
	body := data[8+n:]

	file := &SafeTensorsFile{Metadata: map[string]string{}}
	type located struct {
		name  string
		entry safetensorsEntry
	}
	var entries []located
	for name, msg := range raw {
		if name == safetensorsMetadataKey {
			if err := json.Unmarshal(msg, &file.Metadata); err != nil {
				return nil, fmt.Errorf("invalid safetensors metadata: %w", err)
			}
			continue
		}
		var e safetensorsEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("invalid safetensors entry %s: %w", name, err)
		}
		entries = append(entries, located{name, e})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].entry.DataOffsets[0] < entries[j].entry.DataOffsets[0]
	})

	for _, l := range entries {
		begin, end := l.entry.DataOffsets[0], l.entry.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(body)) {
			return nil, fmt.Errorf("tensor %s has invalid byte range [%d, %d)", l.name, begin, end)
		}
		count := tensor.NumElements(l.entry.Shape)
		buf := body[begin:end]

		var values []float32
		switch l.entry.DType {
		case "F32":
			if len(buf) != 4*count {
				return nil, fmt.Errorf("tensor %s: %d bytes for %d F32 values", l.name, len(buf), count)
			}
			values = make([]float32, count)
			for i := range values {
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
			}
		case "F16", "BF16":
			if len(buf) != 2*count {
				return nil, fmt.Errorf("tensor %s: %d bytes for %d %s values", l.name, len(buf), count, l.entry.DType)
			}
			values = make([]float32, count)
			for i := range values {
				h := binary.LittleEndian.Uint16(buf[2*i:])
				if l.entry.DType == "F16" {
					values[i] = tensor.HalfToFloat32(h)
				} else {
					values[i] = tensor.BFloat16ToFloat32(h)
				}
			}
		default:
			file.Ignored = append(file.Ignored, l.name)
			continue
		}

		layer, kind := splitName(l.name)
		file.Tensors = append(file.Tensors, WeightTensor{
			Name:  l.name,
			Shape: append([]int(nil), l.entry.Shape...),
			Data:  values,
			Layer: layer,
			Type:  kind,
		})
	}
	return file, nil
}

// UnmarshalSafeTensors rebuilds a checkpoint written by MarshalSafeTensors
func UnmarshalSafeTensors(data []byte) (*Checkpoint, error) {
	file, err := ParseSafeTensors(data)
	if err != nil {
		return nil, err
	}
	md := file.Metadata
	cp := &Checkpoint{
		Metadata: CheckpointMetadata{
			Framework:   md["framework"],
			Version:     md["version"],
			Description: md["description"],
		},
	}
	if t, err := time.Parse(time.RFC3339Nano, md["created_at"]); err == nil {
		cp.Metadata.CreatedAt = t
	}

	get := func(key string, v interface{}) error {
		s, ok := md[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal([]byte(s), v); err != nil {
			return fmt.Errorf("invalid %s in safetensors metadata: %w", key, err)
		}
		return nil
	}
	if err := get(metaTrainingState, &cp.TrainingState); err != nil {
		return nil, err
	}
	if err := get(metaClassNames, &cp.Metadata.ClassNames); err != nil {
		return nil, err
	}
	if err := get("tags", &cp.Metadata.Tags); err != nil {
		return nil, err
	}
	if _, ok := md["model_spec"]; ok {
		cp.ModelSpec = &layers.ModelSpec{}
		if err := get("model_spec", cp.ModelSpec); err != nil {
			return nil, err
		}
	}
	if _, ok := md["optimizer"]; ok {
		cp.OptimizerState = &OptimizerState{}
		if err := get("optimizer", cp.OptimizerState); err != nil {
			return nil, err
		}
	}

	for _, t := range file.Tensors {
		if !strings.HasPrefix(t.Name, optimizerTensorPrefix) {
			cp.Weights = append(cp.Weights, t)
			continue
		}
		if cp.OptimizerState == nil {
			return nil, fmt.Errorf("optimizer tensor %s without optimizer metadata", t.Name)
		}
		name := strings.TrimPrefix(t.Name, optimizerTensorPrefix)
		stateType := name
		if i := strings.LastIndex(name, "_"); i > 0 {
			stateType = name[:i]
		}
		cp.OptimizerState.StateData = append(cp.OptimizerState.StateData, OptimizerTensor{
			Name:      name,
			Shape:     t.Shape,
			Data:      t.Data,
			StateType: stateType,
		})
	}
	return cp, nil
}

// IsImageNetHead matches the classification layer of a torchvision ImageNet
// checkpoint, which the replacement head never loads
func IsImageNetHead(name string) bool {
	return name == "fc.weight" || name == "fc.bias"
}

// LoadPretrained copies backbone tensors from a torchvision safetensors file
// into params and buffers. Head tensors stay at their initial values.
func LoadPretrained(path string, params []*layers.Parameter, buffers []*layers.Buffer) (LoadReport, error) {
	file, err := ReadSafeTensors(path)
	if err != nil {
		return LoadReport{}, err
	}
	var backbone []*layers.Parameter
	for _, p := range params {
		if !strings.HasPrefix(p.Name, "fc.") {
			backbone = append(backbone, p)
		}
	}
	report, err := LoadWeights(file.Tensors, backbone, buffers, LoadOptions{
		Skip: func(name string) bool { return IsImageNetHead(name) || strings.HasPrefix(name, "fc.") },
	})
	if err != nil {
		return report, fmt.Errorf("failed to load pretrained weights from %s: %w", path, err)
	}
	report.Skipped = append(report.Skipped, file.Ignored...)
	return report, nil
}
