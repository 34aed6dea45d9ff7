package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Sandiematt/Medi-Care/layers"
)

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
	)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}

	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}

	line += "]"
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintParameterSummary prints total, trainable and frozen parameter counts
// and how the trainable ones split between head and backbone
func PrintParameterSummary(w io.Writer, name string, params []*layers.Parameter, head, backbone []*layers.Parameter) {
	count := func(ps []*layers.Parameter) (tensors int, values int64) {
		for _, p := range ps {
			tensors++
			values += int64(p.Value.NumElems)
		}
		return tensors, values
	}
	totalTensors, total := count(params)
	trainableTensors, trainable := count(layers.Trainable(params))
	headTensors, headValues := count(head)
	backboneTensors, backboneValues := count(backbone)

	fmt.Fprintf(w, "Model: %s\n", name)
	fmt.Fprintf(w, "Total parameters: %s (%d tensors)\n", formatParameterCount(total), totalTensors)
	fmt.Fprintf(w, "Trainable parameters: %s (%d tensors)\n", formatParameterCount(trainable), trainableTensors)
	fmt.Fprintf(w, "  head: %s (%d tensors)\n", formatParameterCount(headValues), headTensors)
	fmt.Fprintf(w, "  backbone: %s (%d tensors)\n", formatParameterCount(backboneValues), backboneTensors)
	fmt.Fprintf(w, "Non-trainable parameters: %s\n", formatParameterCount(total-trainable))
	fmt.Fprintf(w, "Params size (MB): %.3f\n\n", float64(total*4)/1024/1024)
}

// formatParameterCount formats parameter count with commas
func formatParameterCount(count int64) string {
	s := fmt.Sprintf("%d", count)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
