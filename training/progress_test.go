package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/Sandiematt/Medi-Care/layers"
	"github.com/Sandiematt/Medi-Care/tensor"
)

// TestProgressBar tests the basic progress bar functionality
func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/3 [train]", 4)

	for i := 1; i <= 4; i++ {
		pb.Update(i, map[string]float64{
			"loss": 1.0 - float64(i)*0.1,
			"acc":  float64(i) * 0.2,
		})
	}
	pb.Finish()

	out := buf.String()
	if !strings.HasSuffix(out, "\n") {
		t.Error("Expected Finish to end the line")
	}
	last := out[strings.LastIndex(out, "\r")+1:]
	if !strings.Contains(last, "100%") || !strings.Contains(last, "4/4") {
		t.Errorf("Expected a complete bar, got %q", last)
	}
	if !strings.Contains(last, "acc=80.00%") || !strings.Contains(last, "loss=0.600") {
		t.Errorf("Expected formatted metrics, got %q", last)
	}
	if strings.Index(last, "acc=") > strings.Index(last, "loss=") {
		t.Errorf("Expected metrics in name order, got %q", last)
	}
}

func TestProgressBarZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "empty", 0)
	pb.Finish()
	if !strings.Contains(buf.String(), "0/0") {
		t.Errorf("Expected 0/0, got %q", buf.String())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:59"},
		{125 * time.Second, "02:05"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.expected {
			t.Errorf("formatDuration(%v) = %s, expected %s", tt.d, got, tt.expected)
		}
	}
}

func TestFormatParameterCount(t *testing.T) {
	tests := []struct {
		count    int64
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{23508032, "23,508,032"},
		{123456, "123,456"},
	}
	for _, tt := range tests {
		if got := formatParameterCount(tt.count); got != tt.expected {
			t.Errorf("formatParameterCount(%d) = %s, expected %s", tt.count, got, tt.expected)
		}
	}
}

func TestPrintParameterSummary(t *testing.T) {
	frozen := layers.NewParameter("conv1.weight", tensor.MustZeros(10, 10))
	frozen.RequiresGrad = false
	bb := layers.NewParameter("layer4.0.conv1.weight", tensor.MustZeros(5))
	head := layers.NewParameter("fc.1.weight", tensor.MustZeros(3))

	var buf bytes.Buffer
	PrintParameterSummary(&buf, "resnet50", []*layers.Parameter{frozen, bb, head},
		[]*layers.Parameter{head}, []*layers.Parameter{bb})

	out := buf.String()
	for _, want := range []string{"Total parameters: 108 (3 tensors)", "Trainable parameters: 8 (2 tensors)", "Non-trainable parameters: 100"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in:\n%s", want, out)
		}
	}
}
