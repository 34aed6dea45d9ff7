package predict

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// DefaultLabelsNotice warns that the class names were not recorded with the
// model and may not match its outputs
const DefaultLabelsNotice = "Note: the model does not record its class names; the default labels are assumed"

func percent(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

// WriteReport prints the authentication report for p. A failed prediction
// prints the error instead.
func WriteReport(w io.Writer, p Prediction) error {
	if !p.OK() {
		_, err := fmt.Fprintf(w, "Error during prediction: %v\n", p.Err)
		return err
	}
	var sb strings.Builder
	sb.WriteString("\n===== Drug Package Authentication Report =====\n")
	fmt.Fprintf(&sb, "Image: %s\n", p.Image)
	fmt.Fprintf(&sb, "Classification: %s\n", strings.ToUpper(p.Class))
	fmt.Fprintf(&sb, "Confidence: %s\n", percent(p.Confidence))
	sb.WriteString("\nDetailed probabilities:\n")
	for i, name := range p.ClassNames {
		fmt.Fprintf(&sb, "%s: %s\n", name, percent(p.Probabilities[i]))
	}
	if p.DefaultLabels {
		sb.WriteString(DefaultLabelsNotice + "\n")
	}
	sb.WriteString("============================================\n\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

// WriteResult prints the one-line verdict shown after a check
func WriteResult(w io.Writer, p Prediction) error {
	if !p.OK() {
		return nil
	}
	_, err := fmt.Fprintf(w, "Result: %s (Confidence: %s)\n", p.Class, percent(p.Confidence))
	return err
}

type jsonClassProbability struct {
	Class       string  `json:"class"`
	Probability float64 `json:"probability"`
}

type jsonPrediction struct {
	Image          string                 `json:"image"`
	Classification string                 `json:"classification,omitempty"`
	Confidence     float64                `json:"confidence"`
	IsCounterfeit  bool                   `json:"is_counterfeit"`
	Probabilities  []jsonClassProbability `json:"probabilities,omitempty"`
	DefaultLabels  bool                   `json:"default_labels,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// WriteJSON encodes p as one JSON object followed by a newline
func WriteJSON(w io.Writer, p Prediction) error {
	out := jsonPrediction{
		Image:         p.Image,
		Confidence:    p.Confidence,
		IsCounterfeit: p.IsCounterfeit(),
		DefaultLabels: p.DefaultLabels,
	}
	if p.OK() {
		out.Classification = p.Class
		for i, name := range p.ClassNames {
			out.Probabilities = append(out.Probabilities, jsonClassProbability{Class: name, Probability: p.Probabilities[i]})
		}
	} else if p.Err != nil {
		out.Error = p.Err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
