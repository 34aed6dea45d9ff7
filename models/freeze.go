package models

import (
	"fmt"
	"strings"

	"github.com/Sandiematt/Medi-Care/layers"
)

// DefaultTrainableTensors is how many trailing parameter tensors stay
// trainable: the new head (4), all of layer4 (30) and the final batch norm
// of layer3 (2).
const DefaultTrainableTensors = 36

// FreezePolicy decides which parameters keep requires-grad
type FreezePolicy interface {
	Apply(params []*layers.Parameter) error
	String() string
}

// LastN keeps exactly the last N parameter tensors, in declaration order,
// trainable and freezes the rest. When N exceeds the count every tensor is
// trainable.
type LastN struct {
	N int
}

func (p LastN) Apply(params []*layers.Parameter) error {
	if p.N < 0 {
		return fmt.Errorf("trainable tensor count must not be negative, got %d", p.N)
	}
	cut := len(params) - p.N
	for i, param := range params {
		param.RequiresGrad = i >= cut
	}
	return nil
}

func (p LastN) String() string {
	return fmt.Sprintf("last-%d", p.N)
}

// Stages freezes by module identity: a parameter is trainable when its name
// starts with one of Prefixes (for example "layer4." and "fc.").
type Stages struct {
	Prefixes []string
}

func (p Stages) Apply(params []*layers.Parameter) error {
	if len(p.Prefixes) == 0 {
		return fmt.Errorf("stage policy needs at least one prefix")
	}
	matched := false
	for _, param := range params {
		param.RequiresGrad = false
		for _, prefix := range p.Prefixes {
			if strings.HasPrefix(param.Name, prefix) {
				param.RequiresGrad = true
				matched = true
				break
			}
		}
	}
	if !matched {
		return fmt.Errorf("stage policy %v matched no parameters", p.Prefixes)
	}
	return nil
}

func (p Stages) String() string {
	return "stages(" + strings.Join(p.Prefixes, ",") + ")"
}

// ParseFreezePolicy reads "last-N" or "stages:a,b" as used on the command line
func ParseFreezePolicy(s string) (FreezePolicy, error) {
	switch {
	case s == "" || s == "default":
		return LastN{N: DefaultTrainableTensors}, nil
	case strings.HasPrefix(s, "last-"):
		var n int
		if _, err := fmt.Sscanf(s, "last-%d", &n); err != nil {
			return nil, fmt.Errorf("invalid freeze policy %q: %w", s, err)
		}
		return LastN{N: n}, nil
	case strings.HasPrefix(s, "stages:"):
		var prefixes []string
		for _, part := range strings.Split(strings.TrimPrefix(s, "stages:"), ",") {
			if part = strings.TrimSpace(part); part != "" {
				prefixes = append(prefixes, part)
			}
		}
		return Stages{Prefixes: prefixes}, nil
	default:
		return nil, fmt.Errorf("unknown freeze policy %q", s)
	}
}
