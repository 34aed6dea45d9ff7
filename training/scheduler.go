package training

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Sandiematt/Medi-Care/optimizer"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the epoch so a resumed run picks up the
// same rate without replaying history.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// ApplySchedule sets every group's rate for epoch from its base rate
func ApplySchedule(s LRScheduler, groups []*optimizer.ParamGroup, epoch int) {
	for _, g := range groups {
		g.LR = float32(s.GetLR(epoch, 0, float64(g.BaseLR)))
	}
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler follows the closed form
// etaMin + (base-etaMin)*(1+cos(pi*epoch/TMax))/2.
// Past TMax the curve keeps going and the rate climbs back towards base.
type CosineAnnealingLRScheduler struct {
	TMax   int     // Half period in epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 20
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	cosine := (1 + math.Cos(math.Pi*float64(epoch)/float64(s.TMax))) / 2
	return s.EtaMin + (baseLR-s.EtaMin)*cosine
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler keeps the learning rate constant
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "NoOp"
}

// ParseScheduler reads "cosine", "cosine:T", "step:N[:gamma]",
// "exponential[:gamma]" or "none"
func ParseScheduler(s string) (LRScheduler, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), ":")
	num := func(i int, def float64) (float64, error) {
		if len(parts) <= i || parts[i] == "" {
			return def, nil
		}
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid scheduler %q: %w", s, err)
		}
		return v, nil
	}

	switch parts[0] {
	case "", "cosine":
		tMax, err := num(1, 20)
		if err != nil {
			return nil, err
		}
		return NewCosineAnnealingLRScheduler(int(tMax), 0), nil
	case "step":
		size, err := num(1, 30)
		if err != nil {
			return nil, err
		}
		gamma, err := num(2, 0.1)
		if err != nil {
			return nil, err
		}
		return NewStepLRScheduler(int(size), gamma), nil
	case "exponential":
		gamma, err := num(1, 0.95)
		if err != nil {
			return nil, err
		}
		return NewExponentialLRScheduler(gamma), nil
	case "none", "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", s)
	}
}
