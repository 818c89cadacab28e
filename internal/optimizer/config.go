package optimizer

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/querylens/fanout/internal/bots"
)

// ExperimentConfig parameterizes one sweep.
type ExperimentConfig struct {
	CandidateWindowsMS []float64 `yaml:"candidate_windows_ms" validate:"required,min=1,dive,gt=0"`
	ValidationSplit    float64   `yaml:"validation_split" validate:"gt=0,lt=1"`
	PurityThreshold    float64   `yaml:"purity_threshold" validate:"gte=0,lte=1"`
	Weights            Weights   `yaml:"weights"`
	Category           string    `yaml:"category" validate:"required"`
	ExcludedProviders  []string  `yaml:"excluded_providers"`
	OutputDir          string    `yaml:"output_dir" validate:"required"`
}

// DefaultExperimentConfig is the production sweep setup.
func DefaultExperimentConfig() ExperimentConfig {
	return ExperimentConfig{
		CandidateWindowsMS: []float64{100, 500, 1000, 3000, 5000},
		ValidationSplit:    0.2,
		PurityThreshold:    0.3,
		Weights:            DefaultWeights(),
		Category:           string(bots.CategoryUserRequest),
		ExcludedProviders:  []string{"Microsoft"},
		OutputDir:          "experiments",
	}
}

// LoadExperimentConfig reads a YAML file over the defaults, so a config
// file only needs to name the fields it changes.
func LoadExperimentConfig(path string) (ExperimentConfig, error) {
	cfg := DefaultExperimentConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read experiment config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse experiment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the structural constraints and the weight sum.
func (c ExperimentConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid experiment config: %w", err)
	}
	return c.Weights.Validate()
}
