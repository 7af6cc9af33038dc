package scoring

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

// LinearModel is an exported regression over the numeric forecast features.
// It is trained offline and loaded from YAML:
//
//	name: chicago-2024-q1
//	intercept: 0.1
//	confidence: 0.6
//	coefficients:
//	  hourly_mean: 0.85
//	  rolling_7d: 0.002
type LinearModel struct {
	Name         string             `yaml:"name"`
	Intercept    float64            `yaml:"intercept"`
	Confidence   float64            `yaml:"confidence"`
	Coefficients map[string]float64 `yaml:"coefficients"`
}

// LoadLinearModel reads and validates a model file.
func LoadLinearModel(path string) (*LinearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read linear model: %w", err)
	}
	return ParseLinearModel(data)
}

// ParseLinearModel decodes a model and rejects unknown features or an
// out-of-range confidence.
func ParseLinearModel(data []byte) (*LinearModel, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m LinearModel
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode linear model: %w", err)
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return nil, fmt.Errorf("linear model confidence %v outside [0, 1]", m.Confidence)
	}

	known := domain.Features{}.Vector()
	var unknown []string
	for name := range m.Coefficients {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, fmt.Errorf("linear model has unknown features: %s", strings.Join(unknown, ", "))
	}
	return &m, nil
}

// Score evaluates the model. Negative predictions are clamped to zero.
func (m *LinearModel) Score(_ context.Context, _ string, _ time.Time, _ int, f domain.Features) (float64, float64, error) {
	v := f.Vector()
	y := m.Intercept
	for name, coef := range m.Coefficients {
		y += coef * v[name]
	}
	return max(y, 0), m.Confidence, nil
}
