package ai

import (
	"encoding/json"
	"math"
)

// FeatureDim is the fixed width of the model input vector.
const FeatureDim = 12

const (
	defaultLearningRate = 0.05
	defaultL2           = 1e-6
	persistEvery        = 10
)

// OnlineLogisticRegression is a tiny SGD-trained classifier predicting the
// probability that an entry closes with positive pnl. State is small enough
// to live as JSON in system_config.
type OnlineLogisticRegression struct {
	Dim     int       `json:"dim"`
	LR      float64   `json:"lr"`
	L2      float64   `json:"l2"`
	Bias    float64   `json:"bias"`
	Weights []float64 `json:"w"`
	Seen    int64     `json:"seen"`
	Version int       `json:"version"`
}

// NewModel returns a zero-initialized model.
func NewModel(dim int) *OnlineLogisticRegression {
	if dim <= 0 {
		dim = FeatureDim
	}
	return &OnlineLogisticRegression{
		Dim:     dim,
		LR:      defaultLearningRate,
		L2:      defaultL2,
		Weights: make([]float64, dim),
		Version: 1,
	}
}

// SetHyperparams overrides the learning rate and L2 strength, typically from
// config. Non-positive lr and negative l2 are ignored.
func (m *OnlineLogisticRegression) SetHyperparams(lr, l2 float64) {
	if lr > 0 {
		m.LR = lr
	}
	if l2 >= 0 {
		m.L2 = l2
	}
}

// sigmoid is the numerically stable form: no overflow for large |z|.
func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// PredictProba returns P(label=1 | x). Inputs shorter than Dim read as
// zero-padded; longer inputs are truncated.
func (m *OnlineLogisticRegression) PredictProba(x []float64) float64 {
	z := m.Bias
	for i := 0; i < m.Dim && i < len(x); i++ {
		z += m.Weights[i] * x[i]
	}
	return sigmoid(z)
}

// PartialFit applies one SGD step with L2 regularization. label must be 0
// or 1.
func (m *OnlineLogisticRegression) PartialFit(x []float64, label int) {
	y := 0.0
	if label > 0 {
		y = 1.0
	}
	p := m.PredictProba(x)
	err := p - y

	for i := 0; i < m.Dim; i++ {
		xi := 0.0
		if i < len(x) {
			xi = x[i]
		}
		m.Weights[i] -= m.LR * (err*xi + m.L2*m.Weights[i])
	}
	m.Bias -= m.LR * err
	m.Seen++
}

// ShouldPersist reports whether this update crossed the persistence cadence
// (every 10th observation).
func (m *OnlineLogisticRegression) ShouldPersist() bool {
	return m.Seen > 0 && m.Seen%persistEvery == 0
}

// ToJSON serializes the full model state.
func (m *OnlineLogisticRegression) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON restores a model from persisted state. Corrupt or incompatible
// payloads fall back to a fresh zero-initialized model, the engine must not
// die because a config row rotted.
func FromJSON(data []byte, fallbackDim int) *OnlineLogisticRegression {
	var m OnlineLogisticRegression
	if err := json.Unmarshal(data, &m); err != nil {
		return NewModel(fallbackDim)
	}
	if m.Dim <= 0 || len(m.Weights) != m.Dim {
		return NewModel(fallbackDim)
	}
	if m.LR <= 0 {
		m.LR = defaultLearningRate
	}
	if m.L2 < 0 {
		m.L2 = defaultL2
	}
	if m.Version == 0 {
		m.Version = 1
	}
	return &m
}

// Vectorize flattens a feature bundle into the fixed model input order.
// Missing values read as zero except rsi, which defaults to neutral 50.
func Vectorize(emaFast, emaSlow float64, rsi *float64, features map[string]float64) []float64 {
	rsiVal := 50.0
	if rsi != nil {
		rsiVal = *rsi
	}
	get := func(key string) float64 { return features[key] }
	return []float64{
		emaFast,
		emaSlow,
		rsiVal,
		get("atr14"),
		get("adx14"),
		get("plus_di14"),
		get("minus_di14"),
		get("bb_width20"),
		get("vol_ratio"),
		get("mom10"),
		get("ret1"),
		get("ret_std20"),
	}
}
