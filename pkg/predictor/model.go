// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package predictor

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/node-profiler-agent/pkg/agenttypes"
)

// NumFeatures and NumOutputs are the model's fixed input/output widths.
const (
	NumFeatures = 12
	NumOutputs  = 5

	// DefaultInferenceTimeout bounds a single inference call; exceeding it
	// falls back to the heuristic predictor.
	DefaultInferenceTimeout = 100 * time.Millisecond
)

// RawOutputs are the five unprocessed model outputs: cpu_req, cpu_lim,
// mem_req, mem_lim (each normalized to [0,1]) and confidence.
type RawOutputs [NumOutputs]float64

// Model is a loaded, ready-to-run prediction model. The on-disk artifact
// format is a quantized linear model (see ParseModel); it is not an ONNX
// runtime, documented as a deliberate simplification in DESIGN.md.
type Model struct {
	Version string
	weights [NumFeatures][NumOutputs]float64
	bias    [NumOutputs]float64
}

// ErrMalformedModel is returned by ParseModel when the byte layout does not
// match the expected quantized linear format.
var ErrMalformedModel = errors.New("predictor: malformed model bytes")

// modelMagic tags the quantized model format so ParseModel can reject
// obviously-foreign byte blobs before indexing into them.
const modelMagic = "NPM1"

// ParseModel parses and "optimizes" (here: simply validates and decodes)
// a model artifact. Layout: 4-byte magic, then NumFeatures*NumOutputs+
// NumOutputs little-endian int16 quantized coefficients (weights then
// bias), each decoded as value/32767, so coefficients span about [-1, 1].
func ParseModel(version string, data []byte) (*Model, error) {
	const coeffCount = NumFeatures*NumOutputs + NumOutputs
	wantLen := len(modelMagic) + coeffCount*2
	if len(data) != wantLen || string(data[:len(modelMagic)]) != modelMagic {
		return nil, ErrMalformedModel
	}

	m := &Model{Version: version}
	off := len(modelMagic)
	next := func() float64 {
		raw := int16(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2
		return float64(raw) / 32767.0
	}
	for i := 0; i < NumFeatures; i++ {
		for j := 0; j < NumOutputs; j++ {
			m.weights[i][j] = next()
		}
	}
	for j := 0; j < NumOutputs; j++ {
		m.bias[j] = next()
	}
	return m, nil
}

// Predict runs the quantized linear model over fv, producing raw (still
// normalized) outputs.
func (m *Model) Predict(fv agenttypes.FeatureVector) RawOutputs {
	in := [NumFeatures]float64{
		fv.CPUP50, fv.CPUP95, fv.CPUP99,
		fv.MemP50, fv.MemP95, fv.MemP99,
		fv.CPUVariance, fv.MemTrend, fv.ThrottleRatio,
		fv.HourOfDay, fv.DayOfWeek, fv.WorkloadAge,
	}
	var out RawOutputs
	for j := 0; j < NumOutputs; j++ {
		sum := m.bias[j]
		for i := 0; i < NumFeatures; i++ {
			sum += in[i] * m.weights[i][j]
		}
		out[j] = sigmoid(sum)
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Slot holds the single inference-ready model, if any, behind a
// reader/writer lock: inference takes a read borrow over one call, update
// takes a write borrow that swaps atomically. A failed parse never
// modifies the slot.
type Slot struct {
	mtx   sync.RWMutex
	model *Model
}

// NewSlot returns an empty slot (no model loaded).
func NewSlot() *Slot {
	return &Slot{}
}

// Current returns the loaded model and whether one is present.
func (s *Slot) Current() (*Model, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.model == nil {
		return nil, false
	}
	return s.model, true
}

// Replace atomically installs a new model, returning the previous one (nil
// if none was loaded).
func (s *Slot) Replace(m *Model) *Model {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	prev := s.model
	s.model = m
	return prev
}

// Fallback produces the heuristic prediction used when no model is loaded,
// inference fails, or inference exceeds its timeout: (p50, p95*1.2, p50,
// p95, 0.5) for (cpu_req, cpu_lim, mem_req, mem_lim, confidence).
func Fallback(fv agenttypes.FeatureVector) RawOutputs {
	return RawOutputs{
		fv.CPUP50,
		clampUnit(fv.CPUP95 * 1.2),
		fv.MemP50,
		fv.MemP95,
		0.5,
	}
}

func clampUnit(v float64) float64 {
	return clamp(v, 0, 1)
}

// Infer runs the slot's current model (or the fallback if none is loaded
// or the model errors/times out) and returns both the raw outputs and
// whether the fallback was used.
func Infer(ctx context.Context, slot *Slot, fv agenttypes.FeatureVector, timeout time.Duration) (RawOutputs, bool) {
	model, ok := slot.Current()
	if !ok {
		return Fallback(fv), true
	}
	if timeout <= 0 {
		timeout = DefaultInferenceTimeout
	}

	type result struct {
		out RawOutputs
	}
	done := make(chan result, 1)
	go func() {
		done <- result{out: model.Predict(fv)}
	}()

	select {
	case r := <-done:
		return r.out, false
	case <-time.After(timeout):
		return Fallback(fv), true
	case <-ctx.Done():
		return Fallback(fv), true
	}
}
