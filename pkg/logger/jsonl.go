// Package logger writes transitions as JSON lines for offline analysis.
package logger

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"flexipod/pkg/protocol"
)

type JSONLWriter struct {
	enc        *json.Encoder
	withFrames bool
	onError    func(error)
}

type jsonRecord struct {
	TS          string         `json:"ts"`
	Episode     string         `json:"episode"`
	Step        int            `json:"step"`
	Kind        string         `json:"kind"`
	Action      []float64      `json:"action,omitempty"`
	Observation []float32      `json:"obs"`
	Reward      float64        `json:"reward"`
	Done        bool           `json:"done"`
	SimTime     float64        `json:"sim_time"`
	Frame       map[string]any `json:"frame,omitempty"`
}

type Option func(*JSONLWriter)

// WithFrames adds the full telemetry frame, keyed by wire field name.
func WithFrames(enabled bool) Option {
	return func(j *JSONLWriter) {
		j.withFrames = enabled
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(j *JSONLWriter) {
		if fn != nil {
			j.onError = fn
		}
	}
}

func NewJSONLWriter(w io.Writer, opts ...Option) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	j := &JSONLWriter{enc: enc}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Consume writes one line per transition until in is closed or ctx is done.
func (j *JSONLWriter) Consume(ctx context.Context, in <-chan protocol.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-in:
			if !ok {
				return
			}
			if err := j.Write(tr); err != nil && j.onError != nil {
				j.onError(err)
			}
		}
	}
}

func (j *JSONLWriter) Write(tr protocol.Transition) error {
	rec := jsonRecord{
		TS:          tr.Timestamp.UTC().Format(time.RFC3339Nano),
		Episode:     tr.Episode,
		Step:        tr.Step,
		Kind:        string(tr.Kind),
		Action:      tr.Action,
		Observation: tr.Observation,
		Reward:      tr.Reward,
		Done:        tr.Done,
		SimTime:     tr.Frame.SimTime,
	}
	if j.withFrames {
		rec.Frame = frameFields(&tr.Frame)
	}
	return j.enc.Encode(rec)
}

func frameFields(f *protocol.Frame) map[string]any {
	out := make(map[string]any, protocol.FrameFields)
	for _, name := range protocol.FieldNames() {
		switch name {
		case protocol.FieldHeader:
			out[name] = f.Header
		case protocol.FieldSimTime:
			out[name] = f.SimTime
		default:
			out[name], _ = f.Vector(name)
		}
	}
	return out
}
