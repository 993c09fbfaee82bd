package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"flexipod/pkg/logger"
	"flexipod/pkg/protocol"
)

func TestJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	writer := logger.NewJSONLWriter(&buf, logger.WithFrames(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan protocol.Transition, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		writer.Consume(ctx, ch)
	}()

	ts := time.Date(2026, 2, 5, 16, 0, 0, 0, time.UTC)
	ch <- protocol.Transition{
		Episode:     "cv1h2k3",
		Step:        4,
		Kind:        protocol.TransitionStep,
		Timestamp:   ts,
		Action:      []float64{0.5, -0.5},
		Observation: []float32{1, 2},
		Reward:      0.25,
		Done:        true,
		Frame: protocol.Frame{
			Header:  14,
			SimTime: 1.5,
			ComPos:  []float64{0, 0, 0.3},
		},
	}
	close(ch)
	wg.Wait()

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatalf("expected output line")
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("json unmarshal failed: %v", err)
	}

	if rec["episode"] != "cv1h2k3" {
		t.Fatalf("unexpected episode: %v", rec["episode"])
	}
	if rec["kind"] != "step" {
		t.Fatalf("unexpected kind: %v", rec["kind"])
	}
	if rec["step"] != float64(4) {
		t.Fatalf("unexpected step: %v", rec["step"])
	}
	if rec["done"] != true {
		t.Fatalf("unexpected done: %v", rec["done"])
	}
	if rec["sim_time"] != 1.5 {
		t.Fatalf("unexpected sim_time: %v", rec["sim_time"])
	}
	frame, ok := rec["frame"].(map[string]any)
	if !ok {
		t.Fatalf("missing frame: %v", rec["frame"])
	}
	comPos, ok := frame["com_pos"].([]any)
	if !ok || len(comPos) != 3 || comPos[2] != 0.3 {
		t.Fatalf("unexpected com_pos: %v", frame["com_pos"])
	}
	tsValue, ok := rec["ts"].(string)
	if !ok || tsValue == "" {
		t.Fatalf("missing ts field")
	}
	if _, err := time.Parse(time.RFC3339Nano, tsValue); err != nil {
		t.Fatalf("invalid ts format: %v", err)
	}
}

func TestJSONLWriterOmitsFramesByDefault(t *testing.T) {
	var buf bytes.Buffer
	writer := logger.NewJSONLWriter(&buf)
	if err := writer.Write(protocol.Transition{Kind: protocol.TransitionReset}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if strings.Contains(buf.String(), `"frame"`) {
		t.Fatalf("frame should be omitted: %s", buf.String())
	}
	if strings.Contains(buf.String(), `"action"`) {
		t.Fatalf("reset records carry no action: %s", buf.String())
	}
}
