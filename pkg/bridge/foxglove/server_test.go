package foxglove

import (
	"math"
	"testing"
	"time"

	"flexipod/pkg/protocol"
)

func standingFrame() protocol.Frame {
	return protocol.Frame{
		Header:      14,
		SimTime:     1.25,
		Orientation: []float64{0, 0, 1, 1, 0, 0},
		ComPos:      []float64{0.1, -0.2, 0.45},
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestBodyRotationIdentity(t *testing.T) {
	q := bodyRotation([]float64{0, 0, 1, 1, 0, 0})
	if !approx(q.W, 1) || !approx(q.X, 0) || !approx(q.Y, 0) || !approx(q.Z, 0) {
		t.Fatalf("expected identity, got %+v", q)
	}
}

func TestBodyRotationYaw(t *testing.T) {
	// Heading along world y is a 90 degree yaw.
	q := bodyRotation([]float64{0, 0, 1, 0, 1, 0})
	half := math.Sqrt2 / 2
	if !approx(q.W, half) || !approx(q.Z, half) || !approx(q.X, 0) || !approx(q.Y, 0) {
		t.Fatalf("unexpected yaw quaternion: %+v", q)
	}
}

func TestBodyRotationDegenerate(t *testing.T) {
	for _, o := range [][]float64{nil, {0, 0, 0, 1, 0, 0}, {0, 0, 1, 0, 0, 2}} {
		if q := bodyRotation(o); q != identity {
			t.Fatalf("expected identity for %v, got %+v", o, q)
		}
	}
}

func TestTransformFromTransition(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)
	ts := time.Unix(42, 99)
	tr := protocol.Transition{Episode: "ep", Kind: protocol.TransitionStep, Frame: standingFrame()}

	msg := srv.transformFromTransition(tr, ts)
	if len(msg.Transforms) != 1 {
		t.Fatalf("expected one transform, got %d", len(msg.Transforms))
	}
	tf := msg.Transforms[0]
	if tf.ParentFrameID != "world" || tf.ChildFrameID != "base_link" {
		t.Fatalf("unexpected frame ids: %s -> %s", tf.ParentFrameID, tf.ChildFrameID)
	}
	if tf.Timestamp.Sec != 42 || tf.Timestamp.Nsec != 99 {
		t.Fatalf("unexpected timestamp: %+v", tf.Timestamp)
	}
	if tf.Translation != (Vector3{X: 0.1, Y: -0.2, Z: 0.45}) {
		t.Fatalf("unexpected translation: %+v", tf.Translation)
	}
	if !approx(tf.Rotation.W, 1) {
		t.Fatalf("unexpected rotation: %+v", tf.Rotation)
	}
}

func TestMarkerFromTransition(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)
	tr := protocol.Transition{Frame: standingFrame()}

	scene := srv.markerFromTransition(tr, time.Unix(1, 0))
	if len(scene.Entities) != 1 || len(scene.Entities[0].Cubes) != 1 {
		t.Fatalf("expected one entity with one cube: %+v", scene)
	}
	entity := scene.Entities[0]
	if entity.FrameID != srv.cfg.FrameID || entity.ID != bodyEntityID {
		t.Fatalf("unexpected entity: %+v", entity)
	}
	if c := entity.Cubes[0].Color; c.R != 1 || c.G != 1 || c.B != 1 {
		t.Fatalf("expected white cube, got %+v", c)
	}

	tr.Done = true
	scene = srv.markerFromTransition(tr, time.Unix(1, 0))
	if c := scene.Entities[0].Cubes[0].Color; c.G == 1 {
		t.Fatalf("expected done cube to be tinted, got %+v", c)
	}
}

func TestLogFromTransition(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)
	ts := time.Unix(5, 0)

	if _, ok := srv.logFromTransition(protocol.Transition{Kind: protocol.TransitionStep, Step: 3}, ts); ok {
		t.Fatalf("expected no log line for an ordinary step")
	}

	reset, ok := srv.logFromTransition(protocol.Transition{Episode: "ep1", Kind: protocol.TransitionReset}, ts)
	if !ok || reset.Level != LogLevelInfo || reset.Message != "episode ep1 reset" {
		t.Fatalf("unexpected reset log: %+v", reset)
	}

	done, ok := srv.logFromTransition(protocol.Transition{Episode: "ep1", Kind: protocol.TransitionStep, Step: 7, Done: true}, ts)
	if !ok || done.Level != LogLevelWarn || done.Message != "episode ep1 done after 7 steps" {
		t.Fatalf("unexpected done log: %+v", done)
	}
	if done.Name != "flexipod" {
		t.Fatalf("unexpected log name: %s", done.Name)
	}
}

func TestTransitionRecord(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)
	tr := protocol.Transition{
		Episode:     "ep",
		Step:        2,
		Kind:        protocol.TransitionStep,
		Action:      []float64{0.5},
		Observation: []float32{1, 2},
		Reward:      0.25,
		Frame:       standingFrame(),
	}
	rec := srv.transitionRecord(tr, time.Unix(0, 0))
	if rec.ComHeight != 0.45 || rec.Upright != 1 || rec.SimTime != 1.25 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Kind != "step" || rec.Step != 2 || len(rec.Observation) != 2 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestAdvertiseListsAllChannels(t *testing.T) {
	srv := NewServer(Config{}, nil)
	adv := srv.advertise()
	if adv.Op != OpAdvertise || len(adv.Channels) != 4 {
		t.Fatalf("unexpected advertise: %+v", adv)
	}
	ids := map[uint64]bool{}
	for _, ch := range adv.Channels {
		if ids[ch.ID] {
			t.Fatalf("duplicate channel id %d", ch.ID)
		}
		ids[ch.ID] = true
		if ch.Schema == "" || ch.SchemaName == "" {
			t.Fatalf("channel %s missing schema", ch.Topic)
		}
	}
}

func TestNormalizeMovesDuplicateChannelIDs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Marker.ID = cfg.Transition.ID
	cfg.normalize()

	if cfg.Transition.ID != 1 {
		t.Fatalf("first channel must keep its id, got %d", cfg.Transition.ID)
	}
	if cfg.Marker.ID != 5 {
		t.Fatalf("duplicate must move past the highest id, got %d", cfg.Marker.ID)
	}
}

func TestClientSubscriptionsAndDelivery(t *testing.T) {
	c := newClient(nil, 4)
	supported := map[uint64]struct{}{1: {}, 2: {}}

	c.handleControl([]byte(`{"op":"subscribe","subscriptions":[{"id":10,"channelId":1},{"id":11,"channelId":2},{"id":12,"channelId":9}]}`), supported)
	if len(c.subs) != 2 {
		t.Fatalf("expected unsupported channel to be ignored, got %v", c.subs)
	}
	c.handleControl([]byte(`{"op":"unsubscribe","subscriptionIds":[11]}`), supported)
	c.handleControl([]byte(`not json`), supported)

	c.deliver(2, 7, []byte("x"))
	if len(c.send) != 0 {
		t.Fatalf("unsubscribed channel must not be delivered")
	}
	c.deliver(1, 7, []byte("x"))
	if len(c.send) != 1 {
		t.Fatalf("expected one queued frame, got %d", len(c.send))
	}
	frame := <-c.send
	if frame[0] != BinaryOpMessageData || frame[1] != 10 || string(frame[13:]) != "x" {
		t.Fatalf("unexpected frame: %v", frame)
	}

	// A full queue drops instead of blocking.
	for i := 0; i < 10; i++ {
		c.deliver(1, 7, []byte("x"))
	}
	if len(c.send) != 4 {
		t.Fatalf("expected queue capped at 4, got %d", len(c.send))
	}

	// After close nothing is queued and nothing panics.
	c.closed = true
	close(c.send)
	c.deliver(1, 7, []byte("x"))
}
