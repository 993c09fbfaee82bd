// Package simstub is a stand-in for the physics simulator. It decodes the
// commands it receives, runs a toy kinematic model and streams telemetry
// frames at a fixed interval to the controller's listen address.
package simstub

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"flexipod/pkg/protocol"
)

const (
	swayRollAmplitudeRad  = 4.0 * math.Pi / 180.0
	swayPitchAmplitudeRad = 3.0 * math.Pi / 180.0
	swayYawAmplitudeRad   = 20.0 * math.Pi / 180.0

	swayRollFreqHz  = 0.23
	swayPitchFreqHz = 0.31
	swayYawFreqHz   = 0.17

	swayPitchPhaseRad = math.Pi / 3.0
	swayYawPhaseRad   = 2.0 * math.Pi / 3.0

	standHeight     = 0.45
	bobAmplitude    = 0.02
	fallenRollRad   = 80.0 * math.Pi / 180.0
	fallenHeight    = 0.12
	maxJointVel     = 2.0
	gravity         = 9.81
	readBufferBytes = 65507
)

type Config struct {
	DOF int
	// ListenAddr receives commands; the controller's remote address.
	ListenAddr string
	// TelemetryAddr receives frames; the controller's local address.
	TelemetryAddr string
	Interval      time.Duration
	// FallAfter makes the robot fall after that many motor commands in an
	// episode. Zero keeps it standing.
	FallAfter int
}

func DefaultConfig() Config {
	return Config{
		DOF:           12,
		ListenAddr:    "127.0.0.1:32001",
		TelemetryAddr: "127.0.0.1:32000",
		Interval:      2 * time.Millisecond,
	}
}

type Option func(*Sim)

// WithCommandHandler observes every decoded command after it was applied.
func WithCommandHandler(fn func(protocol.Command)) Option {
	return func(s *Sim) {
		if fn != nil {
			s.onCommand = fn
		}
	}
}

// WithErrorHandler observes undecodable datagrams.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Sim) {
		if fn != nil {
			s.onError = fn
		}
	}
}

type Sim struct {
	cfg       Config
	conn      net.PacketConn
	telemetry *net.UDPAddr
	onCommand func(protocol.Command)
	onError   func(error)

	mu         sync.Mutex
	simTime    float64
	jointPos   []float64
	jointVel   []float64
	actuation  []float64
	motorSteps int
	fallen     bool
	paused     bool
	received   map[protocol.Opcode]int
	terminated chan struct{}
	termOnce   sync.Once
}

// New binds the command socket. Frames start flowing once Run is called.
func New(cfg Config, opts ...Option) (*Sim, error) {
	if cfg.DOF <= 0 {
		return nil, fmt.Errorf("simstub: dof must be positive, got %d", cfg.DOF)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	telemetry, err := net.ResolveUDPAddr("udp", cfg.TelemetryAddr)
	if err != nil {
		return nil, fmt.Errorf("simstub: resolve telemetry addr: %w", err)
	}
	conn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("simstub: listen %s: %w", cfg.ListenAddr, err)
	}

	s := &Sim{
		cfg:        cfg,
		conn:       conn,
		telemetry:  telemetry,
		received:   make(map[protocol.Opcode]int),
		terminated: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resetLocked()
	return s, nil
}

// Addr is the bound command address.
func (s *Sim) Addr() string {
	return s.conn.LocalAddr().String()
}

// Run streams telemetry until ctx is cancelled or a TERMINATE command arrives.
// It closes the command socket before returning.
func (s *Sim) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLoop(ctx)
	}()
	defer func() {
		_ = s.conn.Close()
		wg.Wait()
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.terminated:
			return nil
		case <-ticker.C:
			frame, ok := s.tick()
			if !ok {
				continue
			}
			data, err := protocol.EncodeFrame(frame)
			if err != nil {
				return fmt.Errorf("simstub: encode frame: %w", err)
			}
			// Nobody listens between receive windows; drops are expected.
			_, _ = s.conn.WriteTo(data, s.telemetry)
		}
	}
}

// Received reports how many commands with opcode op were applied.
func (s *Sim) Received(op protocol.Opcode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[op]
}

// Frame returns the frame that the next tick would send, without advancing time.
func (s *Sim) Frame() protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameLocked()
}

func (s *Sim) readLoop(ctx context.Context) {
	buf := make([]byte, readBufferBytes)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		cmd, err := protocol.DecodeCommand(buf[:n])
		if err != nil {
			s.reportError(err)
			continue
		}
		if err := s.apply(cmd); err != nil {
			s.reportError(err)
			continue
		}
		if s.onCommand != nil {
			s.onCommand(cmd)
		}
	}
}

func (s *Sim) apply(cmd protocol.Command) error {
	if err := cmd.Validate(s.cfg.DOF); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[cmd.Opcode]++

	switch cmd.Opcode {
	case protocol.OpReset:
		s.resetLocked()
	case protocol.OpPause:
		s.paused = true
	case protocol.OpResume:
		s.paused = false
	case protocol.OpTerminate:
		s.termOnce.Do(func() { close(s.terminated) })
	case protocol.OpMotorVelocityCommand, protocol.OpStepMotorVelocityCommand:
		for i, v := range cmd.Payload {
			a := clamp(v, 1)
			s.actuation[i] = a
			s.jointVel[i] = a * maxJointVel
		}
		s.countMotorLocked()
	case protocol.OpMotorPositionCommand, protocol.OpStepMotorPositionCommand:
		for i, v := range cmd.Payload {
			s.jointPos[i] = clamp(v, math.Pi)
			s.jointVel[i] = 0
			s.actuation[i] = 0
		}
		s.countMotorLocked()
	}
	return nil
}

func (s *Sim) countMotorLocked() {
	s.motorSteps++
	if s.cfg.FallAfter > 0 && s.motorSteps >= s.cfg.FallAfter {
		s.fallen = true
	}
}

func (s *Sim) resetLocked() {
	s.simTime = 0
	s.jointPos = make([]float64, s.cfg.DOF)
	s.jointVel = make([]float64, s.cfg.DOF)
	s.actuation = make([]float64, s.cfg.DOF)
	s.motorSteps = 0
	s.fallen = false
	s.paused = false
}

// tick advances the model by one interval. Paused simulations send nothing.
func (s *Sim) tick() (protocol.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return protocol.Frame{}, false
	}
	dt := s.cfg.Interval.Seconds()
	s.simTime += dt
	for i := range s.jointPos {
		s.jointPos[i] = clamp(s.jointPos[i]+s.jointVel[i]*dt, math.Pi)
	}
	return s.frameLocked(), true
}

func (s *Sim) frameLocked() protocol.Frame {
	t := s.simTime
	roll, pitch, yaw := swayAngles(t)
	height := standHeight + bobAmplitude*math.Sin(2*math.Pi*swayRollFreqHz*t)
	heightRate := bobAmplitude * 2 * math.Pi * swayRollFreqHz * math.Cos(2*math.Pi*swayRollFreqHz*t)
	if s.fallen {
		roll, pitch = fallenRollRad, 0
		height, heightRate = fallenHeight, 0
	}
	up, heading := bodyAxes(roll, pitch, yaw)

	return protocol.Frame{
		Header:      int64(protocol.OpRobotStateReport),
		SimTime:     t,
		JointPos:    append([]float64(nil), s.jointPos...),
		JointVel:    append([]float64(nil), s.jointVel...),
		Actuation:   append([]float64(nil), s.actuation...),
		Orientation: append(up[:], heading[:]...),
		AngVel: []float64{
			swayRollAmplitudeRad * 2 * math.Pi * swayRollFreqHz * math.Cos(2*math.Pi*swayRollFreqHz*t),
			swayPitchAmplitudeRad * 2 * math.Pi * swayPitchFreqHz * math.Cos(2*math.Pi*swayPitchFreqHz*t+swayPitchPhaseRad),
			swayYawAmplitudeRad * 2 * math.Pi * swayYawFreqHz * math.Cos(2*math.Pi*swayYawFreqHz*t+swayYawPhaseRad),
		},
		ComAcc: []float64{0, 0, gravity},
		ComVel: []float64{0, 0, heightRate},
		ComPos: []float64{0, 0, height},
	}
}

func swayAngles(t float64) (roll, pitch, yaw float64) {
	roll = swayRollAmplitudeRad * math.Sin(2.0*math.Pi*swayRollFreqHz*t)
	pitch = swayPitchAmplitudeRad * math.Sin(2.0*math.Pi*swayPitchFreqHz*t+swayPitchPhaseRad)
	yaw = swayYawAmplitudeRad * math.Sin(2.0*math.Pi*swayYawFreqHz*t+swayYawPhaseRad)
	return
}

// bodyAxes returns the body z axis and x axis in world coordinates for a ZYX
// rotation (yaw -> pitch -> roll).
func bodyAxes(roll, pitch, yaw float64) (up, heading [3]float64) {
	cr, sr := math.Cos(roll), math.Sin(roll)
	cp, sp := math.Cos(pitch), math.Sin(pitch)
	cy, sy := math.Cos(yaw), math.Sin(yaw)
	up = [3]float64{cy*sp*cr + sy*sr, sy*sp*cr - cy*sr, cp * cr}
	heading = [3]float64{cy * cp, sy * cp, -sp}
	return
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}

func (s *Sim) reportError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}
