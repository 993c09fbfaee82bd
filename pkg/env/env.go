// Package env is the control loop between an agent and the simulator: it sends
// one command, waits for one telemetry frame under a bounded retry policy and
// reduces the frame to an observation, reward and done flag.
package env

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"flexipod/pkg/protocol"
	"flexipod/pkg/retry"
	"flexipod/pkg/transport"
)

//go:generate mockgen -destination mock_link_test.go -package env_test -write_package_comment=false flexipod/pkg/env Link

// Link moves raw datagrams to and from the simulator. *transport.UDP satisfies it.
type Link interface {
	Send(payload []byte) (int, error)
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}

type State int

const (
	StateUninitialized State = iota
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var ErrActionLength = errors.New("action length does not match dof")

type Config struct {
	DOF          int
	LocalAddr    string
	RemoteAddr   string
	Timeout      time.Duration // per receive attempt
	Attempts     int
	MaxDatagram  int
	ResetSettle  time.Duration
	ActionOpcode protocol.Opcode
	Shaping      Shaping
}

func DefaultConfig() Config {
	return Config{
		DOF:          12,
		LocalAddr:    "127.0.0.1:32000",
		RemoteAddr:   "127.0.0.1:32001",
		Timeout:      100 * time.Millisecond,
		Attempts:     3,
		MaxDatagram:  transport.DefaultMaxDatagram,
		ResetSettle:  10 * time.Microsecond,
		ActionOpcode: protocol.OpMotorVelocityCommand,
		Shaping:      DefaultShaping(),
	}
}

func (c Config) Validate() error {
	if c.DOF <= 0 {
		return fmt.Errorf("dof must be positive, got %d", c.DOF)
	}
	if c.Attempts < 1 {
		return fmt.Errorf("attempts must be at least 1, got %d", c.Attempts)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.ResetSettle < 0 {
		return fmt.Errorf("reset settle must not be negative, got %s", c.ResetSettle)
	}
	if !c.ActionOpcode.IsMotorCommand() {
		return fmt.Errorf("action opcode %s is not a motor command", c.ActionOpcode)
	}
	return nil
}

// Warning describes one failed receive attempt. It does not stop the loop.
type Warning struct {
	Op      string
	Attempt int
	Err     error
}

// Result is the outcome of one Step.
type Result struct {
	Observation []float32
	Reward      float64
	Done        bool
	Frame       protocol.Frame
}

type Env struct {
	cfg      Config
	link     Link
	ownsLink bool
	state    State

	frame   protocol.Frame
	done    bool
	episode string
	step    int

	logger  *zap.Logger
	warn    func(Warning)
	observe func(protocol.Transition)
	now     func() time.Time
	sleep   func(time.Duration)
	udpOpts []transport.Option
}

type Option func(*Env)

// WithLink replaces the UDP transport, typically with a test double.
func WithLink(link Link) Option {
	return func(e *Env) {
		if link != nil {
			e.link = link
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Env) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithWarningHandler observes every failed receive attempt. Without it the
// warnings go to the logger.
func WithWarningHandler(fn func(Warning)) Option {
	return func(e *Env) {
		if fn != nil {
			e.warn = fn
		}
	}
}

// WithObserver receives a Transition after every successful reset and step.
func WithObserver(fn func(protocol.Transition)) Option {
	return func(e *Env) {
		if fn != nil {
			e.observe = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Env) {
		if now != nil {
			e.now = now
		}
	}
}

func WithSleep(sleep func(time.Duration)) Option {
	return func(e *Env) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithTransportOptions is passed through when New opens the UDP transport.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(e *Env) {
		e.udpOpts = append(e.udpOpts, opts...)
	}
}

func New(cfg Config, opts ...Option) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Env{
		cfg:    cfg,
		state:  StateUninitialized,
		logger: zap.NewNop(),
		now:    time.Now,
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.warn == nil {
		e.warn = e.logWarning
	}

	if e.link == nil {
		udpOpts := append([]transport.Option{transport.WithMaxDatagram(cfg.MaxDatagram)}, e.udpOpts...)
		udp, err := transport.New(cfg.LocalAddr, cfg.RemoteAddr, udpOpts...)
		if err != nil {
			return nil, err
		}
		e.link = udp
		e.ownsLink = true
	}
	e.state = StateReady
	return e, nil
}

func (e *Env) Config() Config { return e.cfg }
func (e *Env) State() State   { return e.state }

// Frame returns the most recent telemetry frame and its done flag.
func (e *Env) Frame() (protocol.Frame, bool) { return e.frame, e.done }

// Episode returns the id assigned by the last Reset and the steps taken since.
func (e *Env) Episode() (string, int) { return e.episode, e.step }

// Step sends action (if non-nil) and waits for the next telemetry frame.
// Receive and decode failures are retried; after the last attempt the error
// is a *retry.ExhaustedError.
func (e *Env) Step(ctx context.Context, action []float64) (Result, error) {
	if action != nil {
		if len(action) != e.cfg.DOF {
			return Result{}, fmt.Errorf("%w: got %d want %d", ErrActionLength, len(action), e.cfg.DOF)
		}
		cmd := protocol.Command{
			Opcode:    e.cfg.ActionOpcode,
			Timestamp: e.wallSeconds(),
			Payload:   append([]float64(nil), action...),
		}
		if err := e.send(cmd); err != nil {
			return Result{}, err
		}
	}

	frame, err := retry.Do(ctx, e.policy("step"), func(int) (protocol.Frame, error) {
		return e.receiveFrame()
	})
	if err != nil {
		return Result{}, err
	}

	obs, reward, done := Reduce(frame, e.cfg.Shaping)
	e.frame, e.done = frame, done
	e.step++
	e.publish(protocol.Transition{
		Kind:        protocol.TransitionStep,
		Action:      append([]float64(nil), action...),
		Observation: obs,
		Reward:      reward,
		Done:        done,
		Frame:       frame,
	})
	return Result{Observation: obs, Reward: reward, Done: done, Frame: frame}, nil
}

// Reset asks the simulator to restart the episode and returns the first
// observation. The reset command is sent again on every attempt.
func (e *Env) Reset(ctx context.Context) ([]float32, error) {
	frame, err := retry.Do(ctx, e.policy("reset"), func(int) (protocol.Frame, error) {
		if err := e.send(protocol.NewControlCommand(protocol.OpReset, e.wallSeconds())); err != nil {
			return protocol.Frame{}, err
		}
		if e.cfg.ResetSettle > 0 {
			e.sleep(e.cfg.ResetSettle)
		}
		return e.receiveFrame()
	})
	if err != nil {
		return nil, err
	}

	obs, reward, done := Reduce(frame, e.cfg.Shaping)
	e.frame, e.done = frame, done
	e.episode = xid.New().String()
	e.step = 0
	e.publish(protocol.Transition{
		Kind:        protocol.TransitionReset,
		Observation: obs,
		Reward:      reward,
		Done:        done,
		Frame:       frame,
	})
	return obs, nil
}

// Terminate tells the simulator to shut down. Nothing is awaited.
func (e *Env) Terminate() error {
	if err := e.send(protocol.NewControlCommand(protocol.OpTerminate, e.wallSeconds())); err != nil {
		return err
	}
	e.state = StateTerminated
	return nil
}

func (e *Env) Pause() error {
	return e.send(protocol.NewControlCommand(protocol.OpPause, e.wallSeconds()))
}

func (e *Env) Resume() error {
	return e.send(protocol.NewControlCommand(protocol.OpResume, e.wallSeconds()))
}

// IsResponsive reports whether any datagram arrives within timeout.
func (e *Env) IsResponsive(timeout time.Duration) bool {
	if p, ok := e.link.(interface{ IsResponsive(time.Duration) bool }); ok {
		return p.IsResponsive(timeout)
	}
	_, err := e.link.Receive(timeout)
	return err == nil
}

// Close releases the transport opened by New. Injected links are left alone.
func (e *Env) Close() error {
	if !e.ownsLink {
		return nil
	}
	return e.link.Close()
}

func (e *Env) send(cmd protocol.Command) error {
	if err := cmd.Validate(e.cfg.DOF); err != nil {
		return err
	}
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Opcode, err)
	}
	if _, err := e.link.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Opcode, err)
	}
	return nil
}

func (e *Env) receiveFrame() (protocol.Frame, error) {
	data, err := e.link.Receive(e.cfg.Timeout)
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.DecodeFrame(data, e.cfg.DOF)
}

func (e *Env) policy(op string) retry.Policy {
	return retry.Policy{
		MaxAttempts: e.cfg.Attempts,
		OnFailure: func(attempt int, err error) {
			e.warn(Warning{Op: op, Attempt: attempt, Err: err})
		},
	}
}

func (e *Env) publish(tr protocol.Transition) {
	if e.observe == nil {
		return
	}
	tr.Episode = e.episode
	tr.Step = e.step
	tr.Timestamp = e.now()
	e.observe(tr)
}

func (e *Env) logWarning(w Warning) {
	e.logger.Warn("retrying telemetry receive",
		zap.String("op", w.Op),
		zap.Int("attempt", w.Attempt),
		zap.Int("max_attempts", e.cfg.Attempts),
		zap.Error(w.Err),
	)
}

func (e *Env) wallSeconds() float64 {
	t := e.now()
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}
