package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"flexipod/pkg/env"
	"flexipod/pkg/protocol"
)

const DefaultConfigPath = "flexipod.toml"

const (
	EnvLocalAddr  = "FLEXIPOD_LOCAL_ADDR"
	EnvRemoteAddr = "FLEXIPOD_REMOTE_ADDR"
	EnvTimeout    = "FLEXIPOD_TIMEOUT"
	EnvDOF        = "FLEXIPOD_DOF"
	EnvAttempts   = "FLEXIPOD_ATTEMPTS"
)

const maxUDPPayload = 65507

type Config struct {
	Env        EnvConfig      `toml:"env" yaml:"env"`
	Shaping    ShapingConfig  `toml:"shaping" yaml:"shaping"`
	Recorder   RecorderConfig `toml:"recorder" yaml:"recorder"`
	Foxglove   FoxgloveConfig `toml:"foxglove" yaml:"foxglove"`
	configPath string
	jsonlPath  string
	storePath  string
}

type EnvConfig struct {
	DOF          int    `toml:"dof" yaml:"dof"`
	LocalAddr    string `toml:"local_addr" yaml:"local_addr"`
	RemoteAddr   string `toml:"remote_addr" yaml:"remote_addr"`
	Timeout      string `toml:"timeout" yaml:"timeout"`
	Attempts     int    `toml:"attempts" yaml:"attempts"`
	MaxDatagram  int    `toml:"max_datagram" yaml:"max_datagram"`
	ResetSettle  string `toml:"reset_settle" yaml:"reset_settle"`
	ActionOpcode string `toml:"action_opcode" yaml:"action_opcode"`
}

type ShapingConfig struct {
	UprightThreshold float64 `toml:"upright_threshold" yaml:"upright_threshold"`
	HeightThreshold  float64 `toml:"height_threshold" yaml:"height_threshold"`
	HeightGain       float64 `toml:"height_gain" yaml:"height_gain"`
	SpeedPenalty     float64 `toml:"speed_penalty" yaml:"speed_penalty"`
	SpeedCap         float64 `toml:"speed_cap" yaml:"speed_cap"`
}

type RecorderConfig struct {
	JSONLPath string `toml:"jsonl_path" yaml:"jsonl_path"`
	StorePath string `toml:"store_path" yaml:"store_path"`
	Frames    bool   `toml:"frames" yaml:"frames"`
}

type FoxgloveConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	WSAddr      string `toml:"ws_addr" yaml:"ws_addr"`
	Topic       string `toml:"topic" yaml:"topic"`
	SchemaName  string `toml:"schema_name" yaml:"schema_name"`
	TFTopic     string `toml:"tf_topic" yaml:"tf_topic"`
	ParentFrame string `toml:"parent_frame" yaml:"parent_frame"`
	FrameID     string `toml:"frame_id" yaml:"frame_id"`
}

func Default() Config {
	def := env.DefaultConfig()
	return Config{
		Env: EnvConfig{
			DOF:          def.DOF,
			LocalAddr:    def.LocalAddr,
			RemoteAddr:   def.RemoteAddr,
			Timeout:      def.Timeout.String(),
			Attempts:     def.Attempts,
			MaxDatagram:  def.MaxDatagram,
			ResetSettle:  def.ResetSettle.String(),
			ActionOpcode: def.ActionOpcode.String(),
		},
		Shaping: ShapingConfig{
			UprightThreshold: def.Shaping.UprightThreshold,
			HeightThreshold:  def.Shaping.HeightThreshold,
			HeightGain:       def.Shaping.HeightGain,
			SpeedPenalty:     def.Shaping.SpeedPenalty,
			SpeedCap:         def.Shaping.SpeedCap,
		},
		Recorder: RecorderConfig{
			JSONLPath: "runs/transitions.jsonl",
			StorePath: "runs/episodes.db",
		},
		Foxglove: FoxgloveConfig{
			WSAddr:      "127.0.0.1:8765",
			Topic:       "flexipod/transition",
			SchemaName:  "flexipod.Transition",
			TFTopic:     "/tf",
			ParentFrame: "world",
			FrameID:     "base_link",
		},
	}
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, os.ErrNotExist
	}
	return cfg, nil
}

// LoadOrDefault reads a TOML or YAML file, chosen by extension. A missing file
// yields the defaults and exists=false.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func (cfg *Config) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

// JSONLPath is recorder.jsonl_path resolved against the config directory.
func (cfg *Config) JSONLPath() string {
	return cfg.jsonlPath
}

// StorePath is recorder.store_path resolved against the config directory.
func (cfg *Config) StorePath() string {
	return cfg.storePath
}

// ApplyEnv overlays FLEXIPOD_* settings. Values from dotenv files are used
// first; the process environment wins over them. Missing files are skipped.
func (cfg *Config) ApplyEnv(dotenvFiles ...string) error {
	values := map[string]string{}
	for _, file := range dotenvFiles {
		vars, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("read %s: %w", file, err)
		}
		for k, v := range vars {
			values[k] = v
		}
	}
	for _, key := range []string{EnvLocalAddr, EnvRemoteAddr, EnvTimeout, EnvDOF, EnvAttempts} {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}

	if v := values[EnvLocalAddr]; v != "" {
		cfg.Env.LocalAddr = v
	}
	if v := values[EnvRemoteAddr]; v != "" {
		cfg.Env.RemoteAddr = v
	}
	if v := values[EnvTimeout]; v != "" {
		cfg.Env.Timeout = v
	}
	if v := values[EnvDOF]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDOF, err)
		}
		cfg.Env.DOF = n
	}
	if v := values[EnvAttempts]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAttempts, err)
		}
		cfg.Env.Attempts = n
	}
	return cfg.Validate()
}

func (cfg *Config) Validate() error {
	if cfg.Env.DOF <= 0 {
		return fmt.Errorf("env.dof must be positive: %d", cfg.Env.DOF)
	}
	if cfg.Env.Attempts < 1 {
		return fmt.Errorf("env.attempts must be at least 1: %d", cfg.Env.Attempts)
	}
	if cfg.Env.MaxDatagram <= 0 || cfg.Env.MaxDatagram > maxUDPPayload {
		return fmt.Errorf("env.max_datagram out of range: %d", cfg.Env.MaxDatagram)
	}
	if strings.TrimSpace(cfg.Env.LocalAddr) == "" || strings.TrimSpace(cfg.Env.RemoteAddr) == "" {
		return errors.New("env.local_addr and env.remote_addr are required")
	}
	timeout, err := time.ParseDuration(cfg.Env.Timeout)
	if err != nil {
		return fmt.Errorf("env.timeout: %w", err)
	}
	if timeout <= 0 {
		return fmt.Errorf("env.timeout must be positive: %s", cfg.Env.Timeout)
	}
	settle, err := time.ParseDuration(cfg.Env.ResetSettle)
	if err != nil {
		return fmt.Errorf("env.reset_settle: %w", err)
	}
	if settle < 0 {
		return fmt.Errorf("env.reset_settle must not be negative: %s", cfg.Env.ResetSettle)
	}
	op, err := protocol.ParseOpcode(cfg.Env.ActionOpcode)
	if err != nil {
		return fmt.Errorf("env.action_opcode: %w", err)
	}
	if !op.IsMotorCommand() {
		return fmt.Errorf("env.action_opcode %s is not a motor command", op)
	}
	return nil
}

// ToEnvConfig converts the [env] and [shaping] sections. Call Validate first.
func (cfg *Config) ToEnvConfig() (env.Config, error) {
	if err := cfg.Validate(); err != nil {
		return env.Config{}, err
	}
	timeout, _ := time.ParseDuration(cfg.Env.Timeout)
	settle, _ := time.ParseDuration(cfg.Env.ResetSettle)
	op, _ := protocol.ParseOpcode(cfg.Env.ActionOpcode)
	return env.Config{
		DOF:          cfg.Env.DOF,
		LocalAddr:    cfg.Env.LocalAddr,
		RemoteAddr:   cfg.Env.RemoteAddr,
		Timeout:      timeout,
		Attempts:     cfg.Env.Attempts,
		MaxDatagram:  cfg.Env.MaxDatagram,
		ResetSettle:  settle,
		ActionOpcode: op,
		Shaping: env.Shaping{
			UprightThreshold: cfg.Shaping.UprightThreshold,
			HeightThreshold:  cfg.Shaping.HeightThreshold,
			HeightGain:       cfg.Shaping.HeightGain,
			SpeedPenalty:     cfg.Shaping.SpeedPenalty,
			SpeedCap:         cfg.Shaping.SpeedCap,
		},
	}, nil
}

func (cfg *Config) normalize(path string) {
	def := Default()

	if cfg.Env.LocalAddr == "" {
		cfg.Env.LocalAddr = def.Env.LocalAddr
	}
	if cfg.Env.RemoteAddr == "" {
		cfg.Env.RemoteAddr = def.Env.RemoteAddr
	}
	if cfg.Env.Timeout == "" {
		cfg.Env.Timeout = def.Env.Timeout
	}
	if cfg.Env.ResetSettle == "" {
		cfg.Env.ResetSettle = def.Env.ResetSettle
	}
	if cfg.Env.MaxDatagram == 0 {
		cfg.Env.MaxDatagram = def.Env.MaxDatagram
	}
	cfg.Env.ActionOpcode = strings.ToUpper(strings.TrimSpace(cfg.Env.ActionOpcode))
	if cfg.Env.ActionOpcode == "" {
		cfg.Env.ActionOpcode = def.Env.ActionOpcode
	}

	if cfg.Foxglove.WSAddr == "" {
		cfg.Foxglove.WSAddr = def.Foxglove.WSAddr
	}
	if cfg.Foxglove.Topic == "" {
		cfg.Foxglove.Topic = def.Foxglove.Topic
	}
	if cfg.Foxglove.SchemaName == "" {
		cfg.Foxglove.SchemaName = def.Foxglove.SchemaName
	}
	if cfg.Foxglove.TFTopic == "" {
		cfg.Foxglove.TFTopic = def.Foxglove.TFTopic
	}
	if cfg.Foxglove.ParentFrame == "" {
		cfg.Foxglove.ParentFrame = def.Foxglove.ParentFrame
	}
	if cfg.Foxglove.FrameID == "" {
		cfg.Foxglove.FrameID = def.Foxglove.FrameID
	}

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path

	baseDir := filepath.Dir(path)
	cfg.jsonlPath = resolvePath(baseDir, cfg.Recorder.JSONLPath)
	cfg.storePath = resolvePath(baseDir, cfg.Recorder.StorePath)
}

// resolvePath makes recorder paths relative to the config file. "-" and "" are kept.
func resolvePath(baseDir, p string) string {
	if p == "" || p == "-" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
