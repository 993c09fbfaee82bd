package foxglove

const TransitionSchema = `{
  "type": "object",
  "properties": {
    "episode": { "type": "string" },
    "step": { "type": "integer" },
    "kind": { "type": "string" },
    "ts": { "type": "string" },
    "sim_time": { "type": "number" },
    "reward": { "type": "number" },
    "done": { "type": "boolean" },
    "action": { "type": "array", "items": { "type": "number" } },
    "obs": { "type": "array", "items": { "type": "number" } },
    "com_height": { "type": "number" },
    "upright": { "type": "number" }
  },
  "required": ["episode", "step", "kind"]
}`

// ChannelSpec describes one advertised topic.
type ChannelSpec struct {
	ID             uint64
	Topic          string
	Encoding       string
	SchemaName     string
	SchemaEncoding string
	Schema         string
}

type Config struct {
	WSAddr        string
	Name          string
	Transition    ChannelSpec
	Transform     ChannelSpec
	Marker        ChannelSpec
	Log           ChannelSpec
	ParentFrameID string
	FrameID       string
	LogName       string
	SendBuf       int
}

func DefaultConfig() Config {
	return Config{
		WSAddr: "127.0.0.1:8765",
		Name:   "flexipod",
		Transition: ChannelSpec{
			ID:             1,
			Topic:          "flexipod/transition",
			Encoding:       "json",
			SchemaName:     "flexipod.Transition",
			SchemaEncoding: "jsonschema",
			Schema:         TransitionSchema,
		},
		Transform: ChannelSpec{
			ID:             2,
			Topic:          "/tf",
			Encoding:       "json",
			SchemaName:     "foxglove.FrameTransforms",
			SchemaEncoding: "jsonschema",
			Schema:         `{"type":"object","properties":{"transforms":{"type":"array"}}}`,
		},
		Marker: ChannelSpec{
			ID:             3,
			Topic:          "/flexipod/body",
			Encoding:       "json",
			SchemaName:     "foxglove.SceneUpdate",
			SchemaEncoding: "jsonschema",
			Schema:         `{"type":"object","properties":{"entities":{"type":"array"}}}`,
		},
		Log: ChannelSpec{
			ID:             4,
			Topic:          "/flexipod/log",
			Encoding:       "json",
			SchemaName:     "foxglove.Log",
			SchemaEncoding: "jsonschema",
			Schema:         `{"type":"object","properties":{"message":{"type":"string"}}}`,
		},
		ParentFrameID: "world",
		FrameID:       "base_link",
		LogName:       "flexipod",
		SendBuf:       256,
	}
}

func (cfg *Config) normalize() {
	def := DefaultConfig()
	if cfg.WSAddr == "" {
		cfg.WSAddr = def.WSAddr
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	fillChannel(&cfg.Transition, def.Transition)
	fillChannel(&cfg.Transform, def.Transform)
	fillChannel(&cfg.Marker, def.Marker)
	fillChannel(&cfg.Log, def.Log)
	if cfg.ParentFrameID == "" {
		cfg.ParentFrameID = def.ParentFrameID
	}
	if cfg.FrameID == "" {
		cfg.FrameID = def.FrameID
	}
	if cfg.LogName == "" {
		cfg.LogName = def.LogName
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = def.SendBuf
	}

	// Channel ids must be unique; later duplicates are moved past the highest id.
	seen := map[uint64]struct{}{}
	var highest uint64
	for _, ch := range cfg.channels() {
		if ch.ID > highest {
			highest = ch.ID
		}
	}
	for _, ch := range cfg.channels() {
		if _, dup := seen[ch.ID]; dup {
			highest++
			ch.ID = highest
		}
		seen[ch.ID] = struct{}{}
	}
}

func (cfg *Config) channels() []*ChannelSpec {
	return []*ChannelSpec{&cfg.Transition, &cfg.Transform, &cfg.Marker, &cfg.Log}
}

func fillChannel(ch *ChannelSpec, def ChannelSpec) {
	if ch.ID == 0 {
		ch.ID = def.ID
	}
	if ch.Topic == "" {
		ch.Topic = def.Topic
	}
	if ch.Encoding == "" {
		ch.Encoding = def.Encoding
	}
	if ch.SchemaName == "" {
		ch.SchemaName = def.SchemaName
	}
	if ch.SchemaEncoding == "" {
		ch.SchemaEncoding = def.SchemaEncoding
	}
	if ch.Schema == "" {
		ch.Schema = def.Schema
	}
}
