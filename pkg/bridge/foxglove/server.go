// Package foxglove serves transitions to Foxglove Studio over the
// foxglove.websocket.v1 protocol: the raw transition, the body pose as a /tf
// transform, a body marker and episode log lines.
package foxglove

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"flexipod/pkg/engine"
	"flexipod/pkg/protocol"
)

const bodyEntityID = "flexipod.body"

type Server struct {
	cfg     Config
	hub     *engine.Hub
	clients map[*client]struct{}
	mu      sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	subs   map[uint32]uint64
	closed bool
}

func NewServer(cfg Config, hub *engine.Hub) *Server {
	cfg.normalize()
	return &Server{
		cfg:     cfg,
		hub:     hub,
		clients: make(map[*client]struct{}),
	}
}

// Run serves websocket clients until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	httpServer := &http.Server{
		Addr:    s.cfg.WSAddr,
		Handler: mux,
	}

	sub := s.hub.Subscribe()
	go s.broadcastLoop(ctx, sub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"foxglove.websocket.v1"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	s.register(c)
	defer s.unregister(c)

	// The handshake goes out before the writer starts so it is never
	// interleaved with message data.
	for _, msg := range []any{s.serverInfo(), s.advertise()} {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
	go c.writeLoop()
	c.serve(s.supportedChannels())
}

func (s *Server) supportedChannels() map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for _, ch := range s.cfg.channels() {
		out[ch.ID] = struct{}{}
	}
	return out
}

func (s *Server) serverInfo() ServerInfoMsg {
	return ServerInfoMsg{
		Op:                 OpServerInfo,
		Name:               s.cfg.Name,
		Capabilities:       []string{},
		SupportedEncodings: []string{},
		SessionID:          fmt.Sprintf("%d", time.Now().UTC().UnixNano()),
	}
}

func (s *Server) advertise() AdvertiseMsg {
	specs := s.cfg.channels()
	channels := make([]Channel, 0, len(specs))
	for _, ch := range specs {
		channels = append(channels, Channel{
			ID:             ch.ID,
			Topic:          ch.Topic,
			Encoding:       ch.Encoding,
			SchemaName:     ch.SchemaName,
			SchemaEncoding: ch.SchemaEncoding,
			Schema:         ch.Schema,
		})
	}
	return AdvertiseMsg{Op: OpAdvertise, Channels: channels}
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan protocol.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-sub:
			if !ok {
				return
			}
			s.broadcastTransition(tr)
		}
	}
}

func (s *Server) broadcastTransition(tr protocol.Transition) {
	ts := tr.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.publishJSONToChannel(s.cfg.Transition.ID, ts, s.transitionRecord(tr, ts))
	s.publishJSONToChannel(s.cfg.Transform.ID, ts, s.transformFromTransition(tr, ts))
	s.publishJSONToChannel(s.cfg.Marker.ID, ts, s.markerFromTransition(tr, ts))
	if log, ok := s.logFromTransition(tr, ts); ok {
		s.publishJSONToChannel(s.cfg.Log.ID, ts, log)
	}
}

func (s *Server) transitionRecord(tr protocol.Transition, ts time.Time) TransitionRecord {
	rec := TransitionRecord{
		Episode:     tr.Episode,
		Step:        tr.Step,
		Kind:        string(tr.Kind),
		TS:          ts.UTC().Format(time.RFC3339Nano),
		SimTime:     tr.Frame.SimTime,
		Reward:      tr.Reward,
		Done:        tr.Done,
		Action:      tr.Action,
		Observation: tr.Observation,
		ComHeight:   comPosition(&tr.Frame).Z,
	}
	if len(tr.Frame.Orientation) > 2 {
		rec.Upright = tr.Frame.Orientation[2]
	}
	return rec
}

func (s *Server) transformFromTransition(tr protocol.Transition, ts time.Time) FrameTransforms {
	return FrameTransforms{Transforms: []FrameTransform{{
		Timestamp:     stamp(ts),
		ParentFrameID: s.cfg.ParentFrameID,
		ChildFrameID:  s.cfg.FrameID,
		Translation:   comPosition(&tr.Frame),
		Rotation:      bodyRotation(tr.Frame.Orientation),
	}}}
}

// markerFromTransition draws the body as a cube, red once the episode is done.
func (s *Server) markerFromTransition(tr protocol.Transition, ts time.Time) SceneUpdate {
	color := Color{R: 1, G: 1, B: 1, A: 1}
	if tr.Done {
		color = Color{R: 1, G: 0.2, B: 0.2, A: 1}
	}
	return SceneUpdate{Entities: []SceneEntity{{
		Timestamp: stamp(ts),
		FrameID:   s.cfg.FrameID,
		ID:        bodyEntityID,
		Cubes: []CubePrimitive{{
			Pose:  Pose{Orientation: identity},
			Size:  Vector3{X: 0.3, Y: 0.2, Z: 0.1},
			Color: color,
		}},
	}}}
}

func (s *Server) logFromTransition(tr protocol.Transition, ts time.Time) (Log, bool) {
	var (
		msg   string
		level uint8 = LogLevelInfo
	)
	switch {
	case tr.Kind == protocol.TransitionReset:
		msg = fmt.Sprintf("episode %s reset", tr.Episode)
	case tr.Done:
		msg = fmt.Sprintf("episode %s done after %d steps", tr.Episode, tr.Step)
		level = LogLevelWarn
	default:
		return Log{}, false
	}
	return Log{
		Timestamp: stamp(ts),
		Level:     level,
		Message:   msg,
		Name:      s.cfg.LogName,
	}, true
}

func (s *Server) publishJSONToChannel(channelID uint64, ts time.Time, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}
	logTime := uint64(ts.UnixNano())

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.deliver(channelID, logTime, payload)
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

// unregister forgets c and closes its connection.
func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	if sendBuf <= 0 {
		sendBuf = DefaultConfig().SendBuf
	}
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuf),
		subs: make(map[uint32]uint64),
	}
}

// serve applies subscribe/unsubscribe requests until the connection fails.
func (c *client) serve(supported map[uint64]struct{}) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.TextMessage {
			c.handleControl(data, supported)
		}
	}
}

func (c *client) handleControl(data []byte, supported map[uint64]struct{}) {
	var msg struct {
		Op              string         `json:"op"`
		Subscriptions   []Subscription `json:"subscriptions"`
		SubscriptionIDs []uint32       `json:"subscriptionIds"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Op {
	case OpSubscribe:
		for _, sub := range msg.Subscriptions {
			if _, ok := supported[sub.ChannelID]; ok {
				c.subs[sub.ID] = sub.ChannelID
			}
		}
	case OpUnsubscribe:
		for _, id := range msg.SubscriptionIDs {
			delete(c.subs, id)
		}
	}
}

// deliver queues one messageData frame per subscription on channelID. Frames
// are dropped when the client's queue is full or the client is gone.
func (c *client) deliver(channelID, logTime uint64, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for id, ch := range c.subs {
		if ch != channelID {
			continue
		}
		select {
		case c.send <- EncodeMessageData(id, logTime, payload):
		default:
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			_ = c.conn.Close()
			return
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}
