package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/normanking/avatarchat/internal/bus"
	"github.com/normanking/avatarchat/internal/metrics"
	"github.com/normanking/avatarchat/internal/playback"
	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrAckTimeout = errors.New("renderer did not acknowledge command")
	ErrClosed     = errors.New("hub closed")
	ErrRenderer   = errors.New("renderer reported an error")
)

// AudioSink receives microphone input from renderers. audio.PushDevice
// implements it.
type AudioSink interface {
	Push(samples []float32, sampleRate int) bool
	End()
	SetAvailable(available bool)
	SetPermissionDenied(denied bool)
}

// Config configures the hub
type Config struct {
	AckTimeout     time.Duration // wait for a surface command ack
	SendBuffer     int           // queued commands per renderer
	InboundBuffer  int           // queued renderer messages
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		AckTimeout:     10 * time.Second,
		SendBuffer:     256,
		InboundBuffer:  64,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

// Hub fans commands out to every connected renderer and serializes their
// input into a single handler goroutine. Acks and audio frames bypass that
// queue so a handler waiting on an ack never blocks its own reply.
type Hub struct {
	config   *Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	audio   AudioSink
	handler func(ctx context.Context, msg Inbound)
	onLost  func()

	pendingMu sync.Mutex
	pending   map[string]chan error

	inbound chan Inbound
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a hub and starts its inbound worker.
func New(cfg *Config, logger zerolog.Logger) *Hub {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger.With().Str("component", "hub").Logger(),
		clients: make(map[*client]struct{}),
		pending: make(map[string]chan error),
		inbound: make(chan Inbound, cfg.InboundBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.wg.Add(1)
	go h.work()
	return h
}

// SetHandler sets the callback receiving renderer input. Calls are serial.
func (h *Hub) SetHandler(handler func(ctx context.Context, msg Inbound)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// SetLostHandler sets the callback run when the last renderer disconnects,
// before the audio sink is told capture is unavailable.
func (h *Hub) SetLostHandler(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onLost = fn
}

// SetAudioSink routes audio frames to sink.
func (h *Hub) SetAudioSink(sink AudioSink) {
	h.mu.Lock()
	h.audio = sink
	connected := len(h.clients) > 0
	h.mu.Unlock()
	if sink != nil {
		sink.SetAvailable(connected)
	}
}

// Forward sends every bus event to renderers.
func (h *Hub) Forward(eventBus *bus.EventBus) {
	eventBus.SubscribeAll(func(e bus.Event) {
		h.notify(CmdEvent, EventCommand{Event: string(e.Type), Data: e.Data, Time: time.Now()})
	})
}

// Clients returns the number of connected renderers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the renderer until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.config.SendBuffer),
		done: make(chan struct{}),
	}
	h.register(c)

	h.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	sink := h.audio
	h.mu.Unlock()

	metrics.HubClients.Inc()
	h.logger.Info().Int("clients", n).Str("remote", c.conn.RemoteAddr().String()).Msg("Renderer connected")
	if sink != nil && n == 1 {
		sink.SetAvailable(true)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	sink := h.audio
	onLost := h.onLost
	h.mu.Unlock()

	c.close()
	metrics.HubClients.Dec()
	h.logger.Info().Int("clients", n).Msg("Renderer disconnected")
	if n > 0 {
		return
	}
	if onLost != nil {
		onLost()
	}
	if sink != nil {
		sink.SetAvailable(false)
	}
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// broadcast queues cmd on every renderer and returns how many got it.
// A renderer whose queue is full is dropped.
func (h *Hub) broadcast(cmd Command) int {
	data, err := json.Marshal(cmd)
	if err != nil {
		h.logger.Error().Err(err).Str("type", cmd.Type).Msg("Failed to marshal command")
		return 0
	}
	sent := 0
	for _, c := range h.snapshot() {
		if c.enqueue(data) {
			sent++
			continue
		}
		h.logger.Warn().Str("type", cmd.Type).Msg("Renderer queue full, dropping connection")
		h.unregister(c)
	}
	return sent
}

// notify sends a command that needs no acknowledgement.
func (h *Hub) notify(typ string, data any) {
	h.broadcast(Command{Type: typ, Data: data})
}

// request sends a command and waits for the first renderer to acknowledge
// it. With no renderer connected there is nothing to display, so the
// command succeeds.
func (h *Hub) request(ctx context.Context, typ string, data any) error {
	id := uuid.NewString()
	ch := make(chan error, 1)

	h.pendingMu.Lock()
	h.pending[id] = ch
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}()

	if h.broadcast(Command{Type: typ, ID: id, Data: data}) == 0 {
		h.logger.Debug().Str("type", typ).Msg("No renderer connected")
		return nil
	}

	timer := time.NewTimer(h.config.AckTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return fmt.Errorf("%s: %w", typ, ErrAckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrClosed
	}
}

func (h *Hub) ack(msg Inbound) {
	h.pendingMu.Lock()
	ch, ok := h.pending[msg.ID]
	if ok {
		delete(h.pending, msg.ID)
	}
	h.pendingMu.Unlock()
	if !ok {
		return
	}
	ch <- ackError(msg.Error)
}

func ackError(code string) error {
	switch code {
	case "":
		return nil
	case AckAutoplayBlocked:
		return playback.ErrAutoplayBlocked
	case AckLoadFailed:
		return playback.ErrAssetExpired
	default:
		return fmt.Errorf("%w: %s", ErrRenderer, code)
	}
}

// route handles a decoded renderer message on the reader goroutine.
func (h *Hub) route(msg Inbound) {
	h.mu.RLock()
	sink := h.audio
	h.mu.RUnlock()

	switch msg.Type {
	case MsgAck:
		h.ack(msg)
	case MsgAudioFrame:
		if sink != nil && !sink.Push(msg.Samples, msg.SampleRate) {
			h.logger.Debug().Int("samples", len(msg.Samples)).Msg("Audio frame dropped")
		}
	case MsgAudioEnd:
		if sink != nil {
			sink.End()
		}
	case MsgAudioPermission:
		if sink != nil {
			sink.SetPermissionDenied(msg.Denied)
		}
	default:
		select {
		case h.inbound <- msg:
		default:
			h.logger.Warn().Str("type", msg.Type).Msg("Inbound queue full, message dropped")
		}
	}
}

func (h *Hub) work() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.inbound:
			h.mu.RLock()
			handler := h.handler
			h.mu.RUnlock()
			if handler == nil {
				continue
			}
			handler(h.ctx, msg)
		}
	}
}

// Close disconnects every renderer and stops the worker.
func (h *Hub) Close() {
	h.cancel()
	for _, c := range h.snapshot() {
		h.unregister(c)
	}
	h.wg.Wait()
}

// client is one renderer connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	once sync.Once
	done chan struct{}
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writePump() {
	h := c.hub
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) readPump() {
	h := c.hub
	defer h.wg.Done()
	defer h.unregister(c)

	c.conn.SetReadLimit(h.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("Renderer read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))

		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to parse renderer message")
			continue
		}
		h.route(msg)
	}
}
