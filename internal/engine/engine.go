// Package engine runs analysis sessions over capture files and pushes the
// results to connected clients.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"packetlens/internal/capture"
	"packetlens/internal/config"
	"packetlens/internal/dispatcher"
	"packetlens/internal/dissector"
	"packetlens/internal/filter"
	"packetlens/internal/flow"
	"packetlens/internal/models"
	"packetlens/internal/parser"
	"packetlens/internal/stream"
)

// Message types pushed to clients.
const (
	MsgPacket         = "packet"
	MsgLog            = "log"
	MsgStats          = "stats"
	MsgSessionStarted = "session_started"
	MsgSessionDone    = "session_finished"
	MsgFilterSet      = "filter_set"
	MsgFilterCleared  = "filter_cleared"
	MsgError          = "error"
)

// ErrBusy is returned when a load is requested while another one runs.
var ErrBusy = errors.New("engine: a capture is already loading")

const backlogPoll = time.Millisecond

// Client represents a connected client that receives broadcasts.
type Client interface {
	SendMessage(msg models.WSMessage) error
}

// DissectorSet builds the dissectors of one session around its flow tracker.
type DissectorSet func(tracker *flow.Tracker) []dissector.Dissector

// Options configures an Engine.
type Options struct {
	Dispatcher config.DispatcherConfig
	Streams    config.StreamsConfig
	Filter     config.FilterConfig
	// Metrics is shared by the dispatchers of all sessions.
	Metrics *dispatcher.Metrics
	// Dissectors defaults to parser.Defaults.
	Dissectors DissectorSet
}

// Engine manages analysis sessions and broadcasts packets to clients.
type Engine struct {
	opts    Options
	env     *filter.Env
	streams *stream.Manager
	metrics *dispatcher.Metrics
	log     *log.Entry

	mu        sync.Mutex
	clients   map[Client]bool
	filter    *filter.Filter
	filterSrc json.RawMessage
	session   *session
}

type session struct {
	id        string
	source    string
	disp      *dispatcher.Dispatcher
	tracker   *flow.Tracker
	firstTS   time.Time
	read      int
	processed int
	matched   int
	done      bool
}

// New creates an Engine. Named filter patterns are compiled up front.
func New(opts Options) (*Engine, error) {
	if opts.Dissectors == nil {
		opts.Dissectors = parser.Defaults
	}
	if opts.Metrics == nil {
		opts.Metrics = dispatcher.NewMetrics()
	}

	env := filter.NewEnv()
	for name, v := range opts.Filter.Globals {
		env.Globals[name] = v
	}
	for name, src := range opts.Filter.Patterns {
		if err := env.Register(name, src); err != nil {
			return nil, fmt.Errorf("pattern %q: %w", name, err)
		}
	}

	e := &Engine{
		opts:    opts,
		env:     env,
		metrics: opts.Metrics,
		log:     log.WithField("component", "engine"),
		clients: make(map[Client]bool),
	}
	e.streams = stream.NewManager(e)
	e.streams.SetMaxKept(opts.Streams.MaxKept)
	return e, nil
}

// RegisterClient adds a client to receive broadcasts.
func (e *Engine) RegisterClient(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[c] = true
}

// UnregisterClient removes a client.
func (e *Engine) UnregisterClient(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, c)
}

// Metrics returns the dispatcher metrics shared by all sessions.
func (e *Engine) Metrics() *dispatcher.Metrics {
	return e.metrics
}

// SetFilter installs the filter described by the JSON expression tree raw.
// It applies to packets delivered from now on.
func (e *Engine) SetFilter(raw json.RawMessage) error {
	node, err := filter.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse filter: %w", err)
	}
	f := filter.Compile(node, e.env)

	e.mu.Lock()
	e.filter = f
	e.filterSrc = append(json.RawMessage(nil), raw...)
	e.mu.Unlock()

	e.broadcast(models.WSMessage{Type: MsgFilterSet, Payload: raw})
	return nil
}

// ClearFilter removes the active filter; every packet matches again.
func (e *Engine) ClearFilter() {
	e.mu.Lock()
	e.filter = nil
	e.filterSrc = nil
	e.mu.Unlock()

	e.broadcast(models.WSMessage{Type: MsgFilterCleared})
}

// Filter returns the source of the active filter, or nil.
func (e *Engine) Filter() json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filterSrc
}

// Stats reports the state of the current or last session.
func (e *Engine) Stats() models.CaptureStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := models.CaptureStats{
		FilterEnabled: e.filter != nil,
		FailureCount:  e.metrics.FailureCount(),
		StreamCount:   e.streams.Len(),
	}
	if s := e.session; s != nil {
		st.SessionID = s.id
		st.PacketCount = s.processed
		st.MatchedCount = s.matched
		if !s.done {
			st.QueueSize = s.disp.QueueSize()
		}
	}
	return st
}

// StreamData returns a stored stream by id, or nil.
func (e *Engine) StreamData(id string) *stream.StreamDataResponse {
	return e.streams.GetStreamData(id)
}

// Streams lists the stored streams.
func (e *Engine) Streams() []stream.Summary {
	return e.streams.List()
}

// BroadcastStreamEvent implements stream.Broadcaster.
func (e *Engine) BroadcastStreamEvent(eventType string, payload json.RawMessage) {
	e.broadcast(models.WSMessage{Type: eventType, Payload: payload})
}

// LoadFile analyzes the capture file at path. See Load.
func (e *Engine) LoadFile(ctx context.Context, path string) (models.SessionInfo, error) {
	r, err := capture.Open(path)
	if err != nil {
		return models.SessionInfo{}, err
	}
	defer r.Close()
	return e.run(ctx, r, path)
}

// Load analyzes the capture read from src and returns once every packet has
// been delivered. Only one load runs at a time.
func (e *Engine) Load(ctx context.Context, src io.Reader, name string) (models.SessionInfo, error) {
	r, err := capture.NewReader(src)
	if err != nil {
		return models.SessionInfo{}, err
	}
	return e.run(ctx, r, name)
}

func (e *Engine) run(ctx context.Context, r *capture.Reader, name string) (models.SessionInfo, error) {
	s, err := e.begin(name)
	if err != nil {
		return models.SessionInfo{}, err
	}
	info := models.SessionInfo{SessionID: s.id, Source: name}
	logger := e.log.WithField("session", s.id)
	logger.Infof("loading %s", name)

	payload, _ := json.Marshal(info)
	e.broadcast(models.WSMessage{Type: MsgSessionStarted, Payload: payload})

	feedErr := e.feed(ctx, s, r)
	closeErr := s.disp.Close()

	e.mu.Lock()
	s.done = true
	read, matched := s.read, s.matched
	e.mu.Unlock()

	logger.Infof("finished %s: %d packets, %d matched", name, read, matched)
	e.broadcast(models.WSMessage{Type: MsgSessionDone, Payload: payload})
	e.broadcastStats()

	if feedErr != nil {
		return info, feedErr
	}
	return info, closeErr
}

func (e *Engine) begin(name string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil && !e.session.done {
		return nil, ErrBusy
	}

	s := &session{
		id:      uuid.NewString(),
		source:  name,
		tracker: flow.NewTracker(),
	}
	cfg := e.opts.Dispatcher
	disp, err := dispatcher.New(dispatcher.Config{
		Threads:    cfg.Threads,
		Config:     cfg.DissectorConfig,
		Dissectors: e.opts.Dissectors(s.tracker),
		PacketCb:   func(pkts []*models.Packet) { e.onPackets(s, pkts) },
		StreamsCb:  e.onStream,
		LogCb:      func(msg models.LogMessage) { e.onLog(s, msg) },
		BatchSize:  cfg.BatchSize,
		MaxQueue:   cfg.MaxQueue,
		Metrics:    e.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("start dispatcher: %w", err)
	}
	s.disp = disp

	e.session = s
	e.streams.Reset()
	return s, nil
}

// feed reads packets from r into the session dispatcher, pausing while the
// backlog is above the configured high-water mark.
func (e *Engine) feed(ctx context.Context, s *session, r *capture.Reader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pkt, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}

		e.mu.Lock()
		if s.firstTS.IsZero() {
			s.firstTS = pkt.Timestamp()
		}
		s.read++
		e.mu.Unlock()

		if err := e.submit(ctx, s.disp, pkt); err != nil {
			return err
		}
	}
}

func (e *Engine) submit(ctx context.Context, disp *dispatcher.Dispatcher, pkt *models.Packet) error {
	for disp.QueueSize() >= e.opts.Dispatcher.MaxBacklog && e.opts.Dispatcher.MaxBacklog > 0 {
		if err := wait(ctx); err != nil {
			return err
		}
	}
	for {
		err := disp.Analyze(pkt)
		if !errors.Is(err, dispatcher.ErrQueueFull) {
			return err
		}
		if err := wait(ctx); err != nil {
			return err
		}
	}
}

func wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backlogPoll):
		return nil
	}
}

func (e *Engine) onPackets(s *session, pkts []*models.Packet) {
	e.mu.Lock()
	f := e.filter
	start := s.firstTS
	e.mu.Unlock()

	matched := 0
	for _, pkt := range pkts {
		if f != nil && !f.Match(pkt) {
			continue
		}
		matched++
		payload, err := json.Marshal(parser.Describe(pkt, start))
		if err != nil {
			e.log.WithError(err).Warnf("encode packet #%d", pkt.Seq())
			continue
		}
		e.broadcast(models.WSMessage{Type: MsgPacket, Payload: payload})
	}

	e.mu.Lock()
	s.processed += len(pkts)
	s.matched += matched
	e.mu.Unlock()
}

func (e *Engine) onStream(id string, chunks []*models.StreamChunk) {
	e.streams.Complete(id, chunks)
}

func (e *Engine) onLog(s *session, msg models.LogMessage) {
	level, err := log.ParseLevel(msg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	e.log.WithFields(log.Fields{"session": s.id, "source": msg.Source}).Log(level, msg.Message)

	payload, _ := json.Marshal(msg)
	e.broadcast(models.WSMessage{Type: MsgLog, Payload: payload})
}

func (e *Engine) broadcastStats() {
	payload, _ := json.Marshal(e.Stats())
	e.broadcast(models.WSMessage{Type: MsgStats, Payload: payload})
}

func (e *Engine) broadcast(msg models.WSMessage) {
	e.mu.Lock()
	clients := make([]Client, 0, len(e.clients))
	for c := range e.clients {
		clients = append(clients, c)
	}
	e.mu.Unlock()

	for _, c := range clients {
		if err := c.SendMessage(msg); err != nil {
			e.log.WithError(err).Debug("send to client failed")
		}
	}
}
