// Package dispatcher runs dissector chains over packets on a pool of worker
// goroutines and delivers the finished packets, stream fragments and log
// messages through callbacks.
//
// Packets handed to Analyze are owned by the dispatcher until they are
// delivered. Delivery publishes a frozen snapshot: consumers may read it from
// any goroutine, and any attempt to mutate it panics.
package dispatcher

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"

	"packetlens/internal/dissector"
	"packetlens/internal/models"
)

const defaultBatchSize = 64

var (
	// ErrClosed is returned by Analyze after Close.
	ErrClosed = errors.New("dispatcher closed")
	// ErrQueueFull is returned by Analyze when MaxQueue is set and reached.
	ErrQueueFull = errors.New("dispatcher queue full")
)

// Config describes a dispatcher.
type Config struct {
	// Threads is the number of workers. Zero selects runtime.NumCPU().
	Threads int
	// Config is forwarded verbatim to every dissector.
	Config string
	// Dissectors are tried in order against every layer.
	Dissectors []dissector.Dissector

	// PacketCb receives batches of completed packets.
	PacketCb func(pkts []*models.Packet)
	// StreamsCb receives the chunks of a stream once its end chunk arrives.
	StreamsCb func(id string, chunks []*models.StreamChunk)
	// LogCb receives dispatcher and dissector log messages. When nil they
	// are written to the process log.
	LogCb func(msg models.LogMessage)

	// BatchSize caps the number of packets per PacketCb call.
	BatchSize int
	// MaxQueue bounds the backlog. Zero means unbounded.
	MaxQueue int
	// Metrics collects counters. A private instance is used when nil.
	Metrics *Metrics
}

// Dispatcher owns the work queue and the worker pool.
type Dispatcher struct {
	cfg     Config
	metrics *Metrics
	streams *streamTable
	log     *log.Entry

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*models.Packet
	closed bool

	cbMu sync.Mutex

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New validates cfg and starts the workers.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Threads < 0 {
		return nil, fmt.Errorf("invalid thread count %d", cfg.Threads)
	}
	if cfg.Threads == 0 {
		cfg.Threads = runtime.NumCPU()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxQueue < 0 {
		return nil, fmt.Errorf("invalid max queue %d", cfg.MaxQueue)
	}
	for i, d := range cfg.Dissectors {
		if d == nil {
			return nil, fmt.Errorf("dissector %d is nil", i)
		}
	}

	d := &Dispatcher{
		cfg:     cfg,
		metrics: cfg.Metrics,
		streams: newStreamTable(),
		log:     log.WithField("component", "dispatcher"),
	}
	if d.metrics == nil {
		d.metrics = NewMetrics()
	}
	d.cond = sync.NewCond(&d.mu)

	d.wg.Add(cfg.Threads)
	for i := 0; i < cfg.Threads; i++ {
		go d.worker(i)
	}
	d.log.WithFields(log.Fields{
		"threads":    cfg.Threads,
		"dissectors": len(cfg.Dissectors),
	}).Debug("dispatcher started")

	return d, nil
}

// Analyze takes ownership of pkt and queues it for dissection.
func (d *Dispatcher) Analyze(pkt *models.Packet) error {
	if pkt == nil {
		return errors.New("nil packet")
	}
	return d.AnalyzeBatch([]*models.Packet{pkt})
}

// AnalyzeBatch queues pkts in order. With MaxQueue set the batch is accepted
// or rejected as a whole.
func (d *Dispatcher) AnalyzeBatch(pkts []*models.Packet) error {
	for _, p := range pkts {
		if p == nil {
			return errors.New("nil packet in batch")
		}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.cfg.MaxQueue > 0 && len(d.queue)+len(pkts) > d.cfg.MaxQueue {
		d.mu.Unlock()
		d.metrics.rejected.Add(uint64(len(pkts)))
		return ErrQueueFull
	}
	d.queue = append(d.queue, pkts...)
	d.metrics.queueDepth.Store(int64(len(d.queue)))
	d.mu.Unlock()

	d.metrics.queued.Add(uint64(len(pkts)))
	if len(pkts) == 1 {
		d.cond.Signal()
	} else {
		d.cond.Broadcast()
	}
	return nil
}

// QueueSize returns the number of packets waiting for a worker. The
// dispatcher applies no backpressure of its own unless MaxQueue is set;
// callers use this to pace their producers.
func (d *Dispatcher) QueueSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// OpenStreams returns the number of streams still waiting for an end chunk.
func (d *Dispatcher) OpenStreams() int {
	return d.streams.len()
}

// Metrics returns the collector updated by this dispatcher.
func (d *Dispatcher) Metrics() *Metrics {
	return d.metrics
}

// Close stops accepting packets, waits until every queued packet has been
// dissected and delivered, and flushes streams that never saw an end chunk.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.cond.Broadcast()

		d.wg.Wait()

		for _, s := range d.streams.drain() {
			d.deliverStream(s.id, s.chunks)
		}
		d.log.Debug("dispatcher stopped")
	})
	return nil
}

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()

	batch := make([]*models.Packet, 0, d.cfg.BatchSize)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			d.deliverPackets(batch)
			return
		}
		pkt := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.metrics.queueDepth.Store(int64(len(d.queue)))
		d.mu.Unlock()

		batch = append(batch, d.process(pkt))

		// A worker never waits while holding finished packets.
		d.mu.Lock()
		idle := len(d.queue) == 0
		d.mu.Unlock()
		if len(batch) >= d.cfg.BatchSize || idle {
			d.deliverPackets(batch)
			batch = make([]*models.Packet, 0, d.cfg.BatchSize)
		}
	}
}

func (d *Dispatcher) deliverPackets(batch []*models.Packet) {
	if len(batch) == 0 {
		return
	}
	d.metrics.batches.Add(1)
	d.metrics.delivered.Add(uint64(len(batch)))
	if d.cfg.PacketCb == nil {
		return
	}
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.cfg.PacketCb(batch)
}

func (d *Dispatcher) deliverStream(id string, chunks []*models.StreamChunk) {
	d.metrics.streams.Add(1)
	if d.cfg.StreamsCb == nil {
		return
	}
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.cfg.StreamsCb(id, chunks)
}

func (d *Dispatcher) emitLog(msg models.LogMessage) {
	if d.cfg.LogCb == nil {
		entry := d.log.WithField("source", msg.Source)
		switch msg.Level {
		case models.LevelDebug:
			entry.Debug(msg.Message)
		case models.LevelInfo:
			entry.Info(msg.Message)
		case models.LevelWarn:
			entry.Warn(msg.Message)
		default:
			entry.Error(msg.Message)
		}
		return
	}
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.cfg.LogCb(msg)
}
