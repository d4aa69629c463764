package dispatcher

import (
	"fmt"

	"packetlens/internal/dissector"
	"packetlens/internal/models"
)

// maxPasses bounds the number of discovery rounds per packet. A dissector
// that keeps replacing layers would otherwise loop forever.
const maxPasses = 64

// process runs every applicable dissector over the layer tree of pkt and
// returns the frozen snapshot to publish.
func (d *Dispatcher) process(pkt *models.Packet) *models.Packet {
	ctx := dissector.NewContext(pkt, d.cfg.Config)
	visited := make(map[*models.Layer]struct{})

	for pass := 0; ; pass++ {
		pending := unvisited(pkt, visited)
		if len(pending) == 0 {
			break
		}
		if pass == maxPasses {
			d.emitLog(models.LogMessage{
				Level:   models.LevelWarn,
				Message: fmt.Sprintf("packet #%d: layer tree still growing after %d passes", pkt.Seq(), maxPasses),
				Source:  "dispatcher",
			})
			break
		}
		for _, layer := range pending {
			visited[layer] = struct{}{}
			for _, ds := range d.cfg.Dissectors {
				if !dissector.Matches(ds, layer.Namespace()) {
					continue
				}
				d.run(ctx, ds, layer)
			}
		}
	}

	for _, msg := range ctx.TakeLogs() {
		d.emitLog(msg)
	}
	for _, chunk := range ctx.TakeStreams() {
		if chunks, done := d.streams.add(chunk); done {
			d.deliverStream(chunk.ID, chunks)
		}
	}

	d.metrics.processed.Add(1)
	return pkt.Snapshot()
}

// run invokes one dissector, turning both errors and panics into log
// messages.
func (d *Dispatcher) run(ctx *dissector.Context, ds dissector.Dissector, layer *models.Layer) {
	ctx.SetSource(ds.Name())

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return ds.Analyze(ctx, layer)
	}()
	if err == nil {
		return
	}

	d.metrics.failed(ds.Name())
	d.emitLog(models.LogMessage{
		Level:   models.LevelError,
		Message: fmt.Sprintf("dissector %s failed on packet #%d (%s): %v", ds.Name(), ctx.Packet().Seq(), layer.Namespace(), err),
		Source:  ds.Name(),
	})
}

func unvisited(pkt *models.Packet, visited map[*models.Layer]struct{}) []*models.Layer {
	var out []*models.Layer
	pkt.Walk(func(l *models.Layer) bool {
		if _, ok := visited[l]; !ok {
			out = append(out, l)
		}
		return true
	})
	return out
}
