// Package parser provides the built-in protocol dissectors and the display
// form of dissected packets.
//
// Every dissector decodes the payload of the layer it is triggered on,
// replaces that payload with the bytes following its header, and creates a
// child layer for the next protocol. The root layer is created by the capture
// reader and holds the whole frame.
package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"packetlens/internal/dissector"
	"packetlens/internal/flow"
	"packetlens/internal/models"
)

// Defaults returns the built-in dissectors in dispatch order. The TCP stream
// dissector shares tracker; pass nil for a private one.
func Defaults(tracker *flow.Tracker) []dissector.Dissector {
	if tracker == nil {
		tracker = flow.NewTracker()
	}
	return []dissector.Dissector{
		Ethernet(),
		VLAN(),
		ARP(),
		IPv4(),
		IPv6(),
		TCP(),
		UDP(),
		ICMP(),
		DNS(),
		App(),
		NewTCPStream(tracker),
	}
}

// child creates the layer for proto under parent and hands it payload.
func child(parent *models.Layer, proto, id string, payload []byte, start int) *models.Layer {
	l := models.NewLayer(parent.Namespace() + "::<" + proto + ">")
	l.SetName(proto)
	l.SetID(id)
	l.SetPayload(payload)
	l.SetRange(subRange(parent, start, start+len(payload)))
	parent.AddLayer(l)
	return l
}

// subRange translates [start,end) relative to parent's range into an
// absolute "start:end" descriptor.
func subRange(parent *models.Layer, start, end int) string {
	base := 0
	if from, _, ok := strings.Cut(parent.Range(), ":"); ok {
		base, _ = strconv.Atoi(from)
	}
	return fmt.Sprintf("%d:%d", base+start, base+end)
}

// item adds a display field that filters can also address by id.
func item(l *models.Layer, name, id string, data any) *models.Item {
	it := models.NewItem(name, id, data)
	l.AddItem(it)
	return it
}

// hexItem adds a field displayed in hexadecimal with width digits.
func hexItem(l *models.Layer, name, id string, data any, width int) *models.Item {
	it := models.NewItem(name, id, data)
	it.Value.Type = "hex" + strconv.Itoa(width)
	l.AddItem(it)
	return it
}

// Describe converts a dissected packet into its display form. Timestamps are
// relative to start unless start is zero.
func Describe(pkt *models.Packet, start time.Time) models.PacketInfo {
	info := models.PacketInfo{
		Number: pkt.Seq(),
		Length: pkt.Length(),
	}

	ts := pkt.Timestamp()
	if start.IsZero() {
		info.Timestamp = ts.Format("15:04:05.000000")
	} else {
		info.Timestamp = fmt.Sprintf("%.6f", ts.Sub(start).Seconds())
	}

	info.Protocol = "Unknown"
	depth := -1
	var walk func(ls []*models.Layer, d int) []models.LayerDetail
	walk = func(ls []*models.Layer, d int) []models.LayerDetail {
		out := make([]models.LayerDetail, 0, len(ls))
		for _, l := range ls {
			if d > depth && l.Name() != "" {
				depth = d
				info.Protocol = l.Name()
				info.Info = l.Summary()
			}
			detail := models.LayerDetail{
				Namespace:  l.Namespace(),
				Name:       l.Name(),
				ID:         l.ID(),
				Summary:    l.Summary(),
				Confidence: l.Confidence(),
				Fields:     describeItems(l.Items()),
			}
			detail.Layers = walk(l.Children(), d+1)
			out = append(out, detail)
		}
		return out
	}
	info.Layers = walk(pkt.RootLayers(), 0)

	if data := pkt.Payload(); len(data) > 0 {
		info.HexDump = formatHexDump(data)
	}
	return info
}

func describeItems(items []*models.Item) []models.LayerField {
	fields := make([]models.LayerField, 0, len(items))
	for _, it := range items {
		fields = append(fields, models.LayerField{
			Name:     it.Name,
			ID:       it.ID,
			Value:    formatValue(it.Value),
			Children: describeItems(it.Items()),
		})
	}
	return fields
}

func formatValue(v models.Value) string {
	switch v.Type {
	case "hex2":
		return fmt.Sprintf("0x%02x", v.Data)
	case "hex4":
		return fmt.Sprintf("0x%04x", v.Data)
	case "hex8":
		return fmt.Sprintf("0x%08x", v.Data)
	}
	switch d := v.Data.(type) {
	case nil:
		return ""
	case []byte:
		return formatRawHex(d)
	case string:
		return d
	}
	return fmt.Sprint(v.Data)
}

func formatHexDump(data []byte) string {
	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		// Offset
		sb.WriteString(fmt.Sprintf("%04x  ", offset))

		// Hex bytes
		end := offset + 16
		if end > len(data) {
			end = len(data)
		}
		for i := offset; i < offset+16; i++ {
			if i < end {
				sb.WriteString(fmt.Sprintf("%02x ", data[i]))
			} else {
				sb.WriteString("   ")
			}
			if i == offset+7 {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(" |")

		// ASCII
		for i := offset; i < end; i++ {
			b := data[i]
			if b >= 0x20 && b <= 0x7e {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('|')
		sb.WriteByte('\n')
	}
	return sb.String()
}

func formatRawHex(data []byte) string {
	var sb strings.Builder
	for _, b := range data {
		sb.WriteString(fmt.Sprintf("%02x", b))
	}
	return sb.String()
}
