// Package capture reads capture files into packets ready for dissection.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"packetlens/internal/models"
)

const pcapngMagic = 0x0A0D0D0A

// ErrUnknownFormat is returned for input that is neither pcap nor pcapng.
var ErrUnknownFormat = errors.New("capture: unknown file format")

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Reader reads packets from a pcap or pcapng stream.
type Reader struct {
	src    packetSource
	link   layers.LinkType
	closer io.Closer
	seq    uint64
}

// Open opens a capture file for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file %q: %w", path, err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open capture file %q: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NewReader detects the format of r from its magic number.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}

	if binary.BigEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("pcapng: %w", err)
		}
		return &Reader{src: ng, link: ng.LinkType()}, nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	return &Reader{src: pr, link: pr.LinkType()}, nil
}

// LinkType returns the link layer type of the capture.
func (r *Reader) LinkType() layers.LinkType {
	return r.link
}

// Next returns the next packet, numbered from 1, with a root layer holding
// the whole frame. It returns io.EOF after the last packet.
func (r *Reader) Next() (*models.Packet, error) {
	data, ci, err := r.src.ReadPacketData()
	if err != nil {
		return nil, err
	}
	r.seq++
	return NewPacket(r.seq, r.link, data, ci), nil
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// NewPacket wraps a captured frame into a packet whose root layer matches
// the link type.
func NewPacket(seq uint64, link layers.LinkType, data []byte, ci gopacket.CaptureInfo) *models.Packet {
	length := ci.Length
	if length < len(data) {
		length = len(data)
	}
	pkt := models.NewPacket(seq, ci.Timestamp, uint32(length), data)

	proto := RootProtocol(link, data)
	root := models.NewLayer("::<" + proto + ">")
	root.SetName(proto)
	switch proto {
	case "Ethernet":
		root.SetID("eth")
	case "IPv4":
		root.SetID("ipv4")
	case "IPv6":
		root.SetID("ipv6")
	default:
		root.SetID("raw")
	}
	root.SetPayload(data)
	root.SetRange(fmt.Sprintf("0:%d", len(data)))
	pkt.AddLayer(root)
	return pkt
}

// RootProtocol names the outermost protocol of frames with link type link.
func RootProtocol(link layers.LinkType, data []byte) string {
	switch link {
	case layers.LinkTypeEthernet:
		return "Ethernet"
	case layers.LinkTypeIPv4:
		return "IPv4"
	case layers.LinkTypeIPv6:
		return "IPv6"
	case layers.LinkTypeRaw:
		if len(data) > 0 {
			switch data[0] >> 4 {
			case 4:
				return "IPv4"
			case 6:
				return "IPv6"
			}
		}
	}
	return "Raw"
}
