package parser

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packetlens/internal/dispatcher"
	"packetlens/internal/filter"
	"packetlens/internal/flow"
	"packetlens/internal/models"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	clientIP  = net.IP{10, 0, 0, 1}
	serverIP  = net.IP{10, 0, 0, 2}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

type segment struct {
	fromClient bool
	flags      TCPFlags
	payload    string
	dstPort    uint16
}

func tcpFrame(t *testing.T, s segment) []byte {
	t.Helper()
	sport, dport := layers.TCPPort(51000), layers.TCPPort(80)
	if s.dstPort != 0 {
		dport = layers.TCPPort(s.dstPort)
	}
	srcMAC, dstMAC, src, dst := clientMAC, serverMAC, clientIP, serverIP
	if !s.fromClient {
		sport, dport = dport, sport
		srcMAC, dstMAC, src, dst = dstMAC, srcMAC, dst, src
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := &layers.TCP{
		SrcPort: sport,
		DstPort: dport,
		Seq:     1000,
		Window:  65535,
		SYN:     s.flags.Has(FlagSYN),
		ACK:     s.flags.Has(FlagACK),
		FIN:     s.flags.Has(FlagFIN),
		RST:     s.flags.Has(FlagRST),
		PSH:     s.flags.Has(FlagPSH),
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, tcp, gopacket.Payload(s.payload))
}

func rootPacket(seq uint64, frame []byte) *models.Packet {
	pkt := models.NewPacket(seq, time.Unix(1700000000, int64(seq)*1000), uint32(len(frame)), frame)
	root := models.NewLayer("::<Ethernet>")
	root.SetName("Ethernet")
	root.SetPayload(frame)
	root.SetRange(fmt.Sprintf("0:%d", len(frame)))
	pkt.AddLayer(root)
	return pkt
}

type result struct {
	mu      sync.Mutex
	packets []*models.Packet
	streams map[string][]*models.StreamChunk
	logs    []models.LogMessage
}

func dissect(t *testing.T, frames ...[]byte) *result {
	t.Helper()
	res := &result{streams: make(map[string][]*models.StreamChunk)}
	d, err := dispatcher.New(dispatcher.Config{
		Threads:    1,
		Dissectors: Defaults(flow.NewTracker()),
		PacketCb: func(pkts []*models.Packet) {
			res.mu.Lock()
			defer res.mu.Unlock()
			res.packets = append(res.packets, pkts...)
		},
		StreamsCb: func(id string, chunks []*models.StreamChunk) {
			res.mu.Lock()
			defer res.mu.Unlock()
			res.streams[id] = append(res.streams[id], chunks...)
		},
		LogCb: func(msg models.LogMessage) {
			res.mu.Lock()
			defer res.mu.Unlock()
			res.logs = append(res.logs, msg)
		},
	})
	require.NoError(t, err)

	for i, f := range frames {
		require.NoError(t, d.Analyze(rootPacket(uint64(i+1), f)))
	}
	require.NoError(t, d.Close())
	require.Len(t, res.packets, len(frames))
	return res
}

func match(t *testing.T, pkt *models.Packet, node *filter.Node) bool {
	t.Helper()
	return filter.Compile(node, nil).Match(pkt)
}

func find(pkt *models.Packet, id string) *models.Layer {
	var found *models.Layer
	pkt.Walk(func(l *models.Layer) bool {
		if l.ID() == id {
			found = l
			return false
		}
		return true
	})
	return found
}

func TestDissect_HTTPRequest(t *testing.T) {
	req := "GET /index.html HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n"
	res := dissect(t, tcpFrame(t, segment{fromClient: true, flags: FlagPSH | FlagACK, payload: req}))
	pkt := res.packets[0]
	assert.Empty(t, res.logs)

	eth := pkt.Layer("::<Ethernet>")
	require.NotNil(t, eth)
	assert.Equal(t, "eth", eth.ID())
	assert.Equal(t, "Ethernet II", eth.Name())

	ip := eth.Layer("::<Ethernet>::<IPv4>")
	require.NotNil(t, ip)
	assert.Equal(t, "10.0.0.1 -> 10.0.0.2", ip.Summary())
	assert.Equal(t, "14:", ip.Range()[:3])

	tcp := ip.Layer("::<Ethernet>::<IPv4>::<TCP>")
	require.NotNil(t, tcp)
	assert.Equal(t, "34:"+fmt.Sprint(len(req)+54), tcp.Range())
	assert.Equal(t, []byte(req), tcp.Payload())

	http := tcp.Layer("::<Ethernet>::<IPv4>::<TCP>::<HTTP>")
	require.NotNil(t, http)
	assert.Equal(t, "GET /index.html HTTP/1.1", http.Summary())
	assert.Equal(t, "GET", http.Item("method").Value.Data)
	assert.Equal(t, "/index.html", http.Item("uri").Value.Data)
	assert.Equal(t, "test", http.Item("headers").Item("user-agent").Value.Data)
	assert.Equal(t, 2, http.Item("headers").Value.Data)

	assert.True(t, match(t, pkt, filter.Binary("==", filter.Member(filter.Ident("tcp"), "dstPort"), filter.Lit(80))))
	assert.True(t, match(t, pkt, filter.Binary("==", filter.Member(filter.Ident("http"), "host"), filter.Lit("example.com"))))
	assert.True(t, match(t, pkt, filter.Member(filter.Member(filter.Ident("tcp"), "flags"), "PSH")))
	assert.False(t, match(t, pkt, filter.Member(filter.Member(filter.Ident("tcp"), "flags"), "SYN")))
	assert.True(t, match(t, pkt, filter.Binary("==", filter.Member(filter.Ident("tcp"), "flags"), filter.Lit(int(FlagPSH|FlagACK)))))
	assert.True(t, match(t, pkt, filter.Binary("==", filter.Member(filter.Ident("ipv4"), "ttl"), filter.Lit(64))))
	assert.True(t, match(t, pkt, filter.Binary("==", filter.Member(filter.Ident("tcp"), "src"), filter.Lit("10.0.0.1"))))

	info := Describe(pkt, time.Time{})
	assert.Equal(t, "HTTP", info.Protocol)
	assert.Equal(t, "GET /index.html HTTP/1.1", info.Info)
	assert.Equal(t, uint64(1), info.Number)
	require.Len(t, info.Layers, 1)
	assert.Equal(t, "eth", info.Layers[0].ID)
	assert.Equal(t, "ipv4", info.Layers[0].Layers[0].ID)
	assert.NotEmpty(t, info.HexDump)
}

func TestDissect_DNSQuery(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: clientIP, DstIP: serverIP}
	udp := &layers.UDP{SrcPort: 53000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	dns := &layers.DNS{
		ID: 0x1234,
		RD: true,
		Questions: []layers.DNSQuestion{
			{Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
	}

	res := dissect(t, serialize(t, eth, ip, udp, dns))
	pkt := res.packets[0]

	l := find(pkt, "dns")
	require.NotNil(t, l)
	assert.Equal(t, "Standard query example.com A", l.Summary())
	assert.Equal(t, uint16(0x1234), l.Item("transactionId").Value.Data)
	assert.Equal(t, "example.com", l.Item("queries").Item("0").Value.Data)

	assert.True(t, match(t, pkt, filter.Binary("==", filter.Member(filter.Ident("dns"), "query"), filter.Lit("example.com"))))
	assert.True(t, match(t, pkt, filter.Binary("==", filter.Member(filter.Ident("udp"), "dstPort"), filter.Lit(53))))
	assert.Equal(t, "DNS", Describe(pkt, time.Time{}).Protocol)
}

func TestDissect_ARP(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   clientMAC,
		SourceProtAddress: clientIP,
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    serverIP,
	}

	res := dissect(t, serialize(t, eth, arp))
	l := find(res.packets[0], "arp")
	require.NotNil(t, l)
	assert.Equal(t, "Who has 10.0.0.2? Tell 10.0.0.1", l.Summary())
	assert.Equal(t, "ARP", Describe(res.packets[0], time.Time{}).Protocol)
}

func TestDissect_TruncatedIPv4IsLogged(t *testing.T) {
	frame := tcpFrame(t, segment{fromClient: true, flags: FlagSYN})
	res := dissect(t, frame[:20])

	pkt := res.packets[0]
	assert.Equal(t, "eth", pkt.Layer("::<Ethernet>").ID())
	assert.Nil(t, find(pkt, "tcp"))
	require.Len(t, res.logs, 1)
	assert.Equal(t, "ipv4", res.logs[0].Source)
	assert.Equal(t, models.LevelError, res.logs[0].Level)
}

func TestDissect_TCPStream(t *testing.T) {
	frames := [][]byte{
		tcpFrame(t, segment{fromClient: true, flags: FlagSYN}),
		tcpFrame(t, segment{fromClient: false, flags: FlagSYN | FlagACK}),
		tcpFrame(t, segment{fromClient: true, flags: FlagACK}),
		tcpFrame(t, segment{fromClient: true, flags: FlagPSH | FlagACK, payload: "GET / HTTP/1.1\r\n\r\n"}),
		tcpFrame(t, segment{fromClient: false, flags: FlagPSH | FlagACK, payload: "HTTP/1.1 204 No Content\r\n\r\n"}),
		tcpFrame(t, segment{fromClient: true, flags: FlagFIN | FlagACK}),
		tcpFrame(t, segment{fromClient: false, flags: FlagFIN | FlagACK}),
	}
	res := dissect(t, frames...)

	chunks := res.streams["TCP-1"]
	require.Len(t, chunks, 3)
	assert.Equal(t, DirClient, chunks[0].Attrs["direction"].Data)
	assert.Equal(t, []byte("GET / HTTP/1.1\r\n\r\n"), chunks[0].Attrs["payload"].Data)
	assert.Equal(t, DirServer, chunks[1].Attrs["direction"].Data)
	assert.True(t, chunks[2].End)
	assert.Equal(t, StreamNamespace, chunks[2].Namespace)
	assert.Equal(t, "10.0.0.1", chunks[2].Attrs["src"].Data)
	assert.Equal(t, uint16(80), chunks[2].Attrs["dstPort"].Data)

	last := find(res.packets[6], "tcp")
	require.NotNil(t, last)
	v, ok := last.Attr("state")
	require.True(t, ok)
	assert.Equal(t, string(flow.TCPStateClosed), v.Data)

	resp := find(res.packets[4], "http")
	require.NotNil(t, resp)
	assert.Equal(t, 204, resp.Item("status").Value.Data)
}

func clientHello(sni string) []byte {
	u16 := func(v int) []byte { return binary.BigEndian.AppendUint16(nil, uint16(v)) }

	var ext []byte
	name := []byte(sni)
	sniList := append(append([]byte{0}, u16(len(name))...), name...)
	sniData := append(u16(len(sniList)), sniList...)
	ext = append(ext, u16(0x0000)...)
	ext = append(ext, u16(len(sniData))...)
	ext = append(ext, sniData...)

	groups := append(u16(4), append(u16(0x001d), u16(0x0017)...)...)
	ext = append(ext, u16(0x000a)...)
	ext = append(ext, u16(len(groups))...)
	ext = append(ext, groups...)

	ext = append(ext, u16(0x000b)...)
	ext = append(ext, u16(2)...)
	ext = append(ext, 1, 0)

	var body []byte
	body = append(body, u16(0x0303)...)
	body = append(body, make([]byte, 32)...)
	body = append(body, 0)
	body = append(body, u16(4)...)
	body = append(body, u16(0x1301)...)
	body = append(body, u16(0x0a0a)...)
	body = append(body, 1, 0)
	body = append(body, u16(len(ext))...)
	body = append(body, ext...)

	hs := append([]byte{0x01, 0, byte(len(body) >> 8), byte(len(body))}, body...)
	return append(append([]byte{0x16, 0x03, 0x01}, u16(len(hs))...), hs...)
}

func TestDissect_TLSClientHello(t *testing.T) {
	hello := clientHello("example.org")
	res := dissect(t, tcpFrame(t, segment{fromClient: true, flags: FlagPSH | FlagACK, payload: string(hello), dstPort: 443}))

	l := find(res.packets[0], "tls")
	require.NotNil(t, l)
	assert.Equal(t, "Client Hello (SNI=example.org)", l.Summary())

	want := fmt.Sprintf("%x", md5.Sum([]byte("771,4865,0-10-11,29-23,0")))
	v, ok := l.Attr("ja3")
	require.True(t, ok)
	assert.Equal(t, want, v.Data)
	assert.Equal(t, "TLS_AES_128_GCM_SHA256", l.Item("cipherSuites").Item("0").Value.Data)
	assert.True(t, match(t, res.packets[0], filter.Binary("==", filter.Member(filter.Ident("tls"), "sni"), filter.Lit("example.org"))))
}

func TestDissect_AppHeuristics(t *testing.T) {
	tests := []struct {
		name    string
		port    uint16
		payload string
		id      string
		summary string
	}{
		{name: "ssh", port: 22, payload: "SSH-2.0-OpenSSH_9.6\r\n", id: "ssh", summary: "Version: SSH-2.0-OpenSSH_9.6"},
		{name: "modbus", port: 502, payload: "\x00\x01\x00\x00\x00\x06\x01\x03\x00\x00\x00\x02", id: "modbus", summary: "Function Code 3"},
		{name: "rdp", port: 3389, payload: "\x03\x00\x00\x13\x0e\xe0\x00\x00", id: "rdp", summary: "TPKT/RDP Connection"},
		{name: "mqtt", port: 1883, payload: "\x10\x10\x00\x04MQTT\x04\xc2\x00\x3c", id: "mqtt", summary: "MQTT CONNECT"},
		{name: "sip", port: 5060, payload: "INVITE sip:bob@example.com SIP/2.0\r\nCall-ID: abc\r\n\r\n", id: "sip", summary: "INVITE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := dissect(t, tcpFrame(t, segment{fromClient: true, flags: FlagPSH | FlagACK, payload: tt.payload, dstPort: tt.port}))
			l := find(res.packets[0], tt.id)
			require.NotNil(t, l)
			assert.Equal(t, tt.summary, l.Summary())
		})
	}
}

func TestTCPFlags(t *testing.T) {
	f := FlagSYN | FlagACK
	assert.Equal(t, "SYN, ACK", f.String())
	assert.Equal(t, 0x12, f.FilterValue())

	v, ok := f.Property("syn")
	assert.True(t, ok)
	assert.Equal(t, true, v)
	v, ok = f.Property("FIN")
	assert.True(t, ok)
	assert.Equal(t, false, v)
	_, ok = f.Property("bogus")
	assert.False(t, ok)
}

func TestFormatHexDump(t *testing.T) {
	dump := formatHexDump([]byte("GET / HTTP/1.1\r\nHost"))
	assert.Equal(t,
		"0000  47 45 54 20 2f 20 48 54  54 50 2f 31 2e 31 0d 0a  |GET / HTTP/1.1..|\n"+
			"0010  48 6f 73 74"+strings.Repeat(" ", 39)+"|Host|\n",
		dump)
}
