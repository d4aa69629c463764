package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packetlens/internal/config"
	"packetlens/internal/engine"
	"packetlens/internal/models"
)

func udpCapture(t *testing.T, n int) []byte {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for i := 0; i < n; i++ {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
			SrcIP: net.IP{10, 1, 0, 1}, DstIP: net.IP{10, 1, 0, 2}}
		udp := &layers.UDP{SrcPort: layers.UDPPort(30000 + i), DstPort: 9999}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload("hello")))
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, 0), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return out.Bytes()
}

func newServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Dispatcher.Threads = 1

	eng, err := engine.New(engine.Options{Dispatcher: cfg.Dispatcher, Streams: cfg.Streams})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(eng.Metrics()))

	mux := http.NewServeMux()
	RegisterRoutes(mux, eng, Options{UploadLimit: 1 << 20, Gatherer: reg})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, eng
}

func upload(t *testing.T, srv *httptest.Server, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "capture.pcap")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUpload(t *testing.T) {
	srv, _ := newServer(t)

	resp := upload(t, srv, udpCapture(t, 3))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info models.SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, "capture.pcap", info.Source)

	stats, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer stats.Body.Close()
	var st models.CaptureStats
	require.NoError(t, json.NewDecoder(stats.Body).Decode(&st))
	assert.Equal(t, 3, st.PacketCount)
	assert.Equal(t, info.SessionID, st.SessionID)

	bad := upload(t, srv, []byte("not a capture"))
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	get, err := http.Get(srv.URL + "/api/upload")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestFilterEndpoints(t *testing.T) {
	srv, eng := newServer(t)
	client := srv.Client()

	resp, err := client.Get(srv.URL + "/api/filter")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	ast := `{"type":"BinaryExpression","operator":"==","left":{"type":"MemberExpression","object":{"type":"Identifier","name":"udp"},"property":{"type":"Identifier","name":"srcPort"}},"right":{"type":"Literal","value":30001}}`
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/filter", strings.NewReader(ast))
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, ast, string(eng.Filter()))

	resp = upload(t, srv, udpCapture(t, 3))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, eng.Stats().MatchedCount)

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/api/filter", strings.NewReader("{"))
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/filter", nil)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Nil(t, eng.Filter())
}

func TestStreamsAndMetrics(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/api/streams/TCP-9")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/streams")
	require.NoError(t, err)
	var list []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Empty(t, list)

	upload(t, srv, udpCapture(t, 2))
	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "packetlens_dispatcher_delivered_packets_total 2")
}

func readType(t *testing.T, conn *websocket.Conn, typ string) models.WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg models.WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestWebSocket(t *testing.T) {
	srv, _ := newServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(models.WSMessage{Type: CmdGetStats}))
	msg := readType(t, conn, engine.MsgStats)
	var st models.CaptureStats
	require.NoError(t, json.Unmarshal(msg.Payload, &st))
	assert.False(t, st.FilterEnabled)

	require.NoError(t, conn.WriteJSON(models.WSMessage{Type: "bogus"}))
	msg = readType(t, conn, engine.MsgError)
	assert.Contains(t, string(msg.Payload), "unknown command: bogus")

	payload, _ := json.Marshal(models.StreamRequest{ID: "TCP-1"})
	require.NoError(t, conn.WriteJSON(models.WSMessage{Type: CmdGetStream, Payload: payload}))
	msg = readType(t, conn, engine.MsgError)
	assert.Contains(t, string(msg.Payload), "unknown stream")

	filter := json.RawMessage(`{"type":"Literal","value":true}`)
	require.NoError(t, conn.WriteJSON(models.WSMessage{Type: CmdSetFilter, Payload: filter}))
	readType(t, conn, engine.MsgFilterSet)

	upload(t, srv, udpCapture(t, 2))
	msg = readType(t, conn, engine.MsgPacket)
	var info models.PacketInfo
	require.NoError(t, json.Unmarshal(msg.Payload, &info))
	assert.Equal(t, "UDP", info.Protocol)
	readType(t, conn, engine.MsgSessionDone)

	require.NoError(t, conn.WriteJSON(models.WSMessage{Type: CmdClearFilter}))
	readType(t, conn, engine.MsgFilterCleared)
}
