package parser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"packetlens/internal/dissector"
	"packetlens/internal/models"
)

// App detects application protocols from transport payloads by heuristics.
func App() dissector.Dissector {
	return dissector.New("app", []string{"*::<TCP>", "*::<UDP>"}, analyzeApp)
}

func analyzeApp(ctx *dissector.Context, layer *models.Layer) error {
	data := layer.Payload()
	if len(data) < 4 {
		return nil
	}
	proto := transportOf(layer)
	sport, dport := port(layer, "srcPort"), port(layer, "dstPort")
	portIs := func(ports ...uint16) bool {
		for _, p := range ports {
			if sport == p || dport == p {
				return true
			}
		}
		return false
	}

	switch {
	case proto == "TCP" && isHTTP(data):
		parseHTTP(layer, data)
	case proto == "TCP" && isTLS(data):
		parseTLS(layer, data)
	case isSSH(data):
		parseSSH(layer, data)
	case proto == "UDP" && portIs(443) && isQUIC(data):
		parseQUIC(layer, data)
	case proto == "TCP" && portIs(1883, 8883) && isMQTT(data):
		parseMQTT(layer, data)
	case portIs(5060, 5061) && isSIP(data):
		parseSIP(layer, data)
	case proto == "TCP" && portIs(502) && isModbus(data):
		parseModbus(layer, data)
	case proto == "TCP" && portIs(3389) && isRDP(data):
		parseRDP(layer, data)
	}
	return nil
}

func transportOf(layer *models.Layer) string {
	switch {
	case strings.HasSuffix(layer.Namespace(), "::<TCP>"):
		return "TCP"
	case strings.HasSuffix(layer.Namespace(), "::<UDP>"):
		return "UDP"
	}
	return ""
}

func port(layer *models.Layer, id string) uint16 {
	if it := layer.Item(id); it != nil {
		if p, ok := it.Value.Data.(uint16); ok {
			return p
		}
	}
	return 0
}

// appChild creates an application layer under a transport layer whose
// payload is data.
func appChild(parent *models.Layer, proto, id string, data []byte) *models.Layer {
	start := 8
	if it := parent.Item("dataOffset"); it != nil {
		if n, ok := it.Value.Data.(int); ok {
			start = n
		}
	}
	return child(parent, proto, id, data, start)
}

func firstLine(data []byte) string {
	end := bytes.IndexByte(data, '\n')
	if end < 0 {
		end = len(data)
	}
	return strings.TrimRight(string(data[:end]), "\r\n")
}

func bytesToUint16BE(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func bytesToUint32BE(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// ==================== HTTP Detection ====================

func isHTTP(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	s := string(data[:4])
	return s == "GET " || s == "POST" || s == "PUT " || s == "DELE" ||
		s == "HEAD" || s == "HTTP" || s == "PATC" || s == "OPTI"
}

func parseHTTP(parent *models.Layer, data []byte) {
	l := appChild(parent, "HTTP", "http", data)

	lines := strings.SplitN(string(data), "\r\n", 32)
	start := lines[0]
	l.SetSummary(start)
	item(l, "Request/Status Line", "line", start)

	parts := strings.SplitN(start, " ", 3)
	if strings.HasPrefix(start, "HTTP/") {
		l.SetAttr("response", models.NewValue(true))
		item(l, "Version", "version", parts[0])
		if len(parts) > 1 {
			if code, err := strconv.Atoi(parts[1]); err == nil {
				item(l, "Status Code", "status", code)
			}
		}
	} else if len(parts) == 3 {
		l.SetAttr("response", models.NewValue(false))
		item(l, "Method", "method", parts[0])
		item(l, "URI", "uri", parts[1])
		item(l, "Version", "version", parts[2])
	}

	headers := item(l, "Headers", "headers", 0)
	count := 0
	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		headers.AddItem(models.NewItem(name, strings.ToLower(name), value))
		count++
		if strings.EqualFold(name, "Host") {
			l.SetAttr("host", models.NewValue(value))
		}
	}
	headers.Value = models.NewValue(count)
}

// ==================== TLS Detection ====================

func isTLS(data []byte) bool {
	return len(data) >= 5 && data[0] >= 0x14 && data[0] <= 0x17 && data[1] == 0x03 && data[2] <= 0x04
}

// ==================== SSH Detection ====================

func isSSH(data []byte) bool {
	return len(data) >= 4 && bytes.HasPrefix(data, []byte("SSH-"))
}

func extractSSHVersion(data []byte) string {
	if bytes.IndexByte(data, '\n') < 0 && len(data) > 80 {
		return string(data[:80])
	}
	return firstLine(data)
}

func parseSSH(parent *models.Layer, data []byte) {
	l := appChild(parent, "SSH", "ssh", data)
	version := extractSSHVersion(data)
	l.SetSummary(fmt.Sprintf("Version: %s", version))
	item(l, "Version String", "version", version)

	// Parse "SSH-2.0-OpenSSH_8.9" format
	parts := strings.SplitN(version, "-", 3)
	if len(parts) >= 3 {
		item(l, "Protocol Version", "protocol", parts[0]+"-"+parts[1])
		item(l, "Software", "software", parts[2])
	}
}

// ==================== QUIC Detection ====================

func isQUIC(data []byte) bool {
	// QUIC long header: first bit is 1, and we need at least some bytes
	return len(data) >= 5 && (data[0]&0x80) != 0
}

func quicVersionString(v uint32) string {
	switch v {
	case 0x00000001:
		return "1 (RFC 9000)"
	case 0x6b3343cf:
		return "2 (RFC 9369)"
	case 0x00000000:
		return "Version Negotiation"
	}
	if v&0xff000000 == 0xff000000 {
		return fmt.Sprintf("draft-%d", v&0xff)
	}
	return fmt.Sprintf("0x%08x", v)
}

func parseQUIC(parent *models.Layer, data []byte) {
	l := appChild(parent, "QUIC", "quic", data)
	l.SetSummary("QUIC Connection")
	item(l, "Header Form", "headerForm", "Long Header")

	version := bytesToUint32BE(data[1:5])
	hexItem(l, "Version", "version", version, 8)
	item(l, "Version Name", "versionName", quicVersionString(version))

	if len(data) >= 6 {
		dcidLen := int(data[5])
		item(l, "DCID Length", "dcidLength", dcidLen)
		if dcidLen > 0 && len(data) >= 6+dcidLen {
			item(l, "Destination CID", "dcid", data[6:6+dcidLen])
		}
	}
}

// ==================== MQTT Detection ====================

func isMQTT(data []byte) bool {
	// MQTT CONNECT: first byte 0x10, "MQTT" in first 10 bytes
	if len(data) < 10 {
		return false
	}
	if data[0] != 0x10 {
		return false
	}
	return bytes.Contains(data[:10], []byte("MQTT"))
}

func parseMQTT(parent *models.Layer, data []byte) {
	l := appChild(parent, "MQTT", "mqtt", data)
	l.SetSummary("MQTT CONNECT")
	item(l, "Packet Type", "type", "CONNECT")

	// Find "MQTT" to get protocol level
	idx := bytes.Index(data, []byte("MQTT"))
	if idx < 0 || idx+5 >= len(data) {
		return
	}
	item(l, "Protocol Level", "level", data[idx+4])
	if idx+6 >= len(data) {
		return
	}
	flags := data[idx+5]
	flagParts := []string{}
	if flags&0x80 != 0 {
		flagParts = append(flagParts, "Username")
	}
	if flags&0x40 != 0 {
		flagParts = append(flagParts, "Password")
	}
	if flags&0x04 != 0 {
		flagParts = append(flagParts, "Will")
	}
	if flags&0x02 != 0 {
		flagParts = append(flagParts, "Clean Session")
	}
	fi := hexItem(l, "Connect Flags", "flags", flags, 2)
	fi.AddItem(models.NewItem("Set", "set", strings.Join(flagParts, ", ")))
}

// ==================== SIP Detection ====================

var sipPrefixes = []string{
	"SIP/", "INVITE ", "REGISTER", "ACK ", "BYE ", "CANCEL ", "OPTIONS ",
	"PRACK ", "NOTIFY ", "PUBLISH ", "INFO ", "REFER ", "MESSAGE ",
	"UPDATE ", "SUBSCRI",
}

func isSIP(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	for _, p := range sipPrefixes {
		if bytes.HasPrefix(data, []byte(p)) {
			return true
		}
	}
	return false
}

func sipMethod(data []byte) string {
	line := firstLine(data)
	if strings.HasPrefix(line, "SIP/") {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) >= 2 {
			return "Response " + parts[1]
		}
		return "Response"
	}
	method, _, _ := strings.Cut(line, " ")
	return method
}

// sipHeader returns the value of header name (case-insensitive), or "".
func sipHeader(data []byte, name string) string {
	lines := strings.Split(string(data), "\r\n")
	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func parseSIP(parent *models.Layer, data []byte) {
	l := appChild(parent, "SIP", "sip", data)
	method := sipMethod(data)
	l.SetSummary(method)

	item(l, "Request/Status Line", "line", firstLine(data))
	item(l, "Method", "method", method)

	callID := sipHeader(data, "Call-ID")
	if callID == "" {
		callID = sipHeader(data, "i")
	}
	if callID != "" {
		item(l, "Call-ID", "callId", callID)
	}
	if from := sipHeader(data, "From"); from != "" {
		item(l, "From", "from", from)
	}
	if to := sipHeader(data, "To"); to != "" {
		item(l, "To", "to", to)
	}
}

// ==================== Modbus Detection ====================

func isModbus(data []byte) bool {
	// Modbus/TCP: bytes 2-3 are protocol identifier 0x0000, minimum 8 bytes
	if len(data) < 8 {
		return false
	}
	return data[2] == 0 && data[3] == 0
}

func parseModbus(parent *models.Layer, data []byte) {
	l := appChild(parent, "Modbus", "modbus", data)
	fc := data[7]
	l.SetSummary(fmt.Sprintf("Function Code %d", fc))

	hexItem(l, "Transaction ID", "transactionId", bytesToUint16BE(data[0:2]), 4)
	hexItem(l, "Protocol ID", "protocolId", bytesToUint16BE(data[2:4]), 4)
	item(l, "Length", "length", bytesToUint16BE(data[4:6]))
	item(l, "Unit ID", "unitId", data[6])
	item(l, "Function Code", "functionCode", fc)
	item(l, "Function", "function", modbusFunction(fc))
}

func modbusFunction(fc byte) string {
	switch fc {
	case 1:
		return "Read Coils"
	case 2:
		return "Read Discrete Inputs"
	case 3:
		return "Read Holding Registers"
	case 4:
		return "Read Input Registers"
	case 5:
		return "Write Single Coil"
	case 6:
		return "Write Single Register"
	case 15:
		return "Write Multiple Coils"
	case 16:
		return "Write Multiple Registers"
	default:
		return "Unknown"
	}
}

// ==================== RDP Detection ====================

func isRDP(data []byte) bool {
	// TPKT: version 3
	return len(data) >= 4 && data[0] == 3
}

func parseRDP(parent *models.Layer, data []byte) {
	l := appChild(parent, "RDP", "rdp", data)
	l.SetSummary("TPKT/RDP Connection")

	item(l, "TPKT Version", "tpktVersion", data[0])
	item(l, "TPKT Length", "tpktLength", bytesToUint16BE(data[2:4]))

	if len(data) >= 5 {
		item(l, "X.224 Length", "x224Length", data[4])
	}
	if len(data) >= 6 {
		var pduType string
		switch data[5] {
		case 0xe0:
			pduType = "Connection Request"
		case 0xd0:
			pduType = "Connection Confirm"
		case 0x80:
			pduType = "Disconnect Request"
		case 0xf0:
			pduType = "Data Transfer"
		default:
			pduType = fmt.Sprintf("0x%02x", data[5])
		}
		item(l, "X.224 PDU Type", "pduType", pduType)
	}
}
