package parser

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"packetlens/internal/dissector"
	"packetlens/internal/models"
)

// Ethernet decodes Ethernet II frames.
func Ethernet() dissector.Dissector {
	return dissector.New("ethernet", []string{"*::<Ethernet>"}, analyzeEthernet)
}

// VLAN decodes 802.1Q tags.
func VLAN() dissector.Dissector {
	return dissector.New("vlan", []string{"*::<802.1Q>"}, analyzeVLAN)
}

// ARP decodes ARP requests and replies.
func ARP() dissector.Dissector {
	return dissector.New("arp", []string{"*::<ARP>"}, analyzeARP)
}

// IPv4 decodes IPv4 headers.
func IPv4() dissector.Dissector {
	return dissector.New("ipv4", []string{"*::<IPv4>"}, analyzeIPv4)
}

// IPv6 decodes the IPv6 fixed header.
func IPv6() dissector.Dissector {
	return dissector.New("ipv6", []string{"*::<IPv6>"}, analyzeIPv6)
}

// TCP decodes TCP headers.
func TCP() dissector.Dissector {
	return dissector.New("tcp", []string{"*::<TCP>"}, analyzeTCP)
}

// UDP decodes UDP headers.
func UDP() dissector.Dissector {
	return dissector.New("udp", []string{"*::<UDP>"}, analyzeUDP)
}

// ICMP decodes ICMPv4 messages.
func ICMP() dissector.Dissector {
	return dissector.New("icmp", []string{"*::<ICMP>"}, analyzeICMP)
}

// DNS decodes DNS messages carried over UDP.
func DNS() dissector.Dissector {
	return dissector.New("dns", []string{"*::<DNS>"}, analyzeDNS)
}

func decode(l gopacket.DecodingLayer, layer *models.Layer) error {
	data := layer.Payload()
	if err := l.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("%s: %w", layer.Name(), err)
	}
	return nil
}

func etherChild(parent *models.Layer, t layers.EthernetType, payload []byte, start int) {
	switch t {
	case layers.EthernetTypeIPv4:
		child(parent, "IPv4", "ipv4", payload, start)
	case layers.EthernetTypeIPv6:
		child(parent, "IPv6", "ipv6", payload, start)
	case layers.EthernetTypeARP:
		child(parent, "ARP", "arp", payload, start)
	case layers.EthernetTypeDot1Q:
		child(parent, "802.1Q", "vlan", payload, start)
	}
}

func analyzeEthernet(ctx *dissector.Context, layer *models.Layer) error {
	var eth layers.Ethernet
	if err := decode(&eth, layer); err != nil {
		return err
	}

	layer.SetName("Ethernet II")
	layer.SetID("eth")
	layer.SetSummary(fmt.Sprintf("%s -> %s", eth.SrcMAC, eth.DstMAC))
	layer.SetAttr("src", models.NewTypedValue(eth.SrcMAC.String(), "net/mac"))
	layer.SetAttr("dst", models.NewTypedValue(eth.DstMAC.String(), "net/mac"))

	item(layer, "Source", "src", eth.SrcMAC.String())
	item(layer, "Destination", "dst", eth.DstMAC.String())
	item(layer, "Type", "type", eth.EthernetType.String())

	layer.SetPayload(eth.Payload)
	etherChild(layer, eth.EthernetType, eth.Payload, len(eth.Contents))
	return nil
}

func analyzeVLAN(ctx *dissector.Context, layer *models.Layer) error {
	var tag layers.Dot1Q
	if err := decode(&tag, layer); err != nil {
		return err
	}

	layer.SetName("802.1Q Virtual LAN")
	layer.SetSummary(fmt.Sprintf("PRI: %d, ID: %d", tag.Priority, tag.VLANIdentifier))
	item(layer, "Priority", "priority", tag.Priority)
	item(layer, "DEI", "dei", tag.DropEligible)
	item(layer, "ID", "vid", tag.VLANIdentifier)
	item(layer, "Type", "type", tag.Type.String())

	layer.SetPayload(tag.Payload)
	etherChild(layer, tag.Type, tag.Payload, len(tag.Contents))
	return nil
}

func analyzeARP(ctx *dissector.Context, layer *models.Layer) error {
	var arp layers.ARP
	if err := decode(&arp, layer); err != nil {
		return err
	}

	op := "Unknown"
	switch arp.Operation {
	case layers.ARPRequest:
		op = "Request (1)"
	case layers.ARPReply:
		op = "Reply (2)"
	}

	senderIP := net.IP(arp.SourceProtAddress).String()
	targetIP := net.IP(arp.DstProtAddress).String()
	senderMAC := net.HardwareAddr(arp.SourceHwAddress).String()

	layer.SetName("ARP")
	if arp.Operation == layers.ARPRequest {
		layer.SetSummary(fmt.Sprintf("Who has %s? Tell %s", targetIP, senderIP))
	} else {
		layer.SetSummary(fmt.Sprintf("%s is at %s", senderIP, senderMAC))
	}
	layer.SetAttr("src", models.NewTypedValue(senderIP, "net/ipv4"))
	layer.SetAttr("dst", models.NewTypedValue(targetIP, "net/ipv4"))

	item(layer, "Operation", "operation", arp.Operation)
	item(layer, "Operation Name", "opName", op)
	item(layer, "Sender MAC", "senderMac", senderMAC)
	item(layer, "Sender IP", "senderIp", senderIP)
	item(layer, "Target MAC", "targetMac", net.HardwareAddr(arp.DstHwAddress).String())
	item(layer, "Target IP", "targetIp", targetIP)
	return nil
}

func ipChild(parent *models.Layer, proto layers.IPProtocol, src, dst, typ string, payload []byte, start int) {
	var c *models.Layer
	switch proto {
	case layers.IPProtocolTCP:
		c = child(parent, "TCP", "tcp", payload, start)
	case layers.IPProtocolUDP:
		c = child(parent, "UDP", "udp", payload, start)
	case layers.IPProtocolICMPv4:
		c = child(parent, "ICMP", "icmp", payload, start)
	default:
		return
	}
	c.SetAttr("src", models.NewTypedValue(src, typ))
	c.SetAttr("dst", models.NewTypedValue(dst, typ))
}

func analyzeIPv4(ctx *dissector.Context, layer *models.Layer) error {
	var ip layers.IPv4
	if err := decode(&ip, layer); err != nil {
		return err
	}

	src, dst := ip.SrcIP.String(), ip.DstIP.String()
	layer.SetName("IPv4")
	layer.SetSummary(fmt.Sprintf("%s -> %s", src, dst))
	layer.SetAttr("src", models.NewTypedValue(src, "net/ipv4"))
	layer.SetAttr("dst", models.NewTypedValue(dst, "net/ipv4"))

	item(layer, "Version", "version", ip.Version)
	item(layer, "Header Length", "headerLength", int(ip.IHL)*4)
	hexItem(layer, "Type of Service", "tos", ip.TOS, 2)
	item(layer, "Total Length", "length", ip.Length)
	hexItem(layer, "Identification", "identification", ip.Id, 4)
	item(layer, "Flags", "flags", ip.Flags.String())
	item(layer, "Fragment Offset", "fragOffset", ip.FragOffset)
	item(layer, "TTL", "ttl", ip.TTL)
	item(layer, "Protocol", "protocol", ip.Protocol.String())
	hexItem(layer, "Checksum", "checksum", ip.Checksum, 4)
	item(layer, "Source", "srcAddr", src)
	item(layer, "Destination", "dstAddr", dst)

	layer.SetPayload(ip.Payload)
	if ip.FragOffset == 0 {
		ipChild(layer, ip.Protocol, src, dst, "net/ipv4", ip.Payload, len(ip.Contents))
	}
	return nil
}

func analyzeIPv6(ctx *dissector.Context, layer *models.Layer) error {
	var ip layers.IPv6
	if err := decode(&ip, layer); err != nil {
		return err
	}

	src, dst := ip.SrcIP.String(), ip.DstIP.String()
	layer.SetName("IPv6")
	layer.SetSummary(fmt.Sprintf("%s -> %s", src, dst))
	layer.SetAttr("src", models.NewTypedValue(src, "net/ipv6"))
	layer.SetAttr("dst", models.NewTypedValue(dst, "net/ipv6"))

	item(layer, "Version", "version", ip.Version)
	hexItem(layer, "Traffic Class", "trafficClass", ip.TrafficClass, 2)
	hexItem(layer, "Flow Label", "flowLabel", ip.FlowLabel, 8)
	item(layer, "Payload Length", "length", ip.Length)
	item(layer, "Next Header", "nextHeader", ip.NextHeader.String())
	item(layer, "Hop Limit", "hopLimit", ip.HopLimit)
	item(layer, "Source", "srcAddr", src)
	item(layer, "Destination", "dstAddr", dst)

	layer.SetPayload(ip.Payload)
	ipChild(layer, ip.NextHeader, src, dst, "net/ipv6", ip.Payload, len(ip.Contents))
	return nil
}

func analyzeTCP(ctx *dissector.Context, layer *models.Layer) error {
	var tcp layers.TCP
	if err := decode(&tcp, layer); err != nil {
		return err
	}

	flags := flagsOf(&tcp)
	layer.SetName("TCP")
	layer.SetSummary(fmt.Sprintf("%d -> %d [%s] Seq=%d Ack=%d Win=%d Len=%d",
		tcp.SrcPort, tcp.DstPort, flags, tcp.Seq, tcp.Ack, tcp.Window, len(tcp.Payload)))

	item(layer, "Source Port", "srcPort", uint16(tcp.SrcPort))
	item(layer, "Destination Port", "dstPort", uint16(tcp.DstPort))
	item(layer, "Sequence Number", "seq", tcp.Seq)
	item(layer, "Acknowledgment Number", "ack", tcp.Ack)
	item(layer, "Data Offset", "dataOffset", int(tcp.DataOffset)*4)
	flagItem := item(layer, "Flags", "flags", flags)
	for _, fn := range flagNames {
		flagItem.AddItem(models.NewItem(fn.name, fn.name, flags.Has(fn.flag)))
	}
	item(layer, "Window Size", "window", tcp.Window)
	hexItem(layer, "Checksum", "checksum", tcp.Checksum, 4)
	item(layer, "Urgent Pointer", "urgent", tcp.Urgent)
	item(layer, "Payload Length", "len", len(tcp.Payload))

	layer.SetPayload(tcp.Payload)
	return nil
}

func analyzeUDP(ctx *dissector.Context, layer *models.Layer) error {
	var udp layers.UDP
	if err := decode(&udp, layer); err != nil {
		return err
	}

	layer.SetName("UDP")
	layer.SetSummary(fmt.Sprintf("%d -> %d Len=%d", udp.SrcPort, udp.DstPort, udp.Length))

	item(layer, "Source Port", "srcPort", uint16(udp.SrcPort))
	item(layer, "Destination Port", "dstPort", uint16(udp.DstPort))
	item(layer, "Length", "length", udp.Length)
	hexItem(layer, "Checksum", "checksum", udp.Checksum, 4)

	layer.SetPayload(udp.Payload)
	if isDNSPort(uint16(udp.SrcPort)) || isDNSPort(uint16(udp.DstPort)) {
		child(layer, "DNS", "dns", udp.Payload, 8)
	}
	return nil
}

func isDNSPort(p uint16) bool {
	return p == 53 || p == 5353
}

func analyzeICMP(ctx *dissector.Context, layer *models.Layer) error {
	var icmp layers.ICMPv4
	if err := decode(&icmp, layer); err != nil {
		return err
	}

	layer.SetName("ICMP")
	layer.SetSummary(icmp.TypeCode.String())

	item(layer, "Type", "type", icmp.TypeCode.Type())
	item(layer, "Code", "code", icmp.TypeCode.Code())
	item(layer, "Type Name", "typeName", icmp.TypeCode.String())
	hexItem(layer, "Checksum", "checksum", icmp.Checksum, 4)
	hexItem(layer, "Identifier", "identifier", icmp.Id, 4)
	item(layer, "Sequence", "sequence", icmp.Seq)

	layer.SetPayload(icmp.Payload)
	return nil
}

func analyzeDNS(ctx *dissector.Context, layer *models.Layer) error {
	var dns layers.DNS
	if err := decode(&dns, layer); err != nil {
		return err
	}

	summary := "Standard query"
	if dns.QR {
		summary = "Standard query response"
	}
	for _, q := range dns.Questions {
		summary += " " + string(q.Name) + " " + q.Type.String()
	}
	layer.SetName("DNS")
	layer.SetSummary(summary)

	hexItem(layer, "Transaction ID", "transactionId", dns.ID, 4)
	item(layer, "Response", "qr", dns.QR)
	item(layer, "Opcode", "opcode", dns.OpCode.String())
	item(layer, "Response Code", "rcode", dns.ResponseCode.String())
	item(layer, "Questions", "qdcount", dns.QDCount)
	item(layer, "Answers", "ancount", dns.ANCount)

	if len(dns.Questions) > 0 {
		layer.SetAttr("query", models.NewValue(string(dns.Questions[0].Name)))
	}

	queries := item(layer, "Queries", "queries", len(dns.Questions))
	for i, q := range dns.Questions {
		qi := models.NewItem("Query", fmt.Sprint(i), string(q.Name))
		qi.AddItem(models.NewItem("Type", "type", q.Type.String()))
		qi.AddItem(models.NewItem("Class", "class", q.Class.String()))
		queries.AddItem(qi)
	}

	answers := item(layer, "Answers", "answers", len(dns.Answers))
	for i, a := range dns.Answers {
		desc := fmt.Sprintf("%s -> %s (TTL: %d)", string(a.Name), answerData(a), a.TTL)
		ai := models.NewItem("Answer", fmt.Sprint(i), desc)
		ai.AddItem(models.NewItem("Name", "name", string(a.Name)))
		ai.AddItem(models.NewItem("Type", "type", a.Type.String()))
		ai.AddItem(models.NewItem("TTL", "ttl", a.TTL))
		ai.AddItem(models.NewItem("Data", "data", answerData(a)))
		answers.AddItem(ai)
	}
	return nil
}

func answerData(a layers.DNSResourceRecord) string {
	switch {
	case a.IP != nil:
		return a.IP.String()
	case len(a.CNAME) > 0:
		return string(a.CNAME)
	case len(a.NS) > 0:
		return string(a.NS)
	case len(a.PTR) > 0:
		return string(a.PTR)
	}
	return a.Type.String()
}
