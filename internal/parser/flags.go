package parser

import (
	"strings"

	"github.com/google/gopacket/layers"
)

// TCPFlags is the TCP flag field. Filters compare it as its bit mask and can
// test single flags by name (tcp.flags.SYN).
type TCPFlags uint16

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
)

var flagNames = []struct {
	flag TCPFlags
	name string
}{
	{FlagSYN, "SYN"},
	{FlagACK, "ACK"},
	{FlagFIN, "FIN"},
	{FlagRST, "RST"},
	{FlagPSH, "PSH"},
	{FlagURG, "URG"},
	{FlagECE, "ECE"},
	{FlagCWR, "CWR"},
	{FlagNS, "NS"},
}

func flagsOf(tcp *layers.TCP) TCPFlags {
	var f TCPFlags
	set := func(on bool, bit TCPFlags) {
		if on {
			f |= bit
		}
	}
	set(tcp.FIN, FlagFIN)
	set(tcp.SYN, FlagSYN)
	set(tcp.RST, FlagRST)
	set(tcp.PSH, FlagPSH)
	set(tcp.ACK, FlagACK)
	set(tcp.URG, FlagURG)
	set(tcp.ECE, FlagECE)
	set(tcp.CWR, FlagCWR)
	set(tcp.NS, FlagNS)
	return f
}

// Has reports whether every bit of flag is set.
func (f TCPFlags) Has(flag TCPFlags) bool {
	return f&flag == flag
}

func (f TCPFlags) FilterValue() any {
	return int(f)
}

func (f TCPFlags) Property(name string) (any, bool) {
	for _, fn := range flagNames {
		if strings.EqualFold(fn.name, name) {
			return f.Has(fn.flag), true
		}
	}
	return nil, false
}

func (f TCPFlags) String() string {
	parts := []string{}
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, ", ")
}
