// Package lnxconfig parses .lnx host description files:
//
//	interface if0 10.0.0.1/24 127.0.0.1:5000
//	neighbor 10.0.0.2 at 127.0.0.1:5001 via if0
//	routing static
//	tcp rto 200
//
// Blank lines and lines starting with # are ignored.
package lnxconfig

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"tcp-tcp-team-pa/pkg/link"
	"tcp-tcp-team-pa/pkg/tcp"
	"tcp-tcp-team-pa/pkg/wire"
	"tcp-tcp-team-pa/pkg/wrap32"
)

// ErrParse wraps every syntax and validation error from Parse.
var ErrParse = errors.New("lnxconfig: parse error")

// MaxMSS is the largest segment payload that still fits a link datagram.
const MaxMSS = link.MTU - wire.HeaderOverhead

// RoutingMode is how a node learns routes. Hosts only ever use static routes.
type RoutingMode int

const (
	RoutingTypeNone RoutingMode = iota
	RoutingTypeStatic
	RoutingTypeRIP
)

type InterfaceConfig struct {
	Name           string
	AssignedIP     netip.Addr
	AssignedPrefix netip.Prefix
	UDPAddr        netip.AddrPort
}

type NeighborConfig struct {
	DestAddr      netip.Addr
	UDPAddr       netip.AddrPort
	InterfaceName string
}

// IPConfig is the parsed content of one .lnx file.
type IPConfig struct {
	Interfaces  []InterfaceConfig
	Neighbors   []NeighborConfig
	RoutingMode RoutingMode
	TCP         tcp.Config // starts from tcp.DefaultConfig
	ISNSecret   string     // key for hashed ISNs, random if empty
}

// ParseConfig reads and parses the file at path.
func ParseConfig(path string) (*IPConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening config")
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return cfg, nil
}

// Parse parses .lnx content from r.
func Parse(r io.Reader) (*IPConfig, error) {
	cfg := &IPConfig{RoutingMode: RoutingTypeNone, TCP: tcp.DefaultConfig()}
	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		var err error
		switch fields[0] {
		case "interface":
			err = cfg.parseInterface(fields[1:])
		case "neighbor":
			err = cfg.parseNeighbor(fields[1:])
		case "routing":
			err = cfg.parseRouting(fields[1:])
		case "tcp":
			err = cfg.parseTCP(fields[1:])
		default:
			err = errors.Errorf("unknown directive %q", fields[0])
		}
		if err != nil {
			return nil, errors.Wrapf(ErrParse, "line %d: %v", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	if err := cfg.check(); err != nil {
		return nil, errors.Wrap(ErrParse, err.Error())
	}
	return cfg, nil
}

func (c *IPConfig) parseInterface(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: interface <name> <ip>/<prefix> <udp-addr>")
	}
	prefix, err := netip.ParsePrefix(args[1])
	if err != nil {
		return errors.Wrap(err, "interface address")
	}
	udp, err := netip.ParseAddrPort(args[2])
	if err != nil {
		return errors.Wrap(err, "interface udp address")
	}
	c.Interfaces = append(c.Interfaces, InterfaceConfig{
		Name:           args[0],
		AssignedIP:     prefix.Addr(),
		AssignedPrefix: prefix.Masked(),
		UDPAddr:        udp,
	})
	return nil
}

func (c *IPConfig) parseNeighbor(args []string) error {
	if len(args) != 5 || args[1] != "at" || args[3] != "via" {
		return errors.New("usage: neighbor <ip> at <udp-addr> via <interface>")
	}
	dest, err := netip.ParseAddr(args[0])
	if err != nil {
		return errors.Wrap(err, "neighbor address")
	}
	udp, err := netip.ParseAddrPort(args[2])
	if err != nil {
		return errors.Wrap(err, "neighbor udp address")
	}
	c.Neighbors = append(c.Neighbors, NeighborConfig{DestAddr: dest, UDPAddr: udp, InterfaceName: args[4]})
	return nil
}

func (c *IPConfig) parseRouting(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: routing static|rip")
	}
	switch args[0] {
	case "static":
		c.RoutingMode = RoutingTypeStatic
	case "rip":
		c.RoutingMode = RoutingTypeRIP
	default:
		return errors.Errorf("unknown routing mode %q", args[0])
	}
	return nil
}

func (c *IPConfig) parseTCP(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: tcp <key> <value>")
	}
	key, value := args[0], args[1]
	switch key {
	case "isn":
		return c.parseISN(value)
	case "isn-secret":
		c.ISNSecret = value
		return nil
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "tcp %s", key)
	}
	switch key {
	case "capacity":
		c.TCP.Capacity = n
	case "rto":
		c.TCP.RTOMillis = n
	case "mss":
		c.TCP.MSS = n
	case "max-retx":
		c.TCP.MaxRetxAttempts = n
	default:
		return errors.Errorf("unknown tcp setting %q", key)
	}
	return nil
}

func (c *IPConfig) parseISN(value string) error {
	switch value {
	case "random":
		c.TCP.ISN = tcp.ISNPolicy{Mode: tcp.ISNRandom}
	case "hashed":
		c.TCP.ISN = tcp.ISNPolicy{Mode: tcp.ISNHashed}
	default:
		n, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return errors.Errorf("isn must be random, hashed or a 32-bit number, got %q", value)
		}
		c.TCP.ISN = tcp.ISNPolicy{Mode: tcp.ISNFixed, Value: wrap32.Wrap32(n)}
	}
	return nil
}

func (c *IPConfig) check() error {
	names := make(map[string]bool, len(c.Interfaces))
	for _, iface := range c.Interfaces {
		if names[iface.Name] {
			return errors.Errorf("duplicate interface %s", iface.Name)
		}
		names[iface.Name] = true
	}
	for _, n := range c.Neighbors {
		if !names[n.InterfaceName] {
			return errors.Errorf("neighbor %s via unknown interface %s", n.DestAddr, n.InterfaceName)
		}
	}
	if c.TCP.MSS > MaxMSS {
		return errors.Errorf("tcp mss %d exceeds %d, the most a %d-byte link datagram carries", c.TCP.MSS, MaxMSS, link.MTU)
	}
	return c.TCP.Validate()
}
