package bittorrent

import (
	"net"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// maxDatagramSize is larger than any KRPC message we expect to send or
// receive; BEP-44 "v" values are capped at 1000 bytes by convention, and
// compact node lists top out well under this.
const maxDatagramSize = 4096

// Multiplexer owns the single UDP socket a DHT node communicates on and
// demultiplexes inbound datagrams into decoded KRPC messages, discarding
// anything that doesn't parse (malformed or foreign UDP traffic sharing the
// port is expected on the open internet and must never take the node down).
type Multiplexer struct {
	conn  *net.UDPConn
	log   *logrus.Entry
	trace *zap.Logger
}

// SetTrace attaches a per-packet trace logger, used only behind a debug
// flag: logrus carries the node's ordinary structured events, but tracing
// every datagram through it allocates more than a hot DHT node should pay
// for by default.
func (m *Multiplexer) SetTrace(trace *zap.Logger) { m.trace = trace }

// Inbound is a decoded KRPC message paired with its sender.
type Inbound struct {
	Msg  Msg
	From *net.UDPAddr
}

// NewMultiplexer binds a UDP socket on laddr (e.g. ":0" for an ephemeral
// port, or ":6881" for the conventional BitTorrent DHT port).
func NewMultiplexer(laddr string, log *logrus.Entry) (*Multiplexer, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Multiplexer{conn: conn, log: log}, nil
}

// LocalAddr returns the socket's bound address.
func (m *Multiplexer) LocalAddr() *net.UDPAddr {
	return m.conn.LocalAddr().(*net.UDPAddr)
}

// Close shuts down the socket; any blocked Recv returns an error.
func (m *Multiplexer) Close() error {
	return m.conn.Close()
}

// Send bencodes and transmits msg to addr.
func (m *Multiplexer) Send(addr *net.UDPAddr, msg Msg) error {
	data, err := EncodeMsg(msg)
	if err != nil {
		return err
	}
	_, err = m.conn.WriteToUDP(data, addr)
	if m.trace != nil {
		m.trace.Debug("krpc send", zap.Stringer("to", addr), zap.Int("bytes", len(data)), zap.Error(err))
	}
	return err
}

// Recv blocks for the next datagram that decodes as a well-formed KRPC
// message, silently dropping anything that doesn't (BEP-5's own advice:
// malformed packets are simply ignored, not faulted on).
func (m *Multiplexer) Recv() (*Inbound, error) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		msg, decErr := DecodeMsg(buf[:n])
		if decErr != nil {
			m.log.WithError(decErr).WithField("from", from).Debug("dropping undecodable datagram")
			if m.trace != nil {
				m.trace.Debug("krpc recv undecodable", zap.Stringer("from", from), zap.Int("bytes", n))
			}
			continue
		}
		if m.trace != nil {
			m.trace.Debug("krpc recv", zap.Stringer("from", from), zap.Int("bytes", n))
		}
		return &Inbound{Msg: msg, From: from}, nil
	}
}
