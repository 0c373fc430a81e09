// Package lpd implements local peer discovery over UDP multicast: ASCII
// QUERY/REPLY/BYE datagrams advertising which peer IDs are reachable at
// which endpoints on the local network, independent of and complementary
// to the wide-area DHT.
package lpd

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MulticastGroup4 and Port are the fixed IPv4 rendezvous address. Only
// IPv4 is supported: New always joins this group, and there is no IPv6
// group or option to supply one.
const (
	MulticastGroup4 = "237.176.57.49"
	Port            = 37391
	protocolTag     = "OUINET-LPD-V0"
	maxDatagram     = 32 * 1024
)

type command string

const (
	cmdQuery command = "QUERY"
	cmdReply command = "REPLY"
	cmdBye   command = "BYE"
)

// PeerID is a random 64-bit identifier distinguishing local peers on the
// multicast segment from one another.
type PeerID uint64

// RandomPeerID generates a fresh 64-bit identifier.
func RandomPeerID() PeerID {
	var b [8]byte
	rand.Read(b[:])
	return PeerID(binary.BigEndian.Uint64(b[:]))
}

// PeerInfo is what LPD knows about one remote peer: its advertised
// endpoints and when it was last heard from.
type PeerInfo struct {
	ID        PeerID
	Endpoints []string
	LastSeen  time.Time
}

// message is a parsed LPD datagram.
type message struct {
	peerID PeerID
	cmd    command
	args   []string
}

func formatMessage(id PeerID, cmd command, endpoints []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%016x:%s", protocolTag, uint64(id), cmd)
	for _, ep := range endpoints {
		b.WriteString(ep)
		b.WriteByte(';')
	}
	return b.String()
}

func parseMessage(line string) (*message, error) {
	parts := strings.SplitN(line, ":", 3)
	if len(parts) < 3 || parts[0] != protocolTag {
		return nil, fmt.Errorf("lpd: not a %s message", protocolTag)
	}
	idVal, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("lpd: malformed peer id: %w", err)
	}
	rest := parts[2]
	var cmdStr, payload string
	for i, c := range []command{cmdQuery, cmdReply, cmdBye} {
		_ = i
		if strings.HasPrefix(rest, string(c)) {
			cmdStr = string(c)
			payload = rest[len(c):]
			break
		}
	}
	if cmdStr == "" {
		return nil, fmt.Errorf("lpd: unknown command in %q", rest)
	}
	var endpoints []string
	for _, tok := range strings.Split(payload, ";") {
		if tok != "" {
			endpoints = append(endpoints, tok)
		}
	}
	return &message{peerID: PeerID(idVal), cmd: command(cmdStr), args: endpoints}, nil
}

// substituteUnspecified replaces any "host:port" token whose host part is
// empty or a wildcard address with the sender's observed source address.
func substituteUnspecified(endpoints []string, src *net.UDPAddr) []string {
	out := make([]string, len(endpoints))
	for i, ep := range endpoints {
		host, port, err := net.SplitHostPort(ep)
		if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
			out[i] = net.JoinHostPort(src.IP.String(), port)
			continue
		}
		out[i] = ep
	}
	return out
}

// Discovery runs the multicast QUERY/REPLY/BYE exchange and tracks peers
// it has heard from.
type Discovery struct {
	Self      PeerID
	Endpoints []string
	Log       *logrus.Entry

	conn *net.UDPConn

	mu    sync.Mutex
	peers map[PeerID]*PeerInfo
}

// New joins the IPv4 LPD multicast group on the given network interface
// (nil selects the default).
func New(self PeerID, endpoints []string, iface *net.Interface, log *logrus.Entry) (*Discovery, error) {
	group := &net.UDPAddr{IP: net.ParseIP(MulticastGroup4), Port: Port}
	conn, err := net.ListenMulticastUDP("udp4", iface, group)
	if err != nil {
		return nil, fmt.Errorf("lpd: joining multicast group: %w", err)
	}
	return &Discovery{
		Self:      self,
		Endpoints: endpoints,
		Log:       log,
		conn:      conn,
		peers:     make(map[PeerID]*PeerInfo),
	}, nil
}

// Close leaves the multicast group, first announcing departure with BYE.
func (d *Discovery) Close() error {
	d.sendBye()
	return d.conn.Close()
}

func (d *Discovery) groupAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(MulticastGroup4), Port: Port}
}

func (d *Discovery) send(cmd command) error {
	msg := formatMessage(d.Self, cmd, d.Endpoints)
	_, err := d.conn.WriteToUDP([]byte(msg), d.groupAddr())
	return err
}

// Query broadcasts a QUERY advertising our own endpoints and requesting
// peers to REPLY.
func (d *Discovery) Query() error { return d.send(cmdQuery) }

func (d *Discovery) reply() error { return d.send(cmdReply) }

func (d *Discovery) sendBye() error { return d.send(cmdBye) }

// Peers returns a snapshot of currently tracked remote peers.
func (d *Discovery) Peers() []PeerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PeerInfo, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	return out
}

// Run reads datagrams until the connection is closed, updating the peer
// table and replying to QUERYs from others.
func (d *Discovery) Run() error {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		d.handleDatagram(buf[:n], src)
	}
}

func (d *Discovery) handleDatagram(data []byte, src *net.UDPAddr) {
	msg, err := parseMessage(string(data))
	if err != nil {
		if d.Log != nil {
			d.Log.WithError(err).Debug("dropping malformed lpd datagram")
		}
		return
	}
	if msg.peerID == d.Self {
		return
	}

	if msg.cmd == cmdBye {
		d.mu.Lock()
		delete(d.peers, msg.peerID)
		d.mu.Unlock()
		return
	}

	endpoints := substituteUnspecified(msg.args, src)
	d.mu.Lock()
	d.peers[msg.peerID] = &PeerInfo{ID: msg.peerID, Endpoints: endpoints, LastSeen: time.Now()}
	d.mu.Unlock()

	if msg.cmd == cmdQuery {
		d.reply()
	}
}
