// Package datagramcodec implements a single IPv4 multicast group/port
// shared by every replica on the LAN, with site/seq/fragment framing and
// per-origin reassembly.
//
// Socket setup (address- and port-reuse, join-on-all-interfaces) follows
// a common Go multicast listener pattern; the fragment header layout is
// this package's own design.
package datagramcodec

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"syscall"

	"golang.org/x/net/ipv4"
)

// Group is the shared multicast group and port every replica binds.
const Group = "239.1.1.1:1111"

// MaxChunkSize is the largest payload carried in a single fragment's body,
// chosen to stay well under typical LAN MTU once the header is added.
const MaxChunkSize = 1400

const headerLen = 4 + 4 + 4 + 4 // site_id, seq, num, idx

// Fragment is one decoded datagram: the packet header fields plus its body.
type Fragment struct {
	SiteID uint32
	Seq    uint32
	Num    uint32
	Idx    uint32
	Body   []byte
}

// ErrShortPacket is returned by DecodeFragment for anything under the
// 16-byte header.
var ErrShortPacket = fmt.Errorf("datagramcodec: packet shorter than header")

// EncodeFragment serialises one fragment to wire bytes.
func EncodeFragment(f Fragment) []byte {
	buf := make([]byte, headerLen+len(f.Body))
	binary.BigEndian.PutUint32(buf[0:4], f.SiteID)
	binary.BigEndian.PutUint32(buf[4:8], f.Seq)
	binary.BigEndian.PutUint32(buf[8:12], f.Num)
	binary.BigEndian.PutUint32(buf[12:16], f.Idx)
	copy(buf[headerLen:], f.Body)
	return buf
}

// DecodeFragment parses one wire packet into a Fragment. Packets under the
// header length are reported via ErrShortPacket and should be logged and
// dropped by the caller, not treated as a connection-level error.
func DecodeFragment(pkt []byte) (Fragment, error) {
	if len(pkt) < headerLen {
		return Fragment{}, ErrShortPacket
	}
	return Fragment{
		SiteID: binary.BigEndian.Uint32(pkt[0:4]),
		Seq:    binary.BigEndian.Uint32(pkt[4:8]),
		Num:    binary.BigEndian.Uint32(pkt[8:12]),
		Idx:    binary.BigEndian.Uint32(pkt[12:16]),
		Body:   pkt[headerLen:],
	}, nil
}

// Fragments splits body into one or more Fragments addressed from siteID
// with the given seq, each carrying at most MaxChunkSize bytes.
func Fragments(siteID, seq uint32, body []byte) []Fragment {
	if len(body) == 0 {
		return []Fragment{{SiteID: siteID, Seq: seq, Num: 1, Idx: 0, Body: nil}}
	}
	num := (len(body) + MaxChunkSize - 1) / MaxChunkSize
	frags := make([]Fragment, 0, num)
	for i := 0; i < num; i++ {
		start := i * MaxChunkSize
		end := start + MaxChunkSize
		if end > len(body) {
			end = len(body)
		}
		frags = append(frags, Fragment{
			SiteID: siteID,
			Seq:    seq,
			Num:    uint32(num),
			Idx:    uint32(i),
			Body:   body[start:end],
		})
	}
	return frags
}

// reassembly holds the in-progress fragment buffer for one origin site.
type reassembly struct {
	seq   uint32
	num   uint32
	parts map[uint32][]byte
}

// Reassembler tracks one reassembly buffer per origin site_id, per spec
// §4.A's receiver-state table.
type Reassembler struct {
	bySite map[uint32]*reassembly
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{bySite: make(map[uint32]*reassembly)}
}

// Accept feeds one received Fragment in. When it completes a message, the
// concatenated body is returned with ok true. A fragment whose seq differs
// from the one in progress for its origin resets that origin's buffer,
// discarding any fragments collected under the previous seq: there is no retransmission, so a stale partial
// message is abandoned the moment its sender moves on to a new seq.
func (r *Reassembler) Accept(f Fragment) (body []byte, ok bool) {
	cur, exists := r.bySite[f.SiteID]
	if !exists || cur.seq != f.Seq {
		cur = &reassembly{seq: f.Seq, num: f.Num, parts: make(map[uint32][]byte, f.Num)}
		r.bySite[f.SiteID] = cur
	}

	cur.parts[f.Idx] = f.Body
	if uint32(len(cur.parts)) != cur.num {
		return nil, false
	}

	idxs := make([]uint32, 0, len(cur.parts))
	for idx := range cur.parts {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	var out []byte
	for _, idx := range idxs {
		out = append(out, cur.parts[idx]...)
	}
	delete(r.bySite, f.SiteID)
	return out, true
}

// Listener is a bound multicast socket ready to receive fragments from
// every other replica on the LAN.
type Listener struct {
	pc *ipv4.PacketConn
	uc *net.UDPConn
}

// Listen joins Group on every up, multicast-capable interface (loopback
// included when it is so flagged), with SO_REUSEADDR and SO_REUSEPORT set so that more than one
// replica on the same host can bind the same port.
func Listen() (*Listener, error) {
	_, portStr, err := net.SplitHostPort(Group)
	if err != nil {
		return nil, fmt.Errorf("datagramcodec: parse group: %w", err)
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); e != nil {
					ctrlErr = e
					return
				}
				if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEPORT, 1); e != nil {
					ctrlErr = e
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	pconn, err := lc.ListenPacket(context.Background(), "udp4", ":"+portStr)
	if err != nil {
		return nil, fmt.Errorf("datagramcodec: listen: %w", err)
	}
	uc, ok := pconn.(*net.UDPConn)
	if !ok {
		pconn.Close()
		return nil, fmt.Errorf("datagramcodec: unexpected packet conn type %T", pconn)
	}

	pc := ipv4.NewPacketConn(uc)
	groupAddr := &net.UDPAddr{IP: net.ParseIP("239.1.1.1")}

	ifaces, err := net.Interfaces()
	if err != nil {
		uc.Close()
		return nil, fmt.Errorf("datagramcodec: list interfaces: %w", err)
	}
	joined := 0
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, groupAddr); err == nil {
			joined++
		}
	}
	if joined == 0 {
		uc.Close()
		return nil, fmt.Errorf("datagramcodec: could not join %s on any interface", Group)
	}

	return &Listener{pc: pc, uc: uc}, nil
}

// ReadFrom blocks for the next datagram and returns its raw bytes.
func (l *Listener) ReadFrom(buf []byte) (n int, err error) {
	return l.uc.Read(buf)
}

// Close releases the listening socket.
func (l *Listener) Close() error { return l.uc.Close() }

// Sender is a separate unbound UDP socket used only to transmit to Group.
type Sender struct {
	conn *net.UDPConn
}

// NewSender opens the sending socket.
func NewSender() (*Sender, error) {
	addr, err := net.ResolveUDPAddr("udp4", Group)
	if err != nil {
		return nil, fmt.Errorf("datagramcodec: resolve group: %w", err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("datagramcodec: dial: %w", err)
	}
	return &Sender{conn: conn}, nil
}

// Send writes one encoded fragment to the group.
func (s *Sender) Send(pkt []byte) error {
	_, err := s.conn.Write(pkt)
	return err
}

// Close releases the sending socket.
func (s *Sender) Close() error { return s.conn.Close() }
