package sip

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/MrWong99/callbridge/pkg/audio/codec"
	"github.com/MrWong99/callbridge/pkg/telephony"
)

const (
	rtpVersion     = 2
	maxPacketSize  = 1500
	audioQueueSize = 64
	sendQueueSize  = 16
)

// MediaStats counts packets on one RTP stream.
type MediaStats struct {
	PacketsIn  uint64
	PacketsOut uint64
	DroppedIn  uint64
	DroppedOut uint64
	ForeignIn  uint64
}

// mediaStream is the RTP leg of one call. A reader goroutine depacketises
// caller audio into Audio, and a sender goroutine packetises frames handed to
// Write.
//
// The remote address starts as the one from the SDP offer and latches onto
// the source of the first packet received, so that callers behind NAT are
// reached on the port they actually send from.
type mediaStream struct {
	conn           *net.UDPConn
	log            *slog.Logger
	payloadType    uint8
	bytesPerSample int

	mu      sync.Mutex
	remote  *net.UDPAddr
	latched bool

	seq    uint16
	ts     uint32
	ssrc   uint32
	marker bool

	audio chan []byte
	out   chan []byte
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	packetsIn, packetsOut, droppedIn, droppedOut, foreignIn atomic.Uint64
}

func newMediaStream(conn *net.UDPConn, remote *net.UDPAddr, id codec.ID, log *slog.Logger) *mediaStream {
	bps := 1
	if id == codec.L16 {
		bps = 2
	}
	return &mediaStream{
		conn:           conn,
		log:            log,
		payloadType:    codec.PayloadType(id),
		bytesPerSample: bps,
		remote:         remote,
		seq:            uint16(rand.UintN(1 << 16)),
		ts:             rand.Uint32(),
		ssrc:           rand.Uint32(),
		marker:         true,
		audio:          make(chan []byte, audioQueueSize),
		out:            make(chan []byte, sendQueueSize),
		done:           make(chan struct{}),
	}
}

func (m *mediaStream) start() {
	m.wg.Add(2)
	go m.readLoop()
	go m.sendLoop()
}

// LocalPort is the bound RTP port.
func (m *mediaStream) LocalPort() int {
	return m.conn.LocalAddr().(*net.UDPAddr).Port
}

// Remote returns the current destination of outbound packets.
func (m *mediaStream) Remote() *net.UDPAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Audio delivers inbound payloads. Closed when the stream stops.
func (m *mediaStream) Audio() <-chan []byte { return m.audio }

// Write queues one encoded frame. A full queue drops the frame.
func (m *mediaStream) Write(payload []byte) error {
	select {
	case <-m.done:
		return telephony.ErrCallClosed
	default:
	}
	select {
	case m.out <- payload:
	default:
		m.droppedOut.Add(1)
	}
	return nil
}

// Stats returns packet counters.
func (m *mediaStream) Stats() MediaStats {
	return MediaStats{
		PacketsIn:  m.packetsIn.Load(),
		PacketsOut: m.packetsOut.Load(),
		DroppedIn:  m.droppedIn.Load(),
		DroppedOut: m.droppedOut.Load(),
		ForeignIn:  m.foreignIn.Load(),
	}
}

// close stops both goroutines and releases the socket. Safe to call twice.
func (m *mediaStream) close() {
	m.once.Do(func() {
		close(m.done)
		_ = m.conn.Close()
	})
	m.wg.Wait()
}

func (m *mediaStream) readLoop() {
	defer m.wg.Done()
	defer close(m.audio)

	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.done:
			default:
				if !errors.Is(err, net.ErrClosed) {
					m.log.Warn("rtp read failed", "err", err)
				}
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			m.foreignIn.Add(1)
			continue
		}
		if pkt.PayloadType != m.payloadType {
			// Comfort noise and DTMF events are not audio for this leg.
			m.foreignIn.Add(1)
			continue
		}

		m.mu.Lock()
		if !m.latched {
			m.latched = true
			if m.remote == nil || !m.remote.IP.Equal(from.IP) || m.remote.Port != from.Port {
				m.log.Debug("rtp remote address latched", "addr", from.String())
			}
			m.remote = from
		}
		m.mu.Unlock()

		m.packetsIn.Add(1)
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		select {
		case m.audio <- payload:
		default:
			m.droppedIn.Add(1)
		}
	}
}

func (m *mediaStream) sendLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case payload := <-m.out:
			if err := m.send(payload); err != nil {
				m.log.Debug("rtp send failed", "err", err)
			}
		}
	}
}

func (m *mediaStream) send(payload []byte) error {
	m.mu.Lock()
	remote := m.remote
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			Marker:         m.marker,
			PayloadType:    m.payloadType,
			SequenceNumber: m.seq,
			Timestamp:      m.ts,
			SSRC:           m.ssrc,
		},
		Payload: payload,
	}
	m.marker = false
	m.seq++
	m.ts += uint32(len(payload) / m.bytesPerSample)
	m.mu.Unlock()

	if remote == nil {
		m.droppedOut.Add(1)
		return nil
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("sip: marshal rtp: %w", err)
	}
	if _, err := m.conn.WriteToUDP(raw, remote); err != nil {
		return err
	}
	m.packetsOut.Add(1)
	return nil
}

// listenRTP binds a UDP socket on ip within [minPort, maxPort]. A zero range
// lets the kernel choose.
func listenRTP(ip net.IP, minPort, maxPort int) (*net.UDPConn, error) {
	if minPort <= 0 || maxPort < minPort {
		return net.ListenUDP("udp", &net.UDPAddr{IP: ip})
	}
	span := maxPort - minPort + 1
	start := rand.IntN(span)
	var lastErr error
	for i := range span {
		port := minPort + (start+i)%span
		// RTP conventionally uses even ports, leaving the odd one for RTCP.
		if port%2 != 0 {
			continue
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no even port in range")
	}
	return nil, fmt.Errorf("sip: no free rtp port in %d-%d: %w", minPort, maxPort, lastErr)
}
