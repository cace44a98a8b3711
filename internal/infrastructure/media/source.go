package media

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
	"partymesh/pkg/config"

	"github.com/pion/rtp"
)

const maxPacketSize = 1500 // MTU

var ErrSourceClosed = errors.New("media source closed")

// UDPSource receives RTP on one UDP socket per track, e.g. from
// `ffmpeg ... -f rtp rtp://127.0.0.1:5004`.
type UDPSource struct {
	info    domain.StreamInfo
	conns   []net.PacketConn
	readers []ports.RTPReader
	err     error

	closeOnce sync.Once
}

// NewUDPSource binds one socket per track in info.Tracks order. Bind
// failures are reported by Validate so the caller sees a device error.
func NewUDPSource(info domain.StreamInfo, addrs []string) *UDPSource {
	s := &UDPSource{info: info}
	if len(addrs) != len(info.Tracks) {
		s.err = fmt.Errorf("%d tracks but %d addresses", len(info.Tracks), len(addrs))
		return s
	}
	for _, addr := range addrs {
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			s.err = fmt.Errorf("listen %s: %w", addr, err)
			s.Close()
			return s
		}
		s.conns = append(s.conns, conn)
		s.readers = append(s.readers, &udpReader{conn: conn, buf: make([]byte, maxPacketSize)})
	}
	return s
}

// FromConfig builds the source for kind from its configured addresses.
// Only addresses that are set produce tracks.
func FromConfig(kind domain.MediaKind, cfg config.MediaSource) *UDPSource {
	info := domain.StreamInfo{ID: kind.String()}
	var addrs []string
	if cfg.AudioAddress != "" {
		info.Tracks = append(info.Tracks, domain.TrackInfo{
			ID:    kind.String() + "-audio",
			Kind:  domain.TrackAudio,
			Label: cfg.Label,
		})
		addrs = append(addrs, cfg.AudioAddress)
	}
	if cfg.VideoAddress != "" {
		info.Tracks = append(info.Tracks, domain.TrackInfo{
			ID:             kind.String() + "-video",
			Kind:           domain.TrackVideo,
			Label:          cfg.Label,
			DisplaySurface: cfg.DisplaySurface,
			Width:          cfg.Width,
			Height:         cfg.Height,
		})
		addrs = append(addrs, cfg.VideoAddress)
	}
	return NewUDPSource(info, addrs)
}

func (s *UDPSource) Info() domain.StreamInfo    { return s.info }
func (s *UDPSource) Readers() []ports.RTPReader { return s.readers }

// Addrs returns the bound local addresses, useful when binding to port 0.
func (s *UDPSource) Addrs() []net.Addr {
	out := make([]net.Addr, len(s.conns))
	for i, c := range s.conns {
		out[i] = c.LocalAddr()
	}
	return out
}

func (s *UDPSource) Validate() error {
	if s.err != nil {
		return s.err
	}
	if len(s.info.Tracks) == 0 {
		return fmt.Errorf("no tracks configured for %s", s.info.ID)
	}
	return nil
}

func (s *UDPSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, c := range s.conns {
			err = errors.Join(err, c.Close())
		}
	})
	return err
}

type udpReader struct {
	conn net.PacketConn
	buf  []byte
}

// ReadRTP skips datagrams that are not RTP. It returns io.EOF once the
// socket is closed.
func (r *udpReader) ReadRTP() (*rtp.Packet, error) {
	for {
		n, _, err := r.conn.ReadFrom(r.buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, io.EOF
			}
			return nil, err
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(r.buf[:n]); err != nil {
			continue
		}
		// Unmarshal aliases the buffer.
		pkt.Payload = append([]byte(nil), pkt.Payload...)
		return pkt, nil
	}
}

// StaticSource replays a fixed set of packets per track, then reports
// io.EOF. It stands in for capture devices in tests and demos.
type StaticSource struct {
	info    domain.StreamInfo
	readers []ports.RTPReader
	err     error
	closed  chan struct{}
	once    sync.Once
}

// NewStaticSource pairs packets[i] with info.Tracks[i].
func NewStaticSource(info domain.StreamInfo, packets ...[]*rtp.Packet) *StaticSource {
	s := &StaticSource{info: info, closed: make(chan struct{})}
	for i := range info.Tracks {
		var pkts []*rtp.Packet
		if i < len(packets) {
			pkts = packets[i]
		}
		s.readers = append(s.readers, &staticReader{packets: pkts, closed: s.closed})
	}
	return s
}

// WithError makes Validate fail, as a denied capture would.
func (s *StaticSource) WithError(err error) *StaticSource {
	s.err = err
	return s
}

func (s *StaticSource) Info() domain.StreamInfo    { return s.info }
func (s *StaticSource) Readers() []ports.RTPReader { return s.readers }

func (s *StaticSource) Validate() error {
	if s.err != nil {
		return s.err
	}
	if len(s.info.Tracks) == 0 {
		return fmt.Errorf("no tracks in %s", s.info.ID)
	}
	return nil
}

func (s *StaticSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (s *StaticSource) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type staticReader struct {
	mu      sync.Mutex
	packets []*rtp.Packet
	closed  chan struct{}
}

func (r *staticReader) ReadRTP() (*rtp.Packet, error) {
	select {
	case <-r.closed:
		return nil, ErrSourceClosed
	default:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.packets) == 0 {
		return nil, io.EOF
	}
	pkt := r.packets[0]
	r.packets = r.packets[1:]
	return pkt, nil
}

var (
	_ ports.LocalStream = (*UDPSource)(nil)
	_ ports.LocalStream = (*StaticSource)(nil)
)
