package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
	"partymesh/internal/infrastructure/transport/eventq"
)

var ErrTransportClosed = errors.New("transport closed")

// Network connects in-process transports by peer id.
type Network struct {
	mu        sync.Mutex
	endpoints map[domain.PeerID]*Transport

	// Untagged hides media tags so receivers fall back to classification.
	Untagged bool
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[domain.PeerID]*Transport)}
}

func (n *Network) endpoint(id domain.PeerID) (*Transport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.endpoints[id]
	return t, ok
}

func (n *Network) join(t *Transport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[t.self]; ok {
		return fmt.Errorf("endpoint %s already attached", t.self)
	}
	n.endpoints[t.self] = t
	return nil
}

func (n *Network) leave(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[t.self] == t {
		delete(n.endpoints, t.self)
	}
}

// Transport is one endpoint on a Network.
type Transport struct {
	network *Network
	profile domain.Profile
	self    domain.PeerID
	box     *eventq.Queue

	mu     sync.Mutex
	links  map[*link]struct{}
	closed bool
}

// NewTransport creates an endpoint that answers with profile.
func NewTransport(network *Network, profile domain.Profile) *Transport {
	return &Transport{
		network: network,
		profile: profile,
		links:   make(map[*link]struct{}),
	}
}

func (t *Transport) Start(ctx context.Context, self domain.PeerID, events chan<- ports.TransportEvent) error {
	t.mu.Lock()
	if t.closed || t.box != nil {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.self = self
	t.box = eventq.New()
	t.mu.Unlock()

	if err := t.network.join(t); err != nil {
		return err
	}
	go t.box.Pump(ctx, events)
	return nil
}

func (t *Transport) Dial(ctx context.Context, remote domain.PeerID, profile domain.Profile) error {
	t.mu.Lock()
	closed := t.closed || t.box == nil
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	go t.dial(remote, profile)
	return nil
}

func (t *Transport) dial(remote domain.PeerID, profile domain.Profile) {
	far, ok := t.network.endpoint(remote)
	if !ok || far == t {
		t.box.Push(ports.TransportEvent{
			Type: ports.DialFailed,
			Peer: remote,
			Err:  fmt.Errorf("%w: %s unreachable", domain.ErrConnectionFailed, remote),
		})
		return
	}

	local := &link{owner: t, remote: remote, profile: far.profile, media: make(map[domain.MediaKind]ports.LocalStream)}
	inbound := &link{owner: far, remote: t.self, profile: profile, media: make(map[domain.MediaKind]ports.LocalStream)}
	local.peer, inbound.peer = inbound, local

	if !far.attach(inbound) {
		t.box.Push(ports.TransportEvent{
			Type: ports.DialFailed,
			Peer: remote,
			Err:  fmt.Errorf("%w: %s closed", domain.ErrConnectionFailed, remote),
		})
		return
	}
	if !t.attach(local) {
		far.detach(inbound)
		return
	}

	// Both sides must see LinkOpened before either can see a message.
	eventq.PushPair(
		t.box, ports.TransportEvent{Type: ports.LinkOpened, Peer: remote, Link: local},
		far.box, ports.TransportEvent{Type: ports.LinkOpened, Peer: t.self, Link: inbound, Inbound: true},
	)
}

func (t *Transport) attach(l *link) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.links[l] = struct{}{}
	return true
}

func (t *Transport) detach(l *link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.links, l)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*link, 0, len(t.links))
	for l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	t.network.leave(t)
	for _, l := range links {
		_ = l.Close()
	}
	if t.box != nil {
		t.box.Close()
	}
	return nil
}

type link struct {
	owner   *Transport
	remote  domain.PeerID
	profile domain.Profile
	peer    *link

	mu     sync.Mutex
	closed bool
	media  map[domain.MediaKind]ports.LocalStream
}

func (l *link) Remote() domain.PeerID   { return l.remote }
func (l *link) Profile() domain.Profile { return l.profile }

func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *link) Send(data []byte) error {
	if l.isClosed() {
		return domain.ErrLinkClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	l.peer.owner.box.Push(ports.TransportEvent{
		Type: ports.LinkMessage,
		Peer: l.owner.self,
		Link: l.peer,
		Data: buf,
	})
	return nil
}

func (l *link) OpenMedia(kind domain.MediaKind, stream ports.LocalStream) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return domain.ErrLinkClosed
	}
	l.media[kind] = stream
	l.mu.Unlock()

	l.peer.owner.box.Push(ports.TransportEvent{
		Type:   ports.RemoteMedia,
		Peer:   l.owner.self,
		Link:   l.peer,
		Tag:    l.tag(kind),
		Info:   stream.Info(),
		Remote: stream,
	})
	return nil
}

func (l *link) CloseMedia(kind domain.MediaKind) error {
	l.mu.Lock()
	stream, ok := l.media[kind]
	delete(l.media, kind)
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return domain.ErrLinkClosed
	}
	if !ok {
		return nil
	}

	l.peer.owner.box.Push(ports.TransportEvent{
		Type: ports.RemoteMediaEnded,
		Peer: l.owner.self,
		Link: l.peer,
		Tag:  l.tag(kind),
		Info: stream.Info(),
	})
	return nil
}

func (l *link) SetTrackEnabled(kind domain.MediaKind, track domain.TrackKind, enabled bool) error {
	if !track.Valid() {
		return domain.ErrInvalidTrack
	}
	l.mu.Lock()
	stream, ok := l.media[kind]
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return domain.ErrLinkClosed
	}
	if !ok {
		return domain.ErrMediaNotAttached
	}

	l.peer.owner.box.Push(ports.TransportEvent{
		Type:    ports.RemoteTrackToggled,
		Peer:    l.owner.self,
		Link:    l.peer,
		Tag:     l.tag(kind),
		Info:    stream.Info(),
		Track:   track,
		Enabled: enabled,
	})
	return nil
}

func (l *link) tag(kind domain.MediaKind) domain.MediaKind {
	if l.owner.network.Untagged {
		return domain.MediaUnknown
	}
	return kind
}

// Close shuts both ends. Each owner gets one LinkClosed.
func (l *link) Close() error {
	if !l.markClosed() {
		return nil
	}
	l.peer.markClosed()

	l.owner.detach(l)
	l.peer.owner.detach(l.peer)

	l.owner.box.Push(ports.TransportEvent{Type: ports.LinkClosed, Peer: l.remote, Link: l})
	l.peer.owner.box.Push(ports.TransportEvent{Type: ports.LinkClosed, Peer: l.peer.remote, Link: l.peer})
	return nil
}

func (l *link) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	return true
}

var (
	_ ports.Transport = (*Transport)(nil)
	_ ports.Link      = (*link)(nil)
)
