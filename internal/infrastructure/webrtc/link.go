package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

const (
	controlLabel = "control"
	noticeLabel  = "media"
)

type linkState int

const (
	linkPending linkState = iota
	linkOpen
	// linkClosing refuses new sends while queued ones drain.
	linkClosing
	linkClosed
)

const drainPollInterval = 10 * time.Millisecond

// notice announces a media kind on the notice channel. Tracks themselves are
// pre-negotiated, so this is what tells the far side a stream is live.
type notice struct {
	Op    string            `json:"op"`
	Kind  domain.MediaKind  `json:"kind"`
	Info  domain.StreamInfo `json:"info"`
	Track domain.TrackKind  `json:"track,omitempty"`
}

const (
	noticeOpen   = "open"
	noticeClose  = "close"
	noticeMute   = "mute"
	noticeUnmute = "unmute"
)

// RemoteStream groups the remote tracks that arrived under one media kind.
type RemoteStream struct {
	Kind domain.MediaKind

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (r *RemoteStream) add(track *webrtc.TrackRemote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = append(r.tracks, track)
}

// Tracks returns the tracks received so far.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

type link struct {
	t       *Transport
	remote  domain.PeerID
	inbound bool
	pc      *webrtc.PeerConnection
	done    chan struct{}

	mu          sync.Mutex
	state       linkState
	profile     domain.Profile
	control     *webrtc.DataChannel
	notices     *webrtc.DataChannel
	controlOpen bool
	noticesOpen bool
	early       []ports.TransportEvent
	media       map[domain.MediaKind]domain.StreamInfo
	streams     map[domain.MediaKind]*RemoteStream
	timer       *time.Timer
}

func (t *Transport) newLink(remote domain.PeerID, inbound bool) (*link, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	l := &link{
		t:       t,
		remote:  remote,
		inbound: inbound,
		pc:      pc,
		done:    make(chan struct{}),
		media:   make(map[domain.MediaKind]domain.StreamInfo),
		streams: make(map[domain.MediaKind]*RemoteStream),
	}

	// Both sides add transceivers in the same order so the m-lines pair up
	// and media can start later without renegotiation.
	for _, kind := range []domain.MediaKind{domain.MediaCamera, domain.MediaScreen} {
		pair := t.tracks[kind]
		for _, track := range []*webrtc.TrackLocalStaticRTP{pair.audio, pair.video} {
			tr, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionSendrecv,
			})
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("failed to add %s transceiver: %w", track.ID(), err)
			}
			go drainSender(tr.Sender())
		}
	}

	pc.OnTrack(l.onTrack)
	pc.OnConnectionStateChange(l.onConnectionState)

	if inbound {
		pc.OnDataChannel(l.onDataChannel)
		return l, nil
	}

	control, err := pc.CreateDataChannel(controlLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create control channel: %w", err)
	}
	notices, err := pc.CreateDataChannel(noticeLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create media channel: %w", err)
	}
	l.bindControl(control)
	l.bindNotices(notices)
	return l, nil
}

func (l *link) Remote() domain.PeerID { return l.remote }

func (l *link) Profile() domain.Profile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profile
}

func (l *link) setProfile(p domain.Profile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profile = p
}

func (l *link) isPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == linkPending
}

func (l *link) armTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != linkPending {
		return
	}
	l.timer = time.AfterFunc(d, func() {
		if l.isPending() {
			l.shutdown(fmt.Errorf("%w: timed out after %s", domain.ErrConnectionFailed, d))
		}
	})
}

func (l *link) onDataChannel(dc *webrtc.DataChannel) {
	switch dc.Label() {
	case controlLabel:
		l.bindControl(dc)
	case noticeLabel:
		l.bindNotices(dc)
	default:
		l.t.logger.Debugw("closing unexpected data channel", "peer_id", l.remote, "label", dc.Label())
		_ = dc.Close()
	}
}

func (l *link) bindControl(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.control = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		l.controlOpen = true
		l.mu.Unlock()
		l.announce()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		l.deliver(ports.TransportEvent{
			Type: ports.LinkMessage,
			Peer: l.remote,
			Link: l,
			Data: append([]byte(nil), msg.Data...),
		})
	})
	dc.OnClose(func() {
		go l.shutdown(domain.ErrLinkClosed)
	})
}

func (l *link) bindNotices(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.notices = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		l.noticesOpen = true
		l.mu.Unlock()
		l.announce()
	})
	dc.OnMessage(l.onNotice)
}

// announce emits LinkOpened once both channels are open, followed by
// anything that arrived while the link was pending.
func (l *link) announce() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != linkPending || !l.controlOpen || !l.noticesOpen {
		return
	}
	l.state = linkOpen
	if l.timer != nil {
		l.timer.Stop()
	}

	l.t.push(ports.TransportEvent{Type: ports.LinkOpened, Peer: l.remote, Link: l, Inbound: l.inbound})
	for _, ev := range l.early {
		l.t.push(ev)
	}
	l.early = nil
	l.t.logger.Infow("peer connection established", "peer_id", l.remote, "inbound", l.inbound)
}

func (l *link) deliver(ev ports.TransportEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case linkPending:
		l.early = append(l.early, ev)
	case linkOpen:
		l.t.push(ev)
	}
}

func (l *link) onNotice(msg webrtc.DataChannelMessage) {
	var n notice
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		l.t.logger.Debugw("dropping malformed media notice", "peer_id", l.remote, "error", err)
		return
	}

	switch n.Op {
	case noticeOpen:
		l.deliver(ports.TransportEvent{
			Type:   ports.RemoteMedia,
			Peer:   l.remote,
			Link:   l,
			Tag:    n.Kind,
			Info:   n.Info,
			Remote: l.stream(n.Kind),
		})
	case noticeClose:
		l.deliver(ports.TransportEvent{
			Type: ports.RemoteMediaEnded,
			Peer: l.remote,
			Link: l,
			Tag:  n.Kind,
			Info: n.Info,
		})
	case noticeMute, noticeUnmute:
		if !n.Track.Valid() {
			l.t.logger.Debugw("dropping track notice without a track", "peer_id", l.remote)
			return
		}
		l.deliver(ports.TransportEvent{
			Type:    ports.RemoteTrackToggled,
			Peer:    l.remote,
			Link:    l,
			Tag:     n.Kind,
			Info:    n.Info,
			Track:   n.Track,
			Enabled: n.Op == noticeUnmute,
		})
	}
}

func (l *link) stream(kind domain.MediaKind) *RemoteStream {
	l.mu.Lock()
	defer l.mu.Unlock()
	rs, ok := l.streams[kind]
	if !ok {
		rs = &RemoteStream{Kind: kind}
		l.streams[kind] = rs
	}
	return rs
}

// onTrack files the track under the kind named by its msid stream id.
func (l *link) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := domain.ParseMediaKind(track.StreamID())
	l.stream(kind).add(track)
	l.t.logger.Debugw("remote track",
		"peer_id", l.remote,
		"kind", kind,
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
	)

	go drainReceiver(receiver)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go l.requestKeyframes(track)
	}
}

// requestKeyframes sends periodic PLIs so late frames decode quickly.
func (l *link) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(l.t.cfg.PLIInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			err := l.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
			if err != nil {
				return
			}
		}
	}
}

func (l *link) onConnectionState(state webrtc.PeerConnectionState) {
	l.t.logger.Debugw("connection state changed", "peer_id", l.remote, "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateFailed:
		go l.shutdown(fmt.Errorf("%w: ice failed", domain.ErrConnectionFailed))
	case webrtc.PeerConnectionStateClosed:
		go l.shutdown(domain.ErrLinkClosed)
	}
}

func (l *link) Send(data []byte) error {
	l.mu.Lock()
	state, dc := l.state, l.control
	l.mu.Unlock()
	if state != linkOpen {
		return domain.ErrLinkClosed
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLinkClosed, err)
	}
	return nil
}

func (l *link) OpenMedia(kind domain.MediaKind, stream ports.LocalStream) error {
	l.mu.Lock()
	if l.state != linkOpen {
		l.mu.Unlock()
		return domain.ErrLinkClosed
	}
	_, already := l.media[kind]
	l.media[kind] = stream.Info()
	l.mu.Unlock()

	if !already {
		l.t.acquire(kind, stream)
	} else {
		l.t.release(kind)
		l.t.acquire(kind, stream)
	}
	return l.sendNotice(notice{Op: noticeOpen, Kind: kind, Info: stream.Info()})
}

func (l *link) CloseMedia(kind domain.MediaKind) error {
	l.mu.Lock()
	if l.state != linkOpen {
		l.mu.Unlock()
		return domain.ErrLinkClosed
	}
	info, ok := l.media[kind]
	delete(l.media, kind)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	l.t.release(kind)
	return l.sendNotice(notice{Op: noticeClose, Kind: kind, Info: info})
}

func (l *link) SetTrackEnabled(kind domain.MediaKind, track domain.TrackKind, enabled bool) error {
	if !track.Valid() {
		return domain.ErrInvalidTrack
	}
	l.mu.Lock()
	if l.state != linkOpen {
		l.mu.Unlock()
		return domain.ErrLinkClosed
	}
	info, ok := l.media[kind]
	l.mu.Unlock()
	if !ok {
		return domain.ErrMediaNotAttached
	}

	if err := l.t.setTrackEnabled(kind, track, enabled); err != nil {
		return err
	}
	op := noticeMute
	if enabled {
		op = noticeUnmute
	}
	return l.sendNotice(notice{Op: op, Kind: kind, Info: info, Track: track})
}

func (l *link) sendNotice(n notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	l.mu.Lock()
	dc := l.notices
	l.mu.Unlock()
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLinkClosed, err)
	}
	return nil
}

// Close stops accepting sends and tears the connection down once the data
// channels have drained, so a message sent just before Close (a kick, say)
// still reaches the peer. A link that never opened is closed at once.
func (l *link) Close() error {
	l.mu.Lock()
	if l.state == linkClosing {
		l.mu.Unlock()
		return nil
	}
	if l.state != linkOpen {
		l.mu.Unlock()
		l.shutdown(nil)
		return nil
	}
	l.state = linkClosing
	channels := []*webrtc.DataChannel{l.control, l.notices}
	l.mu.Unlock()

	go func() {
		l.drain(channels, l.t.cfg.CloseGrace)
		l.shutdown(nil)
	}()
	return nil
}

// drain waits until every channel reports no buffered bytes. SCTP releases
// buffered bytes on acknowledgement, so zero means the peer has them.
func (l *link) drain(channels []*webrtc.DataChannel, grace time.Duration) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		pending := uint64(0)
		for _, dc := range channels {
			if dc != nil {
				pending += dc.BufferedAmount()
			}
		}
		if pending == 0 {
			return
		}
		select {
		case <-l.done:
			return
		case <-deadline.C:
			l.t.logger.Debugw("closing with undelivered data", "peer_id", l.remote, "buffered", pending)
			return
		case <-ticker.C:
		}
	}
}

// shutdown closes the connection once. An open link reports LinkClosed; an
// outbound link that never opened reports DialFailed.
func (l *link) shutdown(err error) {
	prev, ok := l.finish()
	if !ok {
		return
	}
	switch {
	case prev == linkOpen, prev == linkClosing:
		l.t.push(ports.TransportEvent{Type: ports.LinkClosed, Peer: l.remote, Link: l, Err: err})
	case !l.inbound:
		if err == nil {
			err = ErrTransportClosed
		}
		l.t.push(ports.TransportEvent{
			Type: ports.DialFailed,
			Peer: l.remote,
			Err:  fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err),
		})
	}
}

// discard closes the connection without reporting anything.
func (l *link) discard() {
	l.finish()
}

func (l *link) finish() (linkState, bool) {
	l.mu.Lock()
	if l.state == linkClosed {
		l.mu.Unlock()
		return linkClosed, false
	}
	prev := l.state
	l.state = linkClosed
	l.early = nil
	if l.timer != nil {
		l.timer.Stop()
	}
	kinds := make([]domain.MediaKind, 0, len(l.media))
	for kind := range l.media {
		kinds = append(kinds, kind)
	}
	l.media = make(map[domain.MediaKind]domain.StreamInfo)
	l.mu.Unlock()

	close(l.done)
	if err := l.pc.Close(); err != nil {
		l.t.logger.Debugw("error closing peer connection", "peer_id", l.remote, "error", err)
	}
	l.t.unregister(l)
	for _, kind := range kinds {
		l.t.release(kind)
	}
	return prev, true
}

// Interceptors only see RTCP that is read, so both directions are drained.
func drainSender(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainReceiver(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}

var _ ports.Link = (*link)(nil)
