package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
	"partymesh/internal/infrastructure/transport/eventq"
	"partymesh/pkg/config"
	"partymesh/pkg/logger"
	"partymesh/pkg/tracing"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrTransportClosed = errors.New("transport closed")

// Config configures the WebRTC transport.
type Config struct {
	Room    domain.RoomID
	Profile domain.Profile

	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	VideoCodec string

	ConnectTimeout     time.Duration
	SignalPollInterval time.Duration
	PLIInterval        time.Duration
	CloseGrace         time.Duration
}

// ConfigFrom maps the application config onto the transport config.
func ConfigFrom(cfg *config.Config, room domain.RoomID, profile domain.Profile) Config {
	out := Config{
		Room:               room,
		Profile:            profile,
		VideoCodec:         cfg.Media.Camera.VideoCodec,
		ConnectTimeout:     cfg.WebRTC.ConnectTimeout,
		SignalPollInterval: cfg.Rendezvous.SignalPollInterval,
		PLIInterval:        cfg.WebRTC.PLIInterval,
		CloseGrace:         cfg.WebRTC.CloseGrace,
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// trackPair holds the shared outgoing tracks for one media kind. Every peer
// connection binds them, so one write reaches every peer.
type trackPair struct {
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP
}

func (p trackPair) forKind(k domain.TrackKind) *webrtc.TrackLocalStaticRTP {
	if k == domain.TrackAudio {
		return p.audio
	}
	return p.video
}

// pump copies one local stream into the shared tracks of its kind while at
// least one link has the kind open.
type pump struct {
	stream ports.LocalStream
	users  int
	stop   chan struct{}
	// paused tracks keep being read but are not written out.
	paused map[domain.TrackKind]*atomic.Bool
}

func newPump(stream ports.LocalStream, users int) *pump {
	return &pump{
		stream: stream,
		users:  users,
		stop:   make(chan struct{}),
		paused: map[domain.TrackKind]*atomic.Bool{
			domain.TrackAudio: new(atomic.Bool),
			domain.TrackVideo: new(atomic.Bool),
		},
	}
}

// Transport establishes one PeerConnection per remote peer. Session
// descriptions travel through the Signaler with ICE gathered up front.
type Transport struct {
	cfg      Config
	api      *webrtc.API
	signaler ports.Signaler
	logger   *zap.SugaredLogger
	tracks   map[domain.MediaKind]trackPair

	self   domain.PeerID
	box    *eventq.Queue
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	links   map[domain.PeerID]*link
	pumps   map[domain.MediaKind]*pump
	started bool
	closed  bool
}

// NewTransport creates a transport. The shared local tracks are created
// here and stay the same for the transport's lifetime.
func NewTransport(cfg Config, signaler ports.Signaler, logger *zap.SugaredLogger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.SignalPollInterval <= 0 {
		cfg.SignalPollInterval = time.Second
	}
	if cfg.PLIInterval <= 0 {
		cfg.PLIInterval = 3 * time.Second
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 2 * time.Second
	}

	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:      cfg,
		api:      api,
		signaler: signaler,
		logger:   logger,
		tracks:   make(map[domain.MediaKind]trackPair),
		links:    make(map[domain.PeerID]*link),
		pumps:    make(map[domain.MediaKind]*pump),
	}

	video := videoCapability(cfg.VideoCodec)
	for _, kind := range []domain.MediaKind{domain.MediaCamera, domain.MediaScreen} {
		// The stream id is the msid that tags the media kind on the far side.
		audio, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			kind.String()+"-audio",
			kind.String(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s audio track: %w", kind, err)
		}
		vid, err := webrtc.NewTrackLocalStaticRTP(video, kind.String()+"-video", kind.String())
		if err != nil {
			return nil, fmt.Errorf("failed to create %s video track: %w", kind, err)
		}
		t.tracks[kind] = trackPair{audio: audio, video: vid}
	}
	return t, nil
}

func newAPI(cfg Config) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

func videoCapability(codec string) webrtc.RTPCodecCapability {
	switch codec {
	case "h264":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}
	case "vp9":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
}

func (t *Transport) Start(ctx context.Context, self domain.PeerID, events chan<- ports.TransportEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.started {
		return ErrTransportClosed
	}
	t.started = true
	t.self = self
	t.box = eventq.New()
	t.ctx, t.cancel = context.WithCancel(ctx)

	go t.box.Pump(t.ctx, events)
	t.wg.Add(1)
	go t.signalLoop()
	return nil
}

func (t *Transport) Dial(ctx context.Context, remote domain.PeerID, profile domain.Profile) error {
	t.mu.Lock()
	if t.closed || !t.started {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if _, ok := t.links[remote]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	l, err := t.newLink(remote, false)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	if !t.register(l, nil) {
		l.discard()
		return nil
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.offer(l, profile)
	}()
	return nil
}

// register adds l unless a link to the same peer exists. replace, when set,
// is the existing link l may displace.
func (t *Transport) register(l *link, replace *link) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if existing, ok := t.links[l.remote]; ok && existing != replace {
		return false
	}
	t.links[l.remote] = l
	return true
}

func (t *Transport) unregister(l *link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[l.remote] == l {
		delete(t.links, l.remote)
	}
}

func (t *Transport) lookup(peer domain.PeerID) *link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[peer]
}

func (t *Transport) offer(l *link, profile domain.Profile) {
	ctx, span := tracing.TraceWebRTC(t.ctx, "offer", string(t.self), string(l.remote))
	var err error
	defer func() { tracing.End(span, err) }()

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.shutdown(err)
		return
	}
	if err = t.setLocal(ctx, l, offer); err != nil {
		l.shutdown(err)
		return
	}

	err = t.signaler.Send(ctx, t.cfg.Room, ports.Signal{
		From:    t.self,
		To:      l.remote,
		Type:    ports.SignalOffer,
		SDP:     l.pc.LocalDescription().SDP,
		Profile: profile,
	})
	if err != nil {
		logger.WithContext(ctx, t.logger).Warnw("failed to send offer", "peer_id", l.remote, "error", err)
		l.shutdown(fmt.Errorf("send offer: %w", err))
		return
	}
	l.armTimeout(t.cfg.ConnectTimeout)
}

// answer accepts an offer. Crossed offers are resolved by the same rule the
// session uses to pick a dialer: the greater peer id's offer wins.
func (t *Transport) answer(sig ports.Signal) {
	ctx, span := tracing.TraceWebRTC(t.ctx, "answer", string(t.self), string(sig.From))
	var err error
	defer func() { tracing.End(span, err) }()

	existing := t.lookup(sig.From)
	if existing != nil && !existing.inbound && existing.isPending() && sig.From.Less(t.self) {
		logger.WithContext(ctx, t.logger).Debugw("ignoring crossed offer", "peer_id", sig.From)
		return
	}

	l, err := t.newLink(sig.From, true)
	if err != nil {
		logger.WithContext(ctx, t.logger).Warnw("failed to create peer connection", "peer_id", sig.From, "error", err)
		return
	}
	l.profile = sig.Profile
	if !t.register(l, existing) {
		l.discard()
		return
	}
	if existing != nil {
		if existing.isPending() {
			existing.discard()
		} else {
			existing.shutdown(domain.ErrLinkClosed)
		}
	}

	if err = l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
		l.shutdown(err)
		return
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		l.shutdown(err)
		return
	}
	if err = t.setLocal(ctx, l, answer); err != nil {
		l.shutdown(err)
		return
	}

	err = t.signaler.Send(ctx, t.cfg.Room, ports.Signal{
		From:    t.self,
		To:      sig.From,
		Type:    ports.SignalAnswer,
		SDP:     l.pc.LocalDescription().SDP,
		Profile: t.cfg.Profile,
	})
	if err != nil {
		logger.WithContext(ctx, t.logger).Warnw("failed to send answer", "peer_id", sig.From, "error", err)
		l.shutdown(fmt.Errorf("send answer: %w", err))
		return
	}
	l.armTimeout(t.cfg.ConnectTimeout)
}

func (t *Transport) acceptAnswer(sig ports.Signal) {
	l := t.lookup(sig.From)
	if l == nil || l.inbound || !l.isPending() {
		t.logger.Debugw("ignoring unexpected answer", "peer_id", sig.From)
		return
	}
	l.setProfile(sig.Profile)
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
		l.shutdown(err)
	}
}

// setLocal applies desc and waits for ICE gathering, so the published
// description carries every candidate.
func (t *Transport) setLocal(ctx context.Context, l *link, desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(desc); err != nil {
		return err
	}
	timer := time.NewTimer(t.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
		return nil
	case <-timer.C:
		return errors.New("ice gathering timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) signalLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SignalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}

		signals, err := t.signaler.Poll(t.ctx, t.cfg.Room, t.self)
		if err != nil {
			if t.ctx.Err() == nil {
				t.logger.Debugw("signal poll failed", "error", err)
			}
			continue
		}
		for _, sig := range signals {
			if sig.To != t.self || sig.From == t.self {
				continue
			}
			switch sig.Type {
			case ports.SignalOffer:
				t.answer(sig)
			case ports.SignalAnswer:
				t.acceptAnswer(sig)
			default:
				t.logger.Debugw("ignoring unknown signal", "peer_id", sig.From, "type", sig.Type)
			}
		}
	}
}

// acquire starts or joins the pump for kind. A different stream for the
// same kind replaces the running pump.
func (t *Transport) acquire(kind domain.MediaKind, stream ports.LocalStream) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := 1
	if old, ok := t.pumps[kind]; ok {
		if old.stream == stream {
			old.users++
			return
		}
		close(old.stop)
		users += old.users
	}
	p := newPump(stream, users)
	t.pumps[kind] = p

	info := stream.Info()
	for i, r := range stream.Readers() {
		if i >= len(info.Tracks) {
			break
		}
		trackKind := info.Tracks[i].Kind
		go t.forward(kind, p, r, p.paused[trackKind], t.tracks[kind].forKind(trackKind))
	}
}

// setTrackEnabled pauses or resumes one track of the running pump. The
// tracks are shared, so this applies to every peer at once.
func (t *Transport) setTrackEnabled(kind domain.MediaKind, track domain.TrackKind, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pumps[kind]
	if !ok {
		return domain.ErrMediaNotAttached
	}
	paused, ok := p.paused[track]
	if !ok {
		return domain.ErrInvalidTrack
	}
	paused.Store(!enabled)
	return nil
}

func (t *Transport) release(kind domain.MediaKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pumps[kind]
	if !ok {
		return
	}
	p.users--
	if p.users <= 0 {
		close(p.stop)
		delete(t.pumps, kind)
	}
}

func (t *Transport) forward(kind domain.MediaKind, p *pump, r ports.RTPReader, paused *atomic.Bool, track *webrtc.TrackLocalStaticRTP) {
	for {
		pkt, err := r.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debugw("local media reader stopped", "kind", kind, "error", err)
			}
			return
		}
		select {
		case <-p.stop:
			return
		default:
		}
		if paused != nil && paused.Load() {
			continue
		}
		if err := track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			t.logger.Debugw("error writing RTP packet to local track", "kind", kind, "error", err)
		}
	}
}

func (t *Transport) push(ev ports.TransportEvent) {
	t.box.Push(ev)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	for kind, p := range t.pumps {
		close(p.stop)
		delete(t.pumps, kind)
	}
	started := t.started
	t.mu.Unlock()

	for _, l := range links {
		l.shutdown(nil)
	}
	if !started {
		return nil
	}
	t.cancel()
	t.wg.Wait()
	t.box.Close()
	return nil
}

var _ ports.Transport = (*Transport)(nil)
