package services

import (
	"context"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
	"partymesh/internal/core/protocol"

	"golang.org/x/time/rate"
)

func (s *MeshSession) handleTransportEvent(ev ports.TransportEvent) {
	switch ev.Type {
	case ports.LinkOpened:
		s.onLinkOpened(ev)
	case ports.LinkMessage:
		s.onLinkMessage(ev)
	case ports.LinkClosed:
		s.onLinkClosed(ev)
	case ports.DialFailed:
		s.onDialFailed(ev)
	case ports.RemoteMedia:
		s.onRemoteMedia(ev)
	case ports.RemoteMediaEnded:
		s.onRemoteMediaEnded(ev)
	case ports.RemoteTrackToggled:
		s.onRemoteTrackToggled(ev)
	default:
		s.logger.Debugw("ignoring transport event", "type", ev.Type)
	}
}

func (s *MeshSession) onLinkOpened(ev ports.TransportEvent) {
	link := ev.Link
	peer := link.Remote()
	delete(s.inflight, peer)

	switch {
	case s.state.Status() != domain.StatusJoined, peer == s.cfg.Self, peer.Room() != s.cfg.Room:
		_ = link.Close()
		return
	case s.state.IsBanned(peer):
		s.rejectBanned(link)
		return
	}

	if existing, ok := s.conns[peer]; ok {
		if existing.link != link {
			s.logger.Debugw("closing duplicate connection", "peer_id", peer)
			_ = link.Close()
		}
		return
	}
	if ev.Inbound && s.atCapacity(len(s.conns)) {
		s.logger.Warnw("room full, refusing connection", "peer_id", peer)
		s.metrics.MessageDropped("capacity")
		_ = link.Close()
		return
	}

	direction := domain.DirectionOutbound
	if ev.Inbound {
		direction = domain.DirectionInbound
	}
	now := s.now()
	conn := &connection{
		link:      link,
		direction: direction,
		media:     make(map[domain.MediaKind]bool),
		openedAt:  now,
	}
	s.conns[peer] = conn
	s.limiters[peer] = s.newLimiter()
	s.state.MarkConnected(peer, link.Profile(), now)
	s.metrics.ConnectionOpened(direction)

	s.logger.Infow("peer connected", "peer_id", peer, "direction", direction)
	s.publish(domain.Event{Type: domain.EventPeerConnected, Peer: peer})

	s.catchUp(conn)
	for kind, stream := range s.localMedia {
		s.openMedia(conn, kind, stream)
	}
	for ref := range s.muted {
		if conn.media[ref.Media] {
			s.toggleTrack(conn, ref, false)
		}
	}
}

// catchUp tells a newly connected peer what it missed while it was away.
func (s *MeshSession) catchUp(conn *connection) {
	self := s.state.Self()
	s.sendTo(conn, protocol.PeerInfo{
		Profile: self.Profile,
		Role:    self.Role,
		Phase:   s.state.Phase(),
	})
	if s.state.IsLocalOwner() {
		for _, delegate := range s.state.Delegates() {
			s.sendTo(conn, protocol.Control{Payload: protocol.RoleChange{
				TargetID: delegate,
				NewRole:  domain.RoleDelegate,
			}})
		}
	}
	if s.state.LocalScreen() {
		s.sendTo(conn, protocol.Control{Payload: protocol.ScreenStart{PeerID: s.cfg.Self}})
	}
}

// rejectBanned closes a link from a banned peer. An Owner repeats the kick
// first so the peer learns why.
func (s *MeshSession) rejectBanned(link ports.Link) {
	peer := link.Remote()
	if s.state.IsLocalOwner() {
		if data, err := protocol.Encode(protocol.Control{Payload: protocol.Kick{TargetID: peer}}); err == nil {
			_ = link.Send(data)
		}
	}
	_ = link.Close()
	s.logger.Infow("refused connection from banned peer", "peer_id", peer)
}

func (s *MeshSession) onLinkMessage(ev ports.TransportEvent) {
	conn, ok := s.conns[ev.Peer]
	if !ok || (ev.Link != nil && conn.link != ev.Link) || s.state.Status() != domain.StatusJoined {
		s.metrics.MessageDropped(DropUnknownPeer)
		return
	}
	if limiter := s.limiters[ev.Peer]; limiter != nil && !limiter.Allow() {
		s.metrics.MessageDropped(DropRateLimited)
		return
	}

	msg, err := protocol.Decode(ev.Data)
	if err != nil {
		s.metrics.MessageDropped(DropMalformed)
		s.logger.Debugw("dropped malformed message", "peer_id", ev.Peer, "error", err)
		return
	}
	s.metrics.MessageReceived(messageLabel(msg))

	eff := s.state.Apply(ev.Peer, msg, s.now())
	s.applyEffects(ev.Peer, msg, eff)
}

func (s *MeshSession) applyEffects(from domain.PeerID, msg protocol.Message, eff Effects) {
	if eff.Dropped != "" {
		s.metrics.MessageDropped(eff.Dropped)
		s.logger.Debugw("dropped message",
			"peer_id", from,
			"type", messageLabel(msg),
			"reason", eff.Dropped,
		)
		return
	}

	if eff.Chat != nil {
		chat := *eff.Chat
		s.publish(domain.Event{Type: domain.EventChatReceived, Peer: from, Chat: &chat})
	}
	for _, change := range eff.Changes {
		s.emitChange(change)
	}
	if eff.StopLocalScreen {
		s.forceStopScreen()
	}
	for _, banned := range eff.Banned {
		s.persistBan(banned)
		s.dropPeer(banned, domain.ErrLinkClosed)
	}
	if eff.Removed {
		s.becomeRemoved(from)
	}
}

// forceStopScreen ends the local share after the Owner revoked the permission.
func (s *MeshSession) forceStopScreen() {
	s.detachLocal(domain.MediaScreen)
	s.state.SetLocalScreen(false)
	s.broadcast(protocol.Control{Payload: protocol.ScreenStop{PeerID: s.cfg.Self}})
	s.emitChange(domain.StateChange{
		Kind:   domain.ChangeLocalScreenStop,
		Target: s.cfg.Self,
		Role:   s.state.LocalRole(),
		Phase:  s.state.Phase(),
	})
	s.logger.Infow("screen share stopped, permission revoked")
}

func (s *MeshSession) becomeRemoved(by domain.PeerID) {
	s.logger.Warnw("removed from room", "by", by)

	for kind := range s.localMedia {
		s.detachLocal(kind)
	}
	for peer, conn := range s.conns {
		_ = conn.link.Close()
		s.teardown(peer, domain.ErrRemoved)
	}
	s.inflight = make(map[domain.PeerID]struct{})
	s.stopBackground()

	s.spawn(func() {
		if err := s.transport.Close(); err != nil {
			s.logger.Warnw("failed to close transport", "error", err)
		}
		s.unregister(context.Background())
	})

	s.publish(domain.Event{Type: domain.EventRemoved, Peer: by})
}

func (s *MeshSession) onLinkClosed(ev ports.TransportEvent) {
	conn, ok := s.conns[ev.Peer]
	if !ok || (ev.Link != nil && conn.link != ev.Link) {
		return
	}
	s.teardown(ev.Peer, ev.Err)
}

func (s *MeshSession) onDialFailed(ev ports.TransportEvent) {
	delete(s.inflight, ev.Peer)
	if _, ok := s.conns[ev.Peer]; ok {
		return
	}
	s.state.MarkDisconnected(ev.Peer)

	out := domain.Event{Type: domain.EventPeerDisconnected, Peer: ev.Peer}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	s.logger.Warnw("connection attempt failed", "peer_id", ev.Peer, "error", ev.Err)
	s.publish(out)
}

func (s *MeshSession) onRemoteMedia(ev ports.TransportEvent) {
	if _, ok := s.conns[ev.Peer]; !ok {
		return
	}
	kind := Classify(ev.Info, ev.Tag)
	typ := domain.EventRemoteCameraStream
	if kind == domain.MediaScreen {
		typ = domain.EventRemoteScreenStream
	}
	info := ev.Info
	s.logger.Debugw("remote stream", "peer_id", ev.Peer, "kind", kind, "stream_id", info.ID)
	s.publish(domain.Event{Type: typ, Peer: ev.Peer, Kind: kind, Stream: &info, Remote: ev.Remote})
}

func (s *MeshSession) onRemoteMediaEnded(ev ports.TransportEvent) {
	info := ev.Info
	s.publish(domain.Event{
		Type:   domain.EventRemoteStreamEnded,
		Peer:   ev.Peer,
		Kind:   Classify(info, ev.Tag),
		Stream: &info,
	})
}

func (s *MeshSession) onRemoteTrackToggled(ev ports.TransportEvent) {
	if _, ok := s.conns[ev.Peer]; !ok {
		return
	}
	s.publish(domain.Event{
		Type:  domain.EventRemoteTrackToggled,
		Peer:  ev.Peer,
		Kind:  Classify(ev.Info, ev.Tag),
		Track: &domain.TrackToggle{Kind: ev.Track, Enabled: ev.Enabled},
	})
}

// dropPeer closes the connection to peer, if any, and clears its record.
func (s *MeshSession) dropPeer(peer domain.PeerID, reason error) {
	delete(s.inflight, peer)
	if conn, ok := s.conns[peer]; ok {
		_ = conn.link.Close()
		s.teardown(peer, reason)
	}
}

// teardown removes the connection entry. The transport's own LinkClosed for
// the same link arrives later and finds nothing to do.
func (s *MeshSession) teardown(peer domain.PeerID, reason error) {
	if _, ok := s.conns[peer]; !ok {
		return
	}
	delete(s.conns, peer)
	delete(s.limiters, peer)
	s.state.MarkDisconnected(peer)
	s.metrics.ConnectionClosed()

	ev := domain.Event{Type: domain.EventPeerDisconnected, Peer: peer}
	if reason != nil {
		ev.Error = reason.Error()
	}
	s.logger.Infow("peer disconnected", "peer_id", peer, "reason", reason)
	s.publish(ev)
}

func (s *MeshSession) openMedia(conn *connection, kind domain.MediaKind, stream ports.LocalStream) {
	if err := conn.link.OpenMedia(kind, stream); err != nil {
		s.logger.Warnw("failed to open media channel",
			"peer_id", conn.link.Remote(),
			"kind", kind,
			"error", err,
		)
		return
	}
	conn.media[kind] = true
}

func (s *MeshSession) toggleTrack(conn *connection, ref domain.TrackRef, enabled bool) {
	if err := conn.link.SetTrackEnabled(ref.Media, ref.Track, enabled); err != nil {
		s.logger.Warnw("failed to toggle track",
			"peer_id", conn.link.Remote(),
			"kind", ref.Media,
			"track", ref.Track,
			"error", err,
		)
	}
}

// detachLocal closes every media channel of kind and releases the stream.
// Mutes on kind are forgotten; a new stream starts unmuted.
func (s *MeshSession) detachLocal(kind domain.MediaKind) bool {
	stream, ok := s.localMedia[kind]
	if !ok {
		return false
	}
	delete(s.localMedia, kind)
	for ref := range s.muted {
		if ref.Media == kind {
			delete(s.muted, ref)
		}
	}
	for _, conn := range s.conns {
		if !conn.media[kind] {
			continue
		}
		if err := conn.link.CloseMedia(kind); err != nil {
			s.logger.Debugw("failed to close media channel", "peer_id", conn.link.Remote(), "kind", kind, "error", err)
		}
		delete(conn.media, kind)
	}
	if err := stream.Close(); err != nil {
		s.logger.Debugw("failed to release local stream", "kind", kind, "error", err)
	}
	if kind == domain.MediaScreen {
		s.state.SetLocalScreen(false)
	}
	return true
}

func (s *MeshSession) sendTo(conn *connection, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Errorw("failed to encode message", "type", messageLabel(msg), "error", err)
		return
	}
	if err := conn.link.Send(data); err != nil {
		s.logger.Debugw("send failed", "peer_id", conn.link.Remote(), "error", err)
	}
}

// broadcast sends msg to every open connection. A send that fails is left
// to the transport's close event.
func (s *MeshSession) broadcast(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Errorw("failed to encode message", "type", messageLabel(msg), "error", err)
		return
	}
	for peer, conn := range s.conns {
		if err := conn.link.Send(data); err != nil {
			s.logger.Debugw("send failed", "peer_id", peer, "error", err)
		}
	}
}

func (s *MeshSession) newLimiter() *rate.Limiter {
	if s.cfg.MessageRate <= 0 {
		return nil
	}
	burst := s.cfg.MessageBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.cfg.MessageRate), burst)
}

func messageLabel(msg protocol.Message) string {
	if c, ok := msg.(protocol.Control); ok && c.Payload != nil {
		return string(msg.Type()) + "." + string(c.Kind())
	}
	return string(msg.Type())
}
