package services

import (
	"sort"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/protocol"
)

// Reasons reported when an inbound message is not applied.
const (
	DropUnauthorized = "unauthorized"
	DropInvalid      = "invalid"
	DropMalformed    = "malformed"
	DropRateLimited  = "rate_limited"
	DropUnknownPeer  = "unknown_peer"
)

// Effects is what the session must do after a message was applied.
type Effects struct {
	Dropped         string
	Changes         []domain.StateChange
	Chat            *domain.ChatMessage
	Banned          []domain.PeerID
	StopLocalScreen bool
	Removed         bool
}

// RoomState is the role/phase/ban state machine. It performs no I/O and is
// owned by the session's event loop.
type RoomState struct {
	self         domain.Participant
	owner        domain.PeerID
	phase        domain.SessionPhase
	status       domain.LocalStatus
	participants map[domain.PeerID]*domain.Participant
	// roles outlives participant records so a reconnecting delegate keeps its role.
	roles           map[domain.PeerID]domain.Role
	bans            map[domain.PeerID]struct{}
	localScreen     bool
	minParticipants int
}

func NewRoomState(self domain.PeerID, profile domain.Profile, role domain.Role, minParticipants int) *RoomState {
	if !role.Valid() {
		role = domain.RoleStandard
	}
	if minParticipants < 1 {
		minParticipants = 2
	}
	st := &RoomState{
		self: domain.Participant{
			ID:         self,
			Profile:    profile,
			Role:       role,
			State:      domain.StateConnected,
			Introduced: true,
		},
		phase:           domain.PhaseLobby,
		status:          domain.StatusIdle,
		participants:    make(map[domain.PeerID]*domain.Participant),
		roles:           make(map[domain.PeerID]domain.Role),
		bans:            make(map[domain.PeerID]struct{}),
		minParticipants: minParticipants,
	}
	if role == domain.RoleOwner {
		st.owner = self
	}
	return st
}

func (s *RoomState) Self() domain.Participant   { return s.self }
func (s *RoomState) LocalRole() domain.Role     { return s.self.Role }
func (s *RoomState) Phase() domain.SessionPhase { return s.phase }
func (s *RoomState) Status() domain.LocalStatus { return s.status }
func (s *RoomState) Owner() domain.PeerID       { return s.owner }
func (s *RoomState) IsLocalOwner() bool         { return s.owner == s.self.ID }

func (s *RoomState) SetStatus(st domain.LocalStatus) { s.status = st }

func (s *RoomState) IsBanned(id domain.PeerID) bool {
	_, ok := s.bans[id]
	return ok
}

// Participant returns a copy of a remote record.
func (s *RoomState) Participant(id domain.PeerID) (domain.Participant, bool) {
	p, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Delegates lists every peer currently holding the delegate role.
func (s *RoomState) Delegates() []domain.PeerID {
	var out []domain.PeerID
	for id, role := range s.roles {
		if role == domain.RoleDelegate {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// IntroducedCount counts participants whose PeerInfo has been recorded, self included.
func (s *RoomState) IntroducedCount() int {
	n := 1
	for _, p := range s.participants {
		if p.Introduced {
			n++
		}
	}
	return n
}

// Ban adds id to the ban list and drops its record. It reports whether id was new.
func (s *RoomState) Ban(id domain.PeerID) bool {
	if _, ok := s.bans[id]; ok {
		return false
	}
	s.bans[id] = struct{}{}
	delete(s.participants, id)
	return true
}

func (s *RoomState) BanList() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(s.bans))
	for id := range s.bans {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// ObserveRoster records a peer seen through discovery. The directory's role
// is an attestation from the room backend and may establish the Owner.
func (s *RoomState) ObserveRoster(entry domain.RosterEntry, now time.Time) []domain.StateChange {
	if entry.PeerID == s.self.ID || s.IsBanned(entry.PeerID) {
		return nil
	}
	p := s.ensure(entry.PeerID, now)
	if !p.Introduced && entry.Profile.DisplayName != "" {
		p.Profile = entry.Profile
	}
	p.LastSeen = now
	if entry.Role == domain.RoleOwner {
		return s.claimOwner(entry.PeerID)
	}
	return nil
}

// PruneUnseen drops discovered-but-unconnected records missing from the roster.
func (s *RoomState) PruneUnseen(seen map[domain.PeerID]struct{}) {
	for id, p := range s.participants {
		if _, ok := seen[id]; ok {
			continue
		}
		if p.State == domain.StateDiscovered {
			delete(s.participants, id)
		}
	}
}

func (s *RoomState) MarkConnecting(id domain.PeerID, now time.Time) {
	p := s.ensure(id, now)
	if p.State != domain.StateConnected {
		p.State = domain.StateConnecting
	}
}

// MarkConnected records the link metadata of a newly opened connection.
func (s *RoomState) MarkConnected(id domain.PeerID, profile domain.Profile, now time.Time) {
	p := s.ensure(id, now)
	p.State = domain.StateConnected
	p.LastSeen = now
	if !p.Introduced && profile.DisplayName != "" {
		p.Profile = profile
	}
}

// MarkDisconnected removes the record of a peer whose connection ended.
func (s *RoomState) MarkDisconnected(id domain.PeerID) {
	delete(s.participants, id)
}

// SetLocalScreen records whether the local screen share is active.
func (s *RoomState) SetLocalScreen(active bool) {
	s.localScreen = active
	s.self.Presenting = active
}

func (s *RoomState) LocalScreen() bool { return s.localScreen }

// StartLocal moves the session to Active on the Owner's request.
func (s *RoomState) StartLocal() (bool, error) {
	if err := s.requireLocalOwner(); err != nil {
		return false, err
	}
	if s.phase == domain.PhaseActive {
		return false, nil
	}
	if s.IntroducedCount() < s.minParticipants {
		return false, domain.ErrNotEnoughParticipants
	}
	s.phase = domain.PhaseActive
	return true, nil
}

// SetRoleLocal is the Owner granting or revoking the delegate role.
func (s *RoomState) SetRoleLocal(target domain.PeerID, role domain.Role) (bool, error) {
	if err := s.requireLocalOwner(); err != nil {
		return false, err
	}
	if role != domain.RoleDelegate && role != domain.RoleStandard {
		return false, domain.ErrInvalidRole
	}
	if target == s.self.ID {
		return false, domain.ErrInvalidTarget
	}
	if _, ok := s.participants[target]; !ok {
		return false, domain.ErrPeerNotFound
	}
	return s.setRole(target, role), nil
}

// BanLocal is the Owner removing a participant.
func (s *RoomState) BanLocal(target domain.PeerID) (bool, error) {
	if err := s.requireLocalOwner(); err != nil {
		return false, err
	}
	if target == s.self.ID {
		return false, domain.ErrInvalidTarget
	}
	if _, ok := s.participants[target]; !ok && !s.IsBanned(target) {
		return false, domain.ErrPeerNotFound
	}
	return s.Ban(target), nil
}

// Apply interprets one inbound message from a connected peer.
func (s *RoomState) Apply(from domain.PeerID, msg protocol.Message, now time.Time) Effects {
	if s.status == domain.StatusRemoved {
		return Effects{Dropped: DropInvalid}
	}
	switch m := msg.(type) {
	case protocol.PeerInfo:
		return s.applyPeerInfo(from, m, now)
	case protocol.Chat:
		return s.applyChat(from, m)
	case protocol.Control:
		return s.applyControl(from, m, now)
	}
	return Effects{Dropped: DropMalformed}
}

func (s *RoomState) applyPeerInfo(from domain.PeerID, m protocol.PeerInfo, now time.Time) Effects {
	var eff Effects
	p := s.ensure(from, now)
	if m.Profile.DisplayName != "" {
		p.Profile = m.Profile
	}
	p.Introduced = true
	p.LastSeen = now

	if m.Role == domain.RoleOwner {
		eff.Changes = append(eff.Changes, s.claimOwner(from)...)
	}
	if from == s.owner && m.Phase == domain.PhaseActive && s.phase == domain.PhaseLobby {
		s.phase = domain.PhaseActive
		eff.Changes = append(eff.Changes, domain.StateChange{Kind: domain.ChangePhase, Phase: s.phase})
	}
	return eff
}

func (s *RoomState) applyChat(from domain.PeerID, m protocol.Chat) Effects {
	chat, err := protocol.NewChat(m.DisplayName, m.Text, m.SentAt())
	if err != nil {
		return Effects{Dropped: DropMalformed}
	}
	name := chat.DisplayName
	if name == "" {
		if p, ok := s.participants[from]; ok {
			name = p.Profile.DisplayName
		}
	}
	return Effects{Chat: &domain.ChatMessage{
		From:        from,
		DisplayName: name,
		Text:        chat.Text,
		SentAt:      chat.SentAt(),
	}}
}

func (s *RoomState) applyControl(from domain.PeerID, m protocol.Control, now time.Time) Effects {
	switch p := m.Payload.(type) {
	case protocol.ScreenStart:
		return s.applyPresenting(from, p.PeerID, true)
	case protocol.ScreenStop:
		return s.applyPresenting(from, p.PeerID, false)
	}

	// Everything below is permission-bearing.
	if s.owner == "" || from != s.owner {
		return Effects{Dropped: DropUnauthorized}
	}

	switch p := m.Payload.(type) {
	case protocol.SessionStart:
		if s.phase == domain.PhaseActive {
			return Effects{}
		}
		s.phase = domain.PhaseActive
		return Effects{Changes: []domain.StateChange{{Kind: domain.ChangePhase, Phase: s.phase}}}

	case protocol.RoleChange:
		if p.NewRole != domain.RoleDelegate && p.NewRole != domain.RoleStandard {
			return Effects{Dropped: DropInvalid}
		}
		return s.applyRole(p.TargetID, p.NewRole)

	case protocol.ScreenPermission:
		role := domain.RoleStandard
		if p.CanShare {
			role = domain.RoleDelegate
		}
		return s.applyRole(p.TargetID, role)

	case protocol.Kick:
		return s.applyKick(p.TargetID)
	}
	return Effects{Dropped: DropMalformed}
}

func (s *RoomState) applyRole(target domain.PeerID, role domain.Role) Effects {
	if target == "" || target == s.owner {
		return Effects{}
	}
	if !s.setRole(target, role) {
		return Effects{}
	}
	eff := Effects{Changes: []domain.StateChange{{
		Kind:   domain.ChangeRole,
		Target: target,
		Role:   role,
		Phase:  s.phase,
	}}}
	if target == s.self.ID && !role.CanShareScreen() && s.localScreen {
		eff.StopLocalScreen = true
	}
	return eff
}

func (s *RoomState) applyKick(target domain.PeerID) Effects {
	if target == "" || target == s.owner {
		return Effects{Dropped: DropInvalid}
	}
	if target == s.self.ID {
		s.status = domain.StatusRemoved
		s.localScreen = false
		s.self.Presenting = false
		return Effects{Removed: true}
	}
	if !s.Ban(target) {
		return Effects{}
	}
	return Effects{
		Banned:  []domain.PeerID{target},
		Changes: []domain.StateChange{{Kind: domain.ChangeBanned, Target: target, Phase: s.phase}},
	}
}

func (s *RoomState) applyPresenting(from, subject domain.PeerID, presenting bool) Effects {
	if subject == "" {
		subject = from
	}
	if subject != from {
		return Effects{Dropped: DropInvalid}
	}
	p, ok := s.participants[from]
	if !ok || p.Presenting == presenting {
		return Effects{}
	}
	p.Presenting = presenting
	return Effects{Changes: []domain.StateChange{{
		Kind:       domain.ChangePresenting,
		Target:     from,
		Presenting: presenting,
		Phase:      s.phase,
	}}}
}

// setRole applies last-write-wins and reports whether anything changed.
func (s *RoomState) setRole(target domain.PeerID, role domain.Role) bool {
	if target == s.self.ID {
		if s.self.Role == role || s.self.Role == domain.RoleOwner {
			return false
		}
		s.self.Role = role
		return true
	}
	current, known := s.roles[target]
	if !known {
		current = domain.RoleStandard
		if p, ok := s.participants[target]; ok {
			current = p.Role
		}
	}
	s.roles[target] = role
	if p, ok := s.participants[target]; ok {
		p.Role = role
	}
	return current != role
}

// claimOwner accepts the first Owner claim for the room and ignores the rest.
func (s *RoomState) claimOwner(id domain.PeerID) []domain.StateChange {
	if s.owner != "" {
		return nil
	}
	s.owner = id
	s.roles[id] = domain.RoleOwner
	if p, ok := s.participants[id]; ok {
		p.Role = domain.RoleOwner
	}
	return []domain.StateChange{{Kind: domain.ChangeRole, Target: id, Role: domain.RoleOwner, Phase: s.phase}}
}

func (s *RoomState) ensure(id domain.PeerID, now time.Time) *domain.Participant {
	p, ok := s.participants[id]
	if ok {
		return p
	}
	role, known := s.roles[id]
	if !known {
		role = domain.RoleStandard
	}
	p = &domain.Participant{
		ID:       id,
		Role:     role,
		State:    domain.StateDiscovered,
		LastSeen: now,
	}
	s.participants[id] = p
	return p
}

func (s *RoomState) requireLocalOwner() error {
	if s.status == domain.StatusRemoved {
		return domain.ErrRemoved
	}
	if !s.IsLocalOwner() {
		return domain.ErrNotOwner
	}
	return nil
}

// Snapshot copies the tables for external readers.
func (s *RoomState) Snapshot(room domain.RoomID) domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		Room:         room,
		Self:         s.self,
		Phase:        s.phase,
		Status:       s.status,
		Owner:        s.owner,
		Participants: make([]domain.Participant, 0, len(s.participants)),
		Banned:       s.BanList(),
	}
	for _, p := range s.participants {
		snap.Participants = append(snap.Participants, *p)
	}
	sort.Slice(snap.Participants, func(i, j int) bool {
		return snap.Participants[i].ID.Less(snap.Participants[j].ID)
	})
	return snap
}
