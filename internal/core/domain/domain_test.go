package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoomID(t *testing.T) {
	tests := []struct {
		in      string
		want    RoomID
		wantErr bool
	}{
		{in: "ABCDE", want: "ABCDE"},
		{in: " abcde ", want: "ABCDE"},
		{in: "ABCD", wantErr: true},
		{in: "ABCDEF", wantErr: true},
		{in: "ABCD0", wantErr: true},
		{in: "ABCDI", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRoomID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRoomID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerateRoomID(t *testing.T) {
	for i := 0; i < 50; i++ {
		id, err := GenerateRoomID()
		require.NoError(t, err)
		_, err = ParseRoomID(string(id))
		assert.NoError(t, err, id)
	}
}

func TestPeerID(t *testing.T) {
	id := NewPeerID("ABCDE")
	parsed, err := ParsePeerID(string(id))
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Equal(t, RoomID("ABCDE"), id.Room())

	for _, bad := range []string{"ABCDE", "ABCDE-", "abcde-1234", "ABCDE-12_4", "ABC-1234"} {
		_, err := ParsePeerID(bad)
		assert.ErrorIs(t, err, ErrInvalidPeerID, bad)
	}

	assert.True(t, PeerID("ABCDE-a1").Less("ABCDE-b2"))
	assert.False(t, PeerID("ABCDE-b2").Less("ABCDE-a1"))
}

func TestRole(t *testing.T) {
	assert.True(t, RoleOwner.CanShareScreen())
	assert.True(t, RoleDelegate.CanShareScreen())
	assert.False(t, RoleStandard.CanShareScreen())
	assert.True(t, RoleOwner.CanModerate())
	assert.False(t, RoleDelegate.CanModerate())

	role, err := ParseRole("")
	require.NoError(t, err)
	assert.Equal(t, RoleStandard, role)
	_, err = ParseRole("admin")
	assert.ErrorIs(t, err, ErrInvalidRole)

	data, err := json.Marshal(struct {
		Role  Role         `json:"role"`
		Phase SessionPhase `json:"phase"`
		Kind  MediaKind    `json:"kind"`
	}{RoleDelegate, PhaseActive, MediaScreen})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"delegate","phase":"active","kind":"screen"}`, string(data))

	var back struct {
		Role Role `json:"role"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"role":"owner"}`), &back))
	assert.Equal(t, RoleOwner, back.Role)
	assert.Error(t, json.Unmarshal([]byte(`{"role":"root"}`), &back))
}

func TestSessionSnapshotHelpers(t *testing.T) {
	snap := SessionSnapshot{
		Self:         Participant{ID: "ABCDE-a1"},
		Participants: []Participant{{ID: "ABCDE-b2", Role: RoleDelegate}},
		Connections:  []ConnectionInfo{{Peer: "ABCDE-b2"}},
		Banned:       []PeerID{"ABCDE-c3"},
	}

	self, ok := snap.Participant("ABCDE-a1")
	assert.True(t, ok)
	assert.Equal(t, PeerID("ABCDE-a1"), self.ID)
	other, ok := snap.Participant("ABCDE-b2")
	assert.True(t, ok)
	assert.True(t, other.CanShareScreen())
	_, ok = snap.Participant("ABCDE-zz")
	assert.False(t, ok)

	assert.True(t, snap.ConnectedTo("ABCDE-b2"))
	assert.True(t, snap.IsBanned("ABCDE-c3"))
	assert.False(t, snap.IsBanned("ABCDE-b2"))
}
