package domain

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeer_CloneAndSameState(t *testing.T) {
	p := Peer{
		Address: netip.MustParseAddr("192.168.1.5"),
		Port:    24914,
		Status:  PeerReachable,
		Meta:    []byte("meta"),
	}

	c := p.Clone()
	assert.True(t, p.SameState(c))

	c.Meta[0] = 'M'
	assert.Equal(t, byte('m'), p.Meta[0], "clone must not share metadata")
	assert.False(t, p.SameState(c))

	c = p.Clone()
	c.Status = PeerUnreachable
	assert.False(t, p.SameState(c))
	assert.Equal(t, "192.168.1.5:24914", p.Endpoint().String())
}

func TestUserData_RoundTrip(t *testing.T) {
	u := UserData{Name: "alice", Status: "busy", State: "abc", Avatar: []byte{1, 2, 3}}
	b, err := u.Encode()
	require.NoError(t, err)

	got, err := DecodeUserData(b)
	require.NoError(t, err)
	assert.Equal(t, u, got)

	_, err = UserData{Avatar: make([]byte, MaxAvatarBytes+1)}.Encode()
	assert.Error(t, err)

	_, err = DecodeUserData([]byte("{"))
	assert.Error(t, err)
}

func TestStatusAndKindStrings(t *testing.T) {
	assert.Equal(t, "call_request", StatusCallRequest.String())
	assert.Equal(t, "status_99", Status(99).String())
	assert.Equal(t, "video", MediaVideo.String())
	assert.Equal(t, "unknown", MediaKind(0).String())
}
