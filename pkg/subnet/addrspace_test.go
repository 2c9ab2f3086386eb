package subnet

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRange_ExcludesNetworkBroadcastAndSelf(t *testing.T) {
	tests := []struct {
		name   string
		self   string
		prefix int
	}{
		{name: "slash 30", self: "192.168.50.1", prefix: 30},
		{name: "slash 29", self: "10.0.0.5", prefix: 29},
		{name: "slash 24", self: "192.168.1.77", prefix: 24},
		{name: "slash 22", self: "172.16.3.254", prefix: 22},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			self := netip.MustParseAddr(tt.self)
			r, err := NewRange(self, tt.prefix)
			require.NoError(t, err)

			hosts := r.Hosts()
			expected := (1 << (32 - tt.prefix)) - 2 - 1
			assert.Equal(t, expected, r.Size())
			assert.Len(t, hosts, expected)

			seen := make(map[netip.Addr]bool, len(hosts))
			for _, h := range hosts {
				assert.NotEqual(t, r.Network, h)
				assert.NotEqual(t, r.Broadcast, h)
				assert.NotEqual(t, self, h)
				assert.True(t, r.Prefix.Contains(h))
				assert.False(t, seen[h], "duplicate host %s", h)
				seen[h] = true
			}
		})
	}
}

func TestNewRange_Slash30(t *testing.T) {
	r, err := NewRange(netip.MustParseAddr("192.168.50.1"), 30)
	require.NoError(t, err)

	assert.Equal(t, netip.MustParseAddr("192.168.50.0"), r.Network)
	assert.Equal(t, netip.MustParseAddr("192.168.50.3"), r.Broadcast)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.168.50.2")}, r.Hosts())
}

func TestNewRange_SelfOutsideHostSpan(t *testing.T) {
	// A network address configured on an interface is not a host, so
	// nothing is subtracted for it.
	r, err := NewRange(netip.MustParseAddr("10.1.1.0"), 30)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Size())
	assert.Len(t, r.Hosts(), 2)
}

func TestNewRange_TinyPrefixes(t *testing.T) {
	for _, prefix := range []int{31, 32} {
		r, err := NewRange(netip.MustParseAddr("192.168.0.1"), prefix)
		require.NoError(t, err)
		assert.Zero(t, r.Size())
		assert.Empty(t, r.Hosts())
	}
}

func TestNewRange_Errors(t *testing.T) {
	_, err := NewRange(netip.MustParseAddr("fe80::1"), 64)
	assert.ErrorIs(t, err, ErrNotIPv4)

	_, err = NewRange(netip.MustParseAddr("192.168.0.1"), 33)
	assert.ErrorIs(t, err, ErrInvalidPrefix)

	_, err = NewRange(netip.MustParseAddr("192.168.0.1"), -1)
	assert.ErrorIs(t, err, ErrInvalidPrefix)
}

func TestRange_EachStopsEarly(t *testing.T) {
	r, err := NewRange(netip.MustParseAddr("192.168.1.1"), 24)
	require.NoError(t, err)

	count := 0
	r.Each(func(netip.Addr) bool {
		count++
		return count < 5
	})
	assert.Equal(t, 5, count)
}

func TestRange_Contains(t *testing.T) {
	r, err := NewRange(netip.MustParseAddr("192.168.1.10"), 24)
	require.NoError(t, err)

	assert.True(t, r.Contains(netip.MustParseAddr("192.168.1.20")))
	assert.False(t, r.Contains(netip.MustParseAddr("192.168.1.10")))
	assert.False(t, r.Contains(netip.MustParseAddr("192.168.1.0")))
	assert.False(t, r.Contains(netip.MustParseAddr("192.168.1.255")))
	assert.False(t, r.Contains(netip.MustParseAddr("192.168.2.1")))
}

func TestIsSiteLocal(t *testing.T) {
	assert.True(t, IsSiteLocal(netip.MustParseAddr("10.2.3.4")))
	assert.True(t, IsSiteLocal(netip.MustParseAddr("172.20.0.1")))
	assert.True(t, IsSiteLocal(netip.MustParseAddr("192.168.0.9")))
	assert.False(t, IsSiteLocal(netip.MustParseAddr("8.8.8.8")))
	assert.False(t, IsSiteLocal(netip.MustParseAddr("127.0.0.1")))
	assert.False(t, IsSiteLocal(netip.MustParseAddr("fd00::1")))
}
