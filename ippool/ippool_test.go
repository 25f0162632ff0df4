package ippool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExcludesNetworkAndBroadcast(t *testing.T) {
	p, err := New("192.168.1.0/30")
	require.NoError(t, err)

	// /30 has 4 addresses total, 2 usable host addresses
	assert.Equal(t, 2, p.Free())
}

func TestAllocIsFIFO(t *testing.T) {
	p, err := New("10.0.0.0/29")
	require.NoError(t, err)

	first, err := p.Alloc()
	require.NoError(t, err)

	second, err := p.Alloc()
	require.NoError(t, err)

	assert.NotEqual(t, first.String(), second.String())

	require.NoError(t, p.Release(first))

	// first is now at the back of the queue, so the next alloc is a fresh address
	third, err := p.Alloc()
	require.NoError(t, err)
	assert.NotEqual(t, first.String(), third.String())
}

func TestReleaseFrontReallocatesImmediately(t *testing.T) {
	p, err := New("10.0.0.0/29")
	require.NoError(t, err)

	ip, err := p.Alloc()
	require.NoError(t, err)

	require.NoError(t, p.ReleaseFront(ip))

	reAllocated, err := p.Alloc()
	require.NoError(t, err)
	assert.Equal(t, ip.String(), reAllocated.String())
}

func TestAllocExhausted(t *testing.T) {
	p, err := New("10.0.0.0/30")
	require.NoError(t, err)

	// /30 has 2 usable host addresses: both allocate, the third call fails
	_, err = p.Alloc()
	require.NoError(t, err)

	_, err = p.Alloc()
	require.NoError(t, err)

	_, err = p.Alloc()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestReleaseOfUnallocatedAddressFails(t *testing.T) {
	p, err := New("10.0.0.0/29")
	require.NoError(t, err)

	free, err := p.Alloc()
	require.NoError(t, err)
	require.NoError(t, p.Release(free))

	err = p.Release(free)
	assert.ErrorIs(t, err, ErrNotAllocated)
}

func TestNewRejectsNonIPv4(t *testing.T) {
	_, err := New("2001:db8::/32")
	assert.Error(t, err)
}

func TestNewRejectsSubnetWithNoUsableHosts(t *testing.T) {
	_, err := New("10.0.0.0/32")
	assert.Error(t, err)
}
