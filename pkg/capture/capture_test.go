package capture

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avaneesh/lapd-go/pkg/frame"
)

func TestPseudoHeader(t *testing.T) {
	h := PseudoHeader(frame.RoleNetwork, true)
	assert.Equal(t, []byte{
		0x00, 0x04, // outgoing
		0x20, 0xFD, // ARPHRD_LAPD
		0x00, 0x01, // address length
		0x01, 0, 0, 0, 0, 0, 0, 0, // network side
		0x00, 0x30, // ETH_P_LAPD
	}, h[:])

	h = PseudoHeader(frame.RoleUser, false)
	assert.Equal(t, []byte{0x00, 0x00}, h[0:2])
	assert.Equal(t, byte(0), h[6])
}

func TestWriter_RoundTrip(t *testing.T) {
	var out bytes.Buffer
	w, err := NewWriter(&out)
	require.NoError(t, err)
	w.now = func() time.Time { return time.Unix(1700000000, 0) }

	sabme, err := frame.NewU(0, 64, false, frame.SABME, true, nil).Serialize()
	require.NoError(t, err)
	ua, err := frame.NewU(0, 64, false, frame.UA, true, nil).Serialize()
	require.NoError(t, err)

	tap := w.Tap(frame.RoleUser)
	tap(true, sabme)
	tap(false, ua)
	require.NoError(t, w.Close())
	assert.Equal(t, uint64(2), w.Packets())
	assert.ErrorIs(t, w.WriteFrame(frame.RoleUser, true, ua), ErrClosed)

	r, err := pcapgo.NewReader(&out)
	require.NoError(t, err)
	assert.Equal(t, LinkTypeLinuxLAPD, r.LinkType())

	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ci.Timestamp.Unix())
	require.Len(t, data, HeaderSize+len(sabme))
	assert.Equal(t, []byte{0x00, 0x04}, data[0:2])
	assert.Equal(t, sabme, data[HeaderSize:])

	data, _, err = r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, data[0:2])
	assert.Equal(t, ua, data[HeaderSize:])

	_, _, err = r.ReadPacketData()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lapd.pcap")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(frame.RoleNetwork, false, []byte{0x00, 0x81, 0x7F}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	// File header, packet header, pseudo-header and frame
	assert.Equal(t, int64(24+16+HeaderSize+3), info.Size())
}
