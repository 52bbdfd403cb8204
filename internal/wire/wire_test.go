package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRRQ_Basic(t *testing.T) {
	buf := append([]byte{0, 1}, "file.txt\x00octet\x00"...)
	rrq, perr := ParseRRQ(buf)
	require.Nil(t, perr)
	assert.Equal(t, "file.txt", rrq.Filename)
	assert.Empty(t, rrq.Options)
}

func TestParseRRQ_StripsLeadingSlash(t *testing.T) {
	buf := append([]byte{0, 1}, "/boot/file\x00octet\x00"...)
	rrq, perr := ParseRRQ(buf)
	require.Nil(t, perr)
	assert.Equal(t, "boot/file", rrq.Filename)
}

func TestParseRRQ_Options(t *testing.T) {
	buf := append([]byte{0, 1}, "f\x00octet\x00blksize\x001024\x00timeout\x003\x00"...)
	rrq, perr := ParseRRQ(buf)
	require.Nil(t, perr)
	assert.Equal(t, map[string]string{"blksize": "1024", "timeout": "3"}, rrq.Options)
}

func TestParseRRQ_WrongOpcode(t *testing.T) {
	buf := append([]byte{0xAA}, "octet\x00irrelevant\x00"...)
	_, perr := ParseRRQ(buf)
	require.NotNil(t, perr)
	assert.Equal(t, ErrIllegalOp, perr.Code)
	assert.Contains(t, perr.Message, "Only RRQ is supported")
}

func TestParseRRQ_WrongMode(t *testing.T) {
	buf := append([]byte{0, 1}, "f\x00email\x00irrelevant\x00"...)
	_, perr := ParseRRQ(buf)
	require.NotNil(t, perr)
	assert.Equal(t, ErrUndefined, perr.Code)
	assert.Contains(t, perr.Message, "Only octet mode is supported")
}

func TestParseRRQ_MalformedOptionPair(t *testing.T) {
	buf := append([]byte{0, 1}, "f\x00octet\x00blksize\x00"...)
	_, perr := ParseRRQ(buf)
	require.NotNil(t, perr)
	assert.Equal(t, ErrUndefined, perr.Code)
}

func TestParseRRQ_EmptyFilenameAllowedSyntactically(t *testing.T) {
	buf := append([]byte{0, 1}, "\x00octet\x00"...)
	rrq, perr := ParseRRQ(buf)
	require.Nil(t, perr)
	assert.Equal(t, "", rrq.Filename)
}

func TestParseAckOrError(t *testing.T) {
	ack := ParseAckOrError(SerializeAck(42))
	assert.True(t, ack.Ack)
	assert.Equal(t, uint16(42), ack.Block)

	errDatagram := SerializeError(1, "nope")
	parsed := ParseAckOrError(errDatagram)
	assert.True(t, parsed.IsError)
	assert.Equal(t, uint16(1), parsed.ErrCode)
	assert.Equal(t, "nope", parsed.ErrMessage)

	runt := ParseAckOrError([]byte{0, 4, 0})
	assert.True(t, runt.IsMalformed)
}

func TestSerializeOACK_PreservesOrder(t *testing.T) {
	got := SerializeOACK([][2]string{{"tsize", "512"}, {"blksize", "1024"}})
	want := append([]byte{0, 6}, "tsize\x00512\x00blksize\x001024\x00"...)
	assert.Equal(t, want, got)
}

func TestDataHeaderRoundTrips(t *testing.T) {
	dst := make([]byte, DataHeaderSize+3)
	SerializeDataHeader(dst, 0xFFFE)
	copy(dst[4:], []byte("abc"))
	parsed := ParseAckOrError(dst[:4])
	// Not an ACK/ERROR opcode, so this should be malformed — DATA headers
	// are never fed through ParseAckOrError in production; this just pins
	// down the byte layout.
	assert.True(t, parsed.IsMalformed)
	assert.Equal(t, byte(0), dst[0])
	assert.Equal(t, byte(3), dst[1])
	assert.Equal(t, byte(0xFF), dst[2])
	assert.Equal(t, byte(0xFE), dst[3])
}
