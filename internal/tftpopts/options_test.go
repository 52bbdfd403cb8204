package tftpopts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNegotiate_Defaults(t *testing.T) {
	n := Negotiate(map[string]string{}, 0, nil)
	assert.Equal(t, DefaultBlockSize, n.BlockSize)
	assert.Equal(t, DefaultTimeout, n.Timeout)
	assert.Equal(t, DefaultWindow, n.WindowSize)
	assert.Empty(t, n.Accepted())
}

func TestNegotiate_OutOfRangeDroppedKeepsDefault(t *testing.T) {
	raw := map[string]string{
		"blksize":    "65536",
		"timeout":    "300",
		"windowsize": "0",
		"tsize":      "0",
	}
	n := Negotiate(raw, 4096, nil)
	assert.Equal(t, DefaultBlockSize, n.BlockSize)
	assert.Equal(t, DefaultTimeout, n.Timeout)
	assert.Equal(t, DefaultWindow, n.WindowSize)
	assert.Equal(t, [][2]string{{"tsize", "4096"}}, n.Accepted())
}

func TestNegotiate_AllAccepted(t *testing.T) {
	raw := map[string]string{
		"blksize":    "100",
		"timeout":    "1",
		"windowsize": "3",
	}
	n := Negotiate(raw, 0, nil)
	assert.Equal(t, 100, n.BlockSize)
	assert.Equal(t, 1, n.Timeout)
	assert.Equal(t, 3, n.WindowSize)
	assert.ElementsMatch(t, [][2]string{
		{"blksize", "100"}, {"timeout", "1"}, {"windowsize", "3"},
	}, n.Accepted())
}

func TestNegotiate_TSizeDroppedOnSizeError(t *testing.T) {
	n := Negotiate(map[string]string{"tsize": "0"}, 0, errors.New("stat failed"))
	assert.True(t, n.TSizeRequested)
	assert.Empty(t, n.Accepted())
}

func TestNegotiate_NonNumericIgnored(t *testing.T) {
	n := Negotiate(map[string]string{"blksize": "nope"}, 0, nil)
	assert.Equal(t, DefaultBlockSize, n.BlockSize)
	assert.Empty(t, n.Accepted())
}
