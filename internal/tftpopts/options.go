// Package tftpopts negotiates the TFTP options defined by RFC 2347/2348/
// 2349/7440 (blksize, timeout, tsize, windowsize). Out-of-range values are
// silently dropped rather than rejected, per spec.md §4.2 — the same
// clamp-or-default behavior as the teacher's inline switch in
// tftp.TftpNode.handleClient, generalized to windowsize and made table
// driven so each option's range lives in one place.
package tftpopts

import "strconv"

const (
	keyBlksize    = "blksize"
	keyTimeout    = "timeout"
	keyTsize      = "tsize"
	keyWindowSize = "windowsize"

	DefaultBlockSize = 512
	DefaultTimeout   = 5
	DefaultWindow    = 1

	minBlockSize = 8
	maxBlockSize = 65535
	minTimeout   = 1
	maxTimeout   = 255
	minWindow    = 1
	maxWindow    = 65535
)

// Negotiated is the accepted result of option negotiation: values in effect
// for the session, plus which of them were actually echoed in the OACK.
type Negotiated struct {
	BlockSize  int
	Timeout    int
	WindowSize int

	// TSizeRequested is true when the client sent tsize=0 (or any value —
	// spec.md §4.2 only cares that the key was present).
	TSizeRequested bool

	accepted [][2]string
}

// Negotiate parses the client's RRQ options, clamping each recognized key
// into its valid range and dropping it silently (keeping the default) when
// out of range. fileSize/sizeErr supply the value for tsize: if the client
// asked for tsize and sizeErr is non-nil, tsize is dropped from the OACK
// entirely rather than failing the transfer (spec.md §4.2).
func Negotiate(raw map[string]string, fileSize uint64, sizeErr error) Negotiated {
	n := Negotiated{
		BlockSize:  DefaultBlockSize,
		Timeout:    DefaultTimeout,
		WindowSize: DefaultWindow,
	}

	if v, ok := raw[keyBlksize]; ok {
		if parsed, err := strconv.Atoi(v); err == nil && minBlockSize <= parsed && parsed <= maxBlockSize {
			n.BlockSize = parsed
			n.accepted = append(n.accepted, [2]string{keyBlksize, v})
		}
	}
	if v, ok := raw[keyTimeout]; ok {
		if parsed, err := strconv.Atoi(v); err == nil && minTimeout <= parsed && parsed <= maxTimeout {
			n.Timeout = parsed
			n.accepted = append(n.accepted, [2]string{keyTimeout, v})
		}
	}
	if v, ok := raw[keyWindowSize]; ok {
		if parsed, err := strconv.Atoi(v); err == nil && minWindow <= parsed && parsed <= maxWindow {
			n.WindowSize = parsed
			n.accepted = append(n.accepted, [2]string{keyWindowSize, v})
		}
	}
	if _, ok := raw[keyTsize]; ok {
		n.TSizeRequested = true
		if sizeErr == nil {
			n.accepted = append(n.accepted, [2]string{keyTsize, strconv.FormatUint(fileSize, 10)})
		}
	}

	return n
}

// Accepted returns the ordered (name, value) pairs to place in the OACK.
// Empty when no option was accepted, meaning no OACK should be sent at all.
func (n Negotiated) Accepted() [][2]string {
	return n.accepted
}
