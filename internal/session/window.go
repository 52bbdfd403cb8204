package session

import (
	"github.com/wjholden/rtftpd/internal/vfs"
	"github.com/wjholden/rtftpd/internal/wire"
)

// window is the fixed-capacity ring of pre-built DATA datagrams described
// by spec.md §3: capacity = windowSize, each slot sized blockSize+4. Slots
// are filled in ring order, one per consecutive block number, so the
// outstanding blocks base, base+1, ... (mod 2^16) occupy consecutive slots
// even across the wrap from 65535 to 0, and each holds its fully-formed
// DATA datagram until acknowledged. This generalizes original_source/src/peer_handler/
// mod.rs's Window (push_block/buffer/send) from a Rust Vec<Vec<u8>> into Go
// slices with an explicit length table, since Go slices don't distinguish
// "capacity reserved" from "logically truncated" the way Rust's
// `buffer.truncate` does.
type window struct {
	blockSize int
	slots     [][]byte
	lengths   []int
	// head is the slot the next fill writes; lastBlock is the block number
	// most recently filled.
	head      int
	lastBlock uint16
}

func newWindow(blockSize, windowSize int) *window {
	slots := make([][]byte, windowSize)
	for i := range slots {
		slots[i] = make([]byte, blockSize+4)
	}
	return &window{blockSize: blockSize, slots: slots, lengths: make([]int, windowSize)}
}

func (w *window) size() int {
	return len(w.slots)
}

// fill reads the next block_size bytes of file into the next ring slot,
// prefixed with the DATA header for block. Calls must use consecutive block
// numbers. It reports the number of payload bytes read and whether this was
// the terminal block (payload strictly shorter than blockSize, per spec.md
// §3 "Terminal block").
func (w *window) fill(block uint16, file vfs.OpenedFile) (payloadLen int, isLast bool, err error) {
	idx := w.head
	slot := w.slots[idx]
	n, err := file.Read(slot[4 : 4+w.blockSize])
	if err != nil {
		return 0, false, err
	}
	wire.SerializeDataHeader(slot, block)
	w.lengths[idx] = 4 + n
	w.head = (idx + 1) % len(w.slots)
	w.lastBlock = block
	return n, n < w.blockSize, nil
}

// datagram returns the fully-serialized DATA datagram previously built by
// fill for this block number, which must be one of the last windowSize
// blocks filled.
func (w *window) datagram(block uint16) []byte {
	back := int(w.lastBlock - block)
	idx := ((w.head-1-back)%len(w.slots) + len(w.slots)) % len(w.slots)
	return w.slots[idx][:w.lengths[idx]]
}
