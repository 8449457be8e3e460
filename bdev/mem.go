package bdev

import (
	"sync"

	"github.com/pkg/errors"
)

// A simple malloc-style base device backed by a flat byte slice. Completes
// requests inline unless held; Hold/Release let tests keep completions
// outstanding to build up queue depth.
type MemDevice struct {
	mu   sync.Mutex
	data []byte

	hold bool
	held []heldRequest
}

type heldRequest struct {
	req    *Request
	status Status
}

// NewMemDevice constructs and registers an in-memory base device.
func NewMemDevice(name string, blockSize, blockCount uint64) (*Device, error) {
	m := &MemDevice{
		data: make([]byte, blockSize*blockCount),
	}
	dev := NewDevice(name, "Memory Disk", blockSize, blockCount, m)
	if err := RegisterDevice(dev); err != nil {
		return nil, errors.Wrapf(err, "registering mem device %s", name)
	}
	return dev, nil
}

func (m *MemDevice) NewChannel(ch *Channel) error {
	return nil
}

func (m *MemDevice) Destruct() error {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.mu.Unlock()

	for _, h := range held {
		h.req.Complete(StatusFailed)
	}
	return nil
}

func (m *MemDevice) SubmitRequest(ch *Channel, req *Request) {
	status := m.execute(req)

	m.mu.Lock()
	if m.hold {
		m.held = append(m.held, heldRequest{req: req, status: status})
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	req.Complete(status)
}

func (m *MemDevice) execute(req *Request) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Offset+req.Length > uint64(len(m.data)) {
		return StatusFailed
	}

	switch req.Type {
	case IOTypeRead:
		off := req.Offset
		for _, b := range req.Buffers {
			copy(b, m.data[off:off+uint64(len(b))])
			off += uint64(len(b))
		}
	case IOTypeWrite:
		off := req.Offset
		for _, b := range req.Buffers {
			copy(m.data[off:], b)
			off += uint64(len(b))
		}
	case IOTypeUnmap:
		for i := req.Offset; i < req.Offset+req.Length; i++ {
			m.data[i] = 0
		}
	case IOTypeFlush, IOTypeReset:
		// nothing to do for a memory disk
	default:
		return StatusFailed
	}
	return StatusSuccess
}

// Hold parks subsequent completions until Release is called. The requests
// are still executed; only their completion is delayed.
func (m *MemDevice) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = true
}

// Release completes every held request in submission order and resumes
// inline completion.
func (m *MemDevice) Release() {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.hold = false
	m.mu.Unlock()

	for _, h := range held {
		h.req.Complete(h.status)
	}
}
