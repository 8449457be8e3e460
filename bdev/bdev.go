package bdev

import (
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNoDevice      = fmt.Errorf("no such device")
	ErrAlreadyExists = fmt.Errorf("device already exists")
	ErrClosed        = fmt.Errorf("channel closed")
)

// IOType is the kind of a block I/O request.
type IOType int

const (
	IOTypeRead IOType = iota
	IOTypeWrite
	IOTypeUnmap
	IOTypeFlush
	IOTypeReset
)

func (t IOType) String() string {
	switch t {
	case IOTypeRead:
		return "read"
	case IOTypeWrite:
		return "write"
	case IOTypeUnmap:
		return "unmap"
	case IOTypeFlush:
		return "flush"
	case IOTypeReset:
		return "reset"
	}
	return fmt.Sprintf("iotype(%d)", int(t))
}

// Status is the completion status of a request. StatusNoMem signals the
// submitter to retry once resources free up; it is distinct from a plain
// failure.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusNoMem
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusNoMem:
		return "nomem"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// CompletionFn is invoked exactly once when a request completes. It may run
// on the submitting goroutine (devices that complete inline) or on the
// device's own completion context.
type CompletionFn func(req *Request, status Status)

// Request is a single block I/O request. Offset and Length are in bytes.
// Buffers is a scatter-gather list; it is nil for unmap, flush and reset.
type Request struct {
	Type    IOType
	Offset  uint64
	Length  uint64
	Buffers [][]byte

	done      CompletionFn
	completed bool
	status    Status
}

// NewRequest builds a request. For read and write requests a zero length is
// filled in from the buffer list.
func NewRequest(t IOType, offset, length uint64, bufs [][]byte, done CompletionFn) *Request {
	if length == 0 {
		length = BuffersLen(bufs)
	}
	return &Request{
		Type:    t,
		Offset:  offset,
		Length:  length,
		Buffers: bufs,
		done:    done,
	}
}

// BuffersLen returns the total byte length of a scatter-gather list.
func BuffersLen(bufs [][]byte) uint64 {
	var n uint64
	for _, b := range bufs {
		n += uint64(len(b))
	}
	return n
}

// Complete finishes the request and hands it back to the submitter.
// Completing a request twice is a logic bug, not a runtime condition.
func (r *Request) Complete(status Status) {
	if r.completed {
		log.Panicf("bdev: %s request completed twice", r.Type)
	}
	r.completed = true
	r.status = status
	if r.done != nil {
		r.done(r, status)
	}
}

// Completed reports whether the request has finished.
func (r *Request) Completed() bool {
	return r.completed
}

// Status is only meaningful once Completed() is true.
func (r *Request) Status() Status {
	return r.status
}

// Driver is implemented by every device backend. SubmitRequest must not
// block; requests finish through Request.Complete. NewChannel may attach
// per-context state to ch.Ctx.
type Driver interface {
	SubmitRequest(ch *Channel, req *Request)
	NewChannel(ch *Channel) error
	Destruct() error
}

// Device is a registered block device.
type Device struct {
	Name        string
	ProductName string
	UUID        uuid.UUID
	BlockSize   uint64
	BlockCount  uint64

	driver  Driver
	module  *Module // module that created this device, nil for base devices
	removed bool
}

func NewDevice(name, product string, blockSize, blockCount uint64, driver Driver) *Device {
	return &Device{
		Name:        name,
		ProductName: product,
		BlockSize:   blockSize,
		BlockCount:  blockCount,
		driver:      driver,
	}
}

func (d *Device) SizeBytes() uint64 {
	return d.BlockSize * d.BlockCount
}

// Driver exposes the backend, mainly so tests can reach device-specific
// switches.
func (d *Device) Driver() Driver {
	return d.driver
}

// Channel is a per-context submission handle for one device. A channel is
// driven by a single context at a time; it is not safe for concurrent use.
type Channel struct {
	dev    *Device
	closed bool

	// Ctx is owned by the device's driver.
	Ctx interface{}
}

// OpenChannel creates a submission channel for the device.
func (d *Device) OpenChannel() (*Channel, error) {
	if d.removed {
		return nil, ErrNoDevice
	}
	ch := &Channel{dev: d}
	if err := d.driver.NewChannel(ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Channel) Device() *Device {
	return c.dev
}

// Submit hands a request to the device. An error return means the
// submission layer itself rejected the request; the completion callback
// will not be invoked.
func (c *Channel) Submit(req *Request) error {
	if c.closed {
		return ErrClosed
	}
	if c.dev.removed {
		return ErrNoDevice
	}
	c.dev.driver.SubmitRequest(c, req)
	return nil
}

// Close tears the channel down. Driver-attached context implementing
// io.Closer is closed as well.
func (c *Channel) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if closer, ok := c.Ctx.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Errorf("bdev: closing channel context for %s: %s", c.dev.Name, err)
		}
	}
}
