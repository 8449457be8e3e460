package errdisk

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/YiqinXiong/errdisk/bdev"
)

// Name prefix of every error injection disk.
const NamePrefix = "EE_"

// Faults are tracked for read, write, unmap and flush. Reset is handled
// structurally by the dispatcher and has no table slot.
const numFaultIOTypes = int(bdev.IOTypeReset)

// Disk is one error injection disk: a registered virtual device wrapping a
// single base device. mu serializes fault-table mutation against dispatch
// and guards the pending queue.
type Disk struct {
	dev  *bdev.Device
	base *bdev.Descriptor

	mu      sync.Mutex
	faults  [numFaultIOTypes]FaultSpec
	pending []*bdev.Request

	// set on the hot-removal path so Destruct leaves the config entry in
	// place for later re-discovery
	hotRemoved bool
}

// errorChannel is the per-context state of a channel opened on the error
// disk: the forwarding channel to the base device plus the in-flight
// counter the queue-depth gate reads. A channel is driven by one context
// at a time, so ioInflight needs no lock.
type errorChannel struct {
	base       *bdev.Channel
	ioInflight uint64
}

func (c *errorChannel) Close() error {
	c.base.Close()
	return nil
}

func (d *Disk) NewChannel(ch *bdev.Channel) error {
	baseCh, err := d.base.Device().OpenChannel()
	if err != nil {
		return err
	}
	ch.Ctx = &errorChannel{base: baseCh}
	return nil
}

// SubmitRequest is the dispatcher: per request it decides to forward,
// fail, report nomem, park, or corrupt-then-forward, consuming one unit of
// the fault budget whenever a fault actually applies.
func (d *Disk) SubmitRequest(ch *bdev.Channel, req *bdev.Request) {
	ec := ch.Ctx.(*errorChannel)

	if req.Type == bdev.IOTypeReset {
		d.reset(req)
		return
	}

	d.mu.Lock()
	kind := d.effectiveKindLocked(req.Type)
	if spec := d.specLocked(req.Type); spec != nil && ec.ioInflight < spec.QueueDepth {
		// faults only trigger once the channel has reached the
		// configured queue depth
		kind = FaultNone
	}

	switch kind {
	case FaultFailure:
		d.faults[req.Type].Remaining--
		d.mu.Unlock()
		observeFault(d.dev.Name, req.Type, FaultFailure)
		req.Complete(bdev.StatusFailed)
	case FaultNoMem:
		d.faults[req.Type].Remaining--
		d.mu.Unlock()
		observeFault(d.dev.Name, req.Type, FaultNoMem)
		req.Complete(bdev.StatusNoMem)
	case FaultPending:
		// parked until a reset drains it; the submitter is not blocked,
		// the request is merely left uncompleted
		d.faults[req.Type].Remaining--
		d.pending = append(d.pending, req)
		d.mu.Unlock()
		observeFault(d.dev.Name, req.Type, FaultPending)
	case FaultCorruptData:
		if req.Type == bdev.IOTypeWrite {
			spec := &d.faults[req.Type]
			spec.Remaining--
			off, val := spec.CorruptOffset, spec.CorruptValue
			d.mu.Unlock()
			corruptBuffers(req.Buffers, off, val)
			observeFault(d.dev.Name, req.Type, FaultCorruptData)
		} else {
			// read corruption is applied on successful completion,
			// when the buffers hold the data the caller will consume
			d.mu.Unlock()
		}
		d.forward(ec, req)
	case FaultNone:
		d.mu.Unlock()
		d.forward(ec, req)
	default:
		d.mu.Unlock()
		log.Panicf("errdisk: unhandled fault kind %d", uint32(kind))
	}
}

// forward submits the request to the base device. The in-flight counter is
// bumped before submission so an inline completion cannot underflow it; a
// rejected submission rolls the counter back and fails the request.
func (d *Disk) forward(ec *errorChannel, req *bdev.Request) {
	fwd := bdev.NewRequest(req.Type, req.Offset, req.Length, req.Buffers,
		func(_ *bdev.Request, status bdev.Status) {
			d.completeForwarded(ec, req, status)
		})

	ec.ioInflight++
	if err := ec.base.Submit(fwd); err != nil {
		ec.ioInflight--
		log.Errorf("errdisk: submit to base of %s failed: %s", d.dev.Name, err)
		req.Complete(bdev.StatusFailed)
	}
}

// completeForwarded runs when the base device finishes a forwarded
// request. A successful read is the one place a fault is consumed at
// completion time rather than submission time.
func (d *Disk) completeForwarded(ec *errorChannel, req *bdev.Request, status bdev.Status) {
	if ec.ioInflight == 0 {
		log.Panicf("errdisk: in-flight counter underflow on %s", d.dev.Name)
	}
	ec.ioInflight--

	if status == bdev.StatusSuccess && req.Type == bdev.IOTypeRead {
		d.mu.Lock()
		if d.effectiveKindLocked(bdev.IOTypeRead) == FaultCorruptData {
			spec := &d.faults[bdev.IOTypeRead]
			spec.Remaining--
			off, val := spec.CorruptOffset, spec.CorruptValue
			d.mu.Unlock()
			corruptBuffers(req.Buffers, off, val)
			observeFault(d.dev.Name, bdev.IOTypeRead, FaultCorruptData)
		} else {
			d.mu.Unlock()
		}
	}

	req.Complete(status)
}

// reset drains the pending queue, failing every parked request in FIFO
// order, then completes the reset itself with success.
func (d *Disk) reset(req *bdev.Request) {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, p := range pending {
		p.Complete(bdev.StatusFailed)
	}
	req.Complete(bdev.StatusSuccess)
}

// effectiveKindLocked returns the fault kind that applies to the given I/O
// type. Types outside read/write/unmap/flush have no fault concept, and an
// exhausted budget always means no injection.
func (d *Disk) effectiveKindLocked(t bdev.IOType) FaultKind {
	switch t {
	case bdev.IOTypeRead, bdev.IOTypeWrite, bdev.IOTypeUnmap, bdev.IOTypeFlush:
	default:
		return FaultNone
	}
	if d.faults[t].Remaining == 0 {
		return FaultNone
	}
	return d.faults[t].Kind
}

func (d *Disk) specLocked(t bdev.IOType) *FaultSpec {
	if int(t) >= numFaultIOTypes {
		return nil
	}
	return &d.faults[t]
}

// setFault installs an injection. The SelectNone sentinel zeroes every
// occurrence count but deliberately leaves the other fields, including the
// stale kind, untouched.
func (d *Disk) setFault(opts *InjectOpts) {
	spec := FaultSpec{
		Kind:          opts.Kind,
		Remaining:     opts.Occurrences,
		QueueDepth:    opts.QueueDepth,
		CorruptOffset: opts.CorruptOffset,
		CorruptValue:  opts.CorruptValue,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch opts.IOType {
	case SelectAll:
		for i := range d.faults {
			d.faults[i] = spec
		}
	case SelectNone:
		for i := range d.faults {
			d.faults[i].Remaining = 0
		}
	default:
		d.faults[opts.IOType.ioType()] = spec
	}
}

// FaultSpecFor returns a copy of the configured spec for one I/O type.
func (d *Disk) FaultSpecFor(t bdev.IOType) FaultSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(t) >= numFaultIOTypes {
		return FaultSpec{}
	}
	return d.faults[t]
}

// BaseName returns the name of the device the disk sits on.
func (d *Disk) BaseName() string {
	return d.base.Device().Name
}

// Destruct tears the disk down. On an explicit delete the config entry
// goes with it; after hot removal the entry stays so the disk can be
// recreated when the base device shows up again.
func (d *Disk) Destruct() error {
	if !d.hotRemoved {
		if err := configRemove(d.base.Device().Name); err != nil {
			log.Errorf("errdisk: removing config for %s: %s", d.base.Device().Name, err)
		}
	}
	forgetDisk(d)
	d.base.Close()
	return nil
}

// corruptBuffers flips one byte at a logical offset into a scatter-gather
// list. Earlier buffers subtract their full length from the running
// offset; if the list is shorter than the offset nothing is touched, since
// the configured offset may simply exceed this request's size.
func corruptBuffers(bufs [][]byte, offset uint64, value byte) {
	if len(bufs) == 0 || bufs[0] == nil {
		return
	}
	for _, b := range bufs {
		if uint64(len(b)) > offset {
			b[offset] ^= value
			return
		}
		offset -= uint64(len(b))
	}
}
