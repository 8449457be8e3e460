// Package errdisk implements a fault-injection virtual block device: a
// pass-through disk stacked on a base device that can be told, per I/O
// type, to fail, stall, report resource exhaustion or corrupt a bounded
// number of future requests.
package errdisk

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/YiqinXiong/errdisk/bdev"
)

var (
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrAlreadyExists   = fmt.Errorf("configuration already exists")
	ErrNotFound        = fmt.Errorf("no such error injection disk")
)

// FaultKind is the action applied to an affected request.
type FaultKind uint32

const (
	FaultNone FaultKind = iota
	FaultFailure
	FaultNoMem
	FaultPending
	FaultCorruptData
)

func (k FaultKind) String() string {
	switch k {
	case FaultNone:
		return "none"
	case FaultFailure:
		return "failure"
	case FaultNoMem:
		return "nomem"
	case FaultPending:
		return "pending"
	case FaultCorruptData:
		return "corrupt_data"
	}
	return fmt.Sprintf("fault(%d)", uint32(k))
}

// IOSelector picks which I/O types an injection applies to. SelectNone is
// the clear sentinel: it zeroes the occurrence count of every type without
// touching the other fields.
type IOSelector int

const (
	SelectNone IOSelector = iota
	SelectRead
	SelectWrite
	SelectUnmap
	SelectFlush
	SelectAll
)

func (s IOSelector) ioType() bdev.IOType {
	switch s {
	case SelectRead:
		return bdev.IOTypeRead
	case SelectWrite:
		return bdev.IOTypeWrite
	case SelectUnmap:
		return bdev.IOTypeUnmap
	case SelectFlush:
		return bdev.IOTypeFlush
	}
	panic(fmt.Sprintf("errdisk: selector %d has no single io type", int(s)))
}

// FaultSpec is the configured fault for one I/O type. Remaining is the
// occurrence budget: each affected request consumes one, and a spec with a
// zero budget injects nothing no matter what Kind says.
type FaultSpec struct {
	Kind          FaultKind
	Remaining     uint64
	QueueDepth    uint64
	CorruptOffset uint64
	CorruptValue  byte
}

// InjectOpts are the parameters of one InjectError call.
type InjectOpts struct {
	IOType        IOSelector
	Kind          FaultKind
	Occurrences   uint64
	QueueDepth    uint64
	CorruptOffset uint64
	CorruptValue  byte
}

// InjectError configures fault injection on the named error disk. A
// CorruptData spec with a zero XOR byte is rejected before any state is
// touched: XOR with zero cannot corrupt anything.
func InjectError(name string, opts *InjectOpts) error {
	if opts.Kind > FaultCorruptData {
		return errors.Wrapf(ErrInvalidArgument, "unknown fault kind %d", uint32(opts.Kind))
	}
	if opts.IOType < SelectNone || opts.IOType > SelectAll {
		return errors.Wrapf(ErrInvalidArgument, "unknown io type selector %d", int(opts.IOType))
	}
	if opts.Kind == FaultCorruptData && opts.CorruptValue == 0 {
		return errors.Wrap(ErrInvalidArgument, "corrupt value should be non-zero")
	}

	d := lookupDisk(name)
	if d == nil {
		return errors.Wrap(ErrNotFound, name)
	}
	d.setFault(opts)
	return nil
}

// Info returns the name of the base device the named error disk sits on.
func Info(name string) (string, error) {
	d := lookupDisk(name)
	if d == nil {
		return "", errors.Wrap(ErrNotFound, name)
	}
	return d.BaseName(), nil
}
