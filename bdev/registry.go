package bdev

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// The registry is process-scoped. Callbacks (module examine, descriptor
// removal, driver destruct) are always invoked with the registry lock
// released, so they may re-enter the registry freely.
var (
	regMu   sync.Mutex
	devices = map[string]*Device{}
	modules []*Module
)

// Module is a pluggable virtual-device type. Examine is invoked once for
// every device that becomes visible after the module is registered,
// letting the module claim bases it has deferred configuration for.
type Module struct {
	Name    string
	Examine func(dev *Device)
}

func RegisterModule(m *Module) {
	regMu.Lock()
	defer regMu.Unlock()
	modules = append(modules, m)
}

// RegisterDevice makes a device visible and notifies every module's
// examine hook.
func RegisterDevice(dev *Device) error {
	regMu.Lock()
	if _, ok := devices[dev.Name]; ok {
		regMu.Unlock()
		return errors.Wrap(ErrAlreadyExists, dev.Name)
	}
	devices[dev.Name] = dev
	notify := make([]*Module, len(modules))
	copy(notify, modules)
	regMu.Unlock()

	for _, m := range notify {
		if m.Examine != nil {
			m.Examine(dev)
		}
	}
	return nil
}

// GetDevice looks a device up by name.
func GetDevice(name string) (*Device, error) {
	regMu.Lock()
	defer regMu.Unlock()
	dev, ok := devices[name]
	if !ok {
		return nil, errors.Wrap(ErrNoDevice, name)
	}
	return dev, nil
}

// Descriptor is an open reference to a device. onRemove fires if the
// device is hot-removed while the descriptor is open.
type Descriptor struct {
	dev      *Device
	onRemove func()
	closed   bool
}

var descriptors = map[*Device][]*Descriptor{}

// Open opens a device by name.
func Open(name string, onRemove func()) (*Descriptor, error) {
	regMu.Lock()
	defer regMu.Unlock()
	dev, ok := devices[name]
	if !ok {
		return nil, errors.Wrap(ErrNoDevice, name)
	}
	desc := &Descriptor{dev: dev, onRemove: onRemove}
	descriptors[dev] = append(descriptors[dev], desc)
	return desc, nil
}

func (d *Descriptor) Device() *Device {
	return d.dev
}

func (d *Descriptor) Close() {
	regMu.Lock()
	defer regMu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	descs := descriptors[d.dev]
	for i, other := range descs {
		if other == d {
			descriptors[d.dev] = append(descs[:i], descs[i+1:]...)
			break
		}
	}
	if len(descriptors[d.dev]) == 0 {
		delete(descriptors, d.dev)
	}
}

// UnregisterDevice destroys a device: it is taken out of the registry and
// its driver's Destruct hook runs. Open descriptors are not notified; this
// is the deliberate-teardown path, not hot removal.
func UnregisterDevice(dev *Device) error {
	regMu.Lock()
	if _, ok := devices[dev.Name]; !ok {
		regMu.Unlock()
		return errors.Wrap(ErrNoDevice, dev.Name)
	}
	delete(devices, dev.Name)
	dev.removed = true
	regMu.Unlock()

	if err := dev.driver.Destruct(); err != nil {
		log.Errorf("bdev: destruct of %s failed: %s", dev.Name, err)
		return err
	}
	return nil
}

// UnregisterByName unregisters a device owned by the given module and then
// invokes cb with the result. A non-nil error return means destruction was
// not even initiated and cb was not called.
func UnregisterByName(name string, owner *Module, cb func(error)) error {
	regMu.Lock()
	dev, ok := devices[name]
	if !ok || dev.module != owner {
		regMu.Unlock()
		return errors.Wrap(ErrNoDevice, name)
	}
	regMu.Unlock()

	cb(UnregisterDevice(dev))
	return nil
}

// SetModule records the owning module of a virtual device. Must be set
// before the device is registered.
func (d *Device) SetModule(m *Module) {
	d.module = m
}

// RemoveDevice simulates hot removal: the device disappears from the
// registry, every open descriptor's removal callback fires, then the
// driver is destructed.
func RemoveDevice(name string) error {
	regMu.Lock()
	dev, ok := devices[name]
	if !ok {
		regMu.Unlock()
		return errors.Wrap(ErrNoDevice, name)
	}
	delete(devices, name)
	dev.removed = true
	descs := descriptors[dev]
	delete(descriptors, dev)
	regMu.Unlock()

	for _, desc := range descs {
		desc.closed = true
		if desc.onRemove != nil {
			desc.onRemove()
		}
	}
	if err := dev.driver.Destruct(); err != nil {
		log.Errorf("bdev: destruct of %s after hot removal failed: %s", name, err)
		return err
	}
	return nil
}

// Shutdown unregisters every remaining device. Used at process teardown
// and by tests to start from a clean registry.
func Shutdown() {
	regMu.Lock()
	remaining := make([]*Device, 0, len(devices))
	for _, dev := range devices {
		remaining = append(remaining, dev)
	}
	regMu.Unlock()

	for _, dev := range remaining {
		if err := UnregisterDevice(dev); err != nil && !errors.Is(err, ErrNoDevice) {
			log.Errorf("bdev: shutdown of %s: %s", dev.Name, err)
		}
	}
}
