package errdisk

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/YiqinXiong/errdisk/bdev"
)

// errorModule is the pluggable device type this package registers with the
// bdev layer. Its examine hook performs deferred creation: when a base
// device with a registered config entry becomes visible, the error disk is
// constructed without a second explicit Create call.
var errorModule = &bdev.Module{
	Name: "error",
}

func init() {
	// assigned here rather than in the literal: examine reaches back to
	// errorModule through construct, which would otherwise be an
	// initialization cycle
	errorModule.Examine = examine
	bdev.RegisterModule(errorModule)
}

// configEntry survives attach/detach cycles of its base device: it is
// added by Create and removed only by an explicit delete (or Finish), so a
// re-appearing base device is deterministically re-wrapped.
type configEntry struct {
	BaseName string
	UUID     uuid.UUID
}

var (
	configMu sync.Mutex
	configs  []*configEntry
	disks    = map[string]*Disk{} // keyed by error disk name
)

func configLookupLocked(baseName string) *configEntry {
	for _, cfg := range configs {
		if cfg.BaseName == baseName {
			return cfg
		}
	}
	return nil
}

func configAdd(baseName string, id uuid.UUID) error {
	configMu.Lock()
	defer configMu.Unlock()
	if configLookupLocked(baseName) != nil {
		return errors.Wrapf(ErrAlreadyExists, "config for %s", baseName)
	}
	configs = append(configs, &configEntry{BaseName: baseName, UUID: id})
	return nil
}

func configRemove(baseName string) error {
	configMu.Lock()
	defer configMu.Unlock()
	for i, cfg := range configs {
		if cfg.BaseName == baseName {
			configs = append(configs[:i], configs[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "config for %s", baseName)
}

func rememberDisk(d *Disk) {
	configMu.Lock()
	defer configMu.Unlock()
	disks[d.dev.Name] = d
}

func forgetDisk(d *Disk) {
	configMu.Lock()
	defer configMu.Unlock()
	delete(disks, d.dev.Name)
}

func lookupDisk(name string) *Disk {
	configMu.Lock()
	defer configMu.Unlock()
	return disks[name]
}

// construct builds and registers the error disk on top of an existing base
// device. Returns bdev.ErrNoDevice (wrapped) when the base is absent.
func construct(baseName string, id uuid.UUID) error {
	d := &Disk{}
	desc, err := bdev.Open(baseName, func() { d.hotRemove() })
	if err != nil {
		return err
	}
	d.base = desc

	base := desc.Device()
	dev := bdev.NewDevice(NamePrefix+baseName, "Error Injection Disk",
		base.BlockSize, base.BlockCount, d)
	if id != uuid.Nil {
		dev.UUID = id
	}
	dev.SetModule(errorModule)
	d.dev = dev

	rememberDisk(d)
	if err := bdev.RegisterDevice(dev); err != nil {
		forgetDisk(d)
		desc.Close()
		return errors.Wrapf(err, "could not construct error disk for %s", baseName)
	}
	return nil
}

func (d *Disk) hotRemove() {
	d.hotRemoved = true
	if err := bdev.UnregisterDevice(d.dev); err != nil {
		log.Errorf("errdisk: unregistering %s after base hot removal: %s", d.dev.Name, err)
	}
}

// Create registers a config entry for the base device and, if the base is
// already present, constructs the error disk. A missing base device is not
// an error: the entry persists and discovery finishes the job later.
func Create(baseName string, id uuid.UUID) error {
	if err := configAdd(baseName, id); err != nil {
		log.Errorf("errdisk: adding config for %s failed: %s", baseName, err)
		return err
	}

	err := construct(baseName, id)
	if errors.Is(err, bdev.ErrNoDevice) {
		return nil
	}
	if err != nil {
		if rmErr := configRemove(baseName); rmErr != nil {
			log.Errorf("errdisk: rolling back config for %s: %s", baseName, rmErr)
		}
		log.Errorf("errdisk: could not create error disk for %s: %s", baseName, err)
		return err
	}
	return nil
}

// Delete destroys the named error disk through the unregistration path.
// cb always eventually runs with the result.
func Delete(name string, cb func(error)) {
	if err := bdev.UnregisterByName(name, errorModule, cb); err != nil {
		cb(err)
	}
}

func examine(dev *bdev.Device) {
	configMu.Lock()
	cfg := configLookupLocked(dev.Name)
	configMu.Unlock()
	if cfg == nil {
		return
	}
	if err := construct(cfg.BaseName, cfg.UUID); err != nil {
		log.Errorf("errdisk: could not create error disk for %s at examine: %s", dev.Name, err)
	}
}

// CreateDirective is one entry of the serialized configuration: replaying
// the directives against a fresh process reproduces the registry.
type CreateDirective struct {
	Method string       `json:"method"`
	Params CreateParams `json:"params"`
}

type CreateParams struct {
	BaseName string `json:"base_name"`
	UUID     string `json:"uuid,omitempty"`
}

// MarshalConfig emits a creation directive per registered config entry.
func MarshalConfig() []CreateDirective {
	configMu.Lock()
	defer configMu.Unlock()

	out := make([]CreateDirective, 0, len(configs))
	for _, cfg := range configs {
		params := CreateParams{BaseName: cfg.BaseName}
		if cfg.UUID != uuid.Nil {
			params.UUID = cfg.UUID.String()
		}
		out = append(out, CreateDirective{Method: "bdev_error_create", Params: params})
	}
	return out
}

// Finish drains the config registry. Called at process teardown.
func Finish() {
	configMu.Lock()
	defer configMu.Unlock()
	configs = nil
}
