// Package driver connects block drivers to a host through an explicit
// registry. The host refers to open images by opaque handles; the registry
// maps handles back to driver state and serializes requests per handle.
package driver

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	qcow2 "github.com/ehrlich-b/go-qcow2-engine"
)

var (
	ErrUnknownDriver  = errors.New("driver: unknown driver")
	ErrDriverExists   = errors.New("driver: driver already registered")
	ErrInvalidHandle  = errors.New("driver: invalid handle")
	ErrInvalidDriver  = errors.New("driver: invalid driver")
	ErrNotImplemented = fmt.Errorf("driver: operation not provided: %w", qcow2.ErrUnsupportedImageFeature)
)

// Handle identifies an open driver instance. The zero Handle is never
// issued.
type Handle uint64

// Capabilities are the hooks a driver provides. Open is required; a nil hook
// makes the matching operation fail with ErrNotImplemented.
type Capabilities struct {
	Open  func(file qcow2.File, opts ...qcow2.Option) (any, error)
	Close func(state any) error
	Read  func(state any, offset, n uint64, bufs [][]byte, flags qcow2.RequestFlags) error
	Write func(state any, offset, n uint64, bufs [][]byte, flags qcow2.RequestFlags) error
	Flush func(state any) error
	Info  func(state any) (qcow2.Info, error)
}

// Driver describes a block driver.
type Driver struct {
	Name            string
	SupportsBacking bool
	Caps            Capabilities
}

type instance struct {
	mu     sync.Mutex
	driver *Driver
	state  any
	closed bool
}

// Registry holds registered drivers and the handle table of open instances.
// It is safe for concurrent use; requests on one handle run one at a time.
type Registry struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	drivers map[string]*Driver
	handles map[Handle]*instance
	next    Handle
}

// NewRegistry returns an empty registry. A nil logger means the logrus
// standard logger.
func NewRegistry(log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		log:     log,
		drivers: make(map[string]*Driver),
		handles: make(map[Handle]*instance),
	}
}

// Register adds d to the registry.
func (r *Registry) Register(d Driver) error {
	if d.Name == "" || d.Caps.Open == nil {
		return fmt.Errorf("%w: %q needs a name and an open hook", ErrInvalidDriver, d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDriverExists, d.Name)
	}
	r.drivers[d.Name] = &d
	r.log.WithField("driver", d.Name).Debug("registered driver")
	return nil
}

// Drivers returns the names of the registered drivers, sorted.
func (r *Registry) Drivers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens file with the named driver and returns a handle to the new
// instance.
func (r *Registry) Open(name string, file qcow2.File, opts ...qcow2.Option) (Handle, error) {
	r.mu.Lock()
	d, ok := r.drivers[name]
	r.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}

	state, err := d.Caps.Open(file, opts...)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.next++
	h := r.next
	r.handles[h] = &instance{driver: d, state: state}
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"driver": name, "handle": uint64(h)}).Debug("opened instance")
	return h, nil
}

// lookup returns the locked instance behind h. The caller must unlock it.
func (r *Registry) lookup(h Handle) (*instance, error) {
	r.mu.Lock()
	inst, ok := r.handles[h]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return inst, nil
}

// Read reads n bytes at offset into bufs.
func (r *Registry) Read(h Handle, offset, n uint64, bufs [][]byte, flags qcow2.RequestFlags) error {
	inst, err := r.lookup(h)
	if err != nil {
		return err
	}
	defer inst.mu.Unlock()
	if inst.driver.Caps.Read == nil {
		return ErrNotImplemented
	}
	return inst.driver.Caps.Read(inst.state, offset, n, bufs, flags)
}

// Write writes n bytes from bufs at offset.
func (r *Registry) Write(h Handle, offset, n uint64, bufs [][]byte, flags qcow2.RequestFlags) error {
	inst, err := r.lookup(h)
	if err != nil {
		return err
	}
	defer inst.mu.Unlock()
	if inst.driver.Caps.Write == nil {
		return ErrNotImplemented
	}
	return inst.driver.Caps.Write(inst.state, offset, n, bufs, flags)
}

// Flush makes completed writes durable.
func (r *Registry) Flush(h Handle) error {
	inst, err := r.lookup(h)
	if err != nil {
		return err
	}
	defer inst.mu.Unlock()
	if inst.driver.Caps.Flush == nil {
		return nil
	}
	return inst.driver.Caps.Flush(inst.state)
}

// Info returns the block-layer properties of the instance.
func (r *Registry) Info(h Handle) (qcow2.Info, error) {
	inst, err := r.lookup(h)
	if err != nil {
		return qcow2.Info{}, err
	}
	defer inst.mu.Unlock()
	if inst.driver.Caps.Info == nil {
		return qcow2.Info{}, ErrNotImplemented
	}
	return inst.driver.Caps.Info(inst.state)
}

// Do runs fn with the driver state behind h while holding the instance
// lock. It gives tools access to driver-specific operations.
func (r *Registry) Do(h Handle, fn func(state any) error) error {
	inst, err := r.lookup(h)
	if err != nil {
		return err
	}
	defer inst.mu.Unlock()
	return fn(inst.state)
}

// Close closes the instance and invalidates h. The handle is released even
// if the driver's close hook fails.
func (r *Registry) Close(h Handle) error {
	inst, err := r.lookup(h)
	if err != nil {
		return err
	}
	inst.closed = true
	var closeErr error
	if inst.driver.Caps.Close != nil {
		closeErr = inst.driver.Caps.Close(inst.state)
	}
	inst.mu.Unlock()

	r.mu.Lock()
	delete(r.handles, h)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"driver": inst.driver.Name, "handle": uint64(h)}).Debug("closed instance")
	return closeErr
}

// Len returns the number of open instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
