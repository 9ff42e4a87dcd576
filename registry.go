package repnet

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// A Registry holds the named Drivers of a process
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*Driver
	order   []string
	started time.Time
	clock   TimeProvider
}

// NewRegistry returns an empty Registry,
// a nil clock uses the system time
func NewRegistry(clock TimeProvider) *Registry {
	if clock == nil {
		clock = RealClock{}
	}

	return &Registry{
		drivers: make(map[string]*Driver),
		started: clock.Now(),
		clock:   clock,
	}
}

// Create creates and registers a Driver
func (r *Registry) Create(cfg DriverConfig) (*Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.drivers[cfg.Name]; ok {
		return nil, fmt.Errorf("%s: %w", cfg.Name, ErrDriverExists)
	}

	if cfg.Clock == nil {
		cfg.Clock = r.clock
	}

	d := NewDriver(cfg)
	r.drivers[cfg.Name] = d
	r.order = append(r.order, cfg.Name)

	return d, nil
}

// Find returns the Driver with the given name
func (r *Registry) Find(name string) (*Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[name]
	return d, ok
}

// Drivers returns all Drivers in creation order
func (r *Registry) Drivers() []*Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ds := make([]*Driver, 0, len(r.order))
	for _, name := range r.order {
		ds = append(ds, r.drivers[name])
	}

	return ds
}

// Tick ticks every Driver in creation order
func (r *Registry) Tick(dt time.Duration) error {
	var errs []error
	for _, d := range r.Drivers() {
		if err := d.Tick(dt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		}
	}

	return errors.Join(errs...)
}

// Close closes and unregisters the Driver with the given name
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	d, ok := r.drivers[name]
	if ok {
		delete(r.drivers, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownDriver)
	}

	return d.Close()
}

// CloseAll closes every Driver in reverse creation order
func (r *Registry) CloseAll() error {
	ds := r.Drivers()

	var errs []error
	for i := len(ds) - 1; i >= 0; i-- {
		if err := r.Close(ds[i].Name()); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
