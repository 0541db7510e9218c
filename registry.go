package so_tracker

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type busEntry struct {
	bus      *Bus
	config   BusConfig
	refCount int64 // Atomic reference counter
	mu       sync.RWMutex
}

// BusRegistry shares one Bus per serial port between the tracker and the diagnostics sensor.
type BusRegistry struct {
	entries map[string]*busEntry // port path -> entry
	mu      sync.RWMutex
	open    PortOpener
}

var sharedBuses = NewBusRegistry(nil)

// NewBusRegistry uses open for new ports; nil means OpenSerialPort.
func NewBusRegistry(open PortOpener) *BusRegistry {
	if open == nil {
		open = OpenSerialPort
	}
	return &BusRegistry{
		entries: make(map[string]*busEntry),
		open:    open,
	}
}

// SharedBus is a counted handle on a registry bus. Close releases the handle, not the port,
// until the last handle is gone.
type SharedBus struct {
	*Bus
	registry *BusRegistry
	port     string
	released atomic.Bool
}

func (s *SharedBus) Close() error {
	if s.released.Swap(true) {
		return nil
	}
	return s.registry.Release(s.port)
}

// Acquire returns a handle on the bus for config.Port, opening it on first use.
func (r *BusRegistry) Acquire(config BusConfig) (*SharedBus, error) {
	r.mu.RLock()
	entry, exists := r.entries[config.Port]
	r.mu.RUnlock()

	if exists {
		return r.acquireExisting(entry, config)
	}
	return r.create(config)
}

func (r *BusRegistry) acquireExisting(entry *busEntry, config BusConfig) (*SharedBus, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.bus == nil {
		return nil, fmt.Errorf("bus not available for port %s", config.Port)
	}
	if !busConfigsEqual(entry.config, config) {
		currentRefCount := atomic.LoadInt64(&entry.refCount)
		return nil, fmt.Errorf("conflict: existing bus on %s uses different settings (refCount: %d)", config.Port, currentRefCount)
	}

	atomic.AddInt64(&entry.refCount, 1)
	return &SharedBus{Bus: entry.bus, registry: r, port: config.Port}, nil
}

func (r *BusRegistry) create(config BusConfig) (*SharedBus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[config.Port]; exists {
		return r.acquireExisting(entry, config)
	}

	bus, err := NewBus(config, r.open)
	if err != nil {
		return nil, fmt.Errorf("failed to create servo bus: %w", err)
	}

	entry := &busEntry{bus: bus, config: config, refCount: 1}
	r.entries[config.Port] = entry

	if config.Logger != nil {
		config.Logger.Infof("Opened servo bus on %s at %d baud", config.Port, config.Baudrate)
	}
	return &SharedBus{Bus: bus, registry: r, port: config.Port}, nil
}

// Release drops one reference and closes the port when none remain.
// Lock order is registry then entry, same as create.
func (r *BusRegistry) Release(portPath string) error {
	r.mu.Lock()
	entry, exists := r.entries[portPath]
	if !exists {
		r.mu.Unlock()
		return nil
	}

	entry.mu.Lock()
	if atomic.AddInt64(&entry.refCount, -1) > 0 {
		entry.mu.Unlock()
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, portPath)
	r.mu.Unlock()

	bus := entry.bus
	entry.bus = nil
	atomic.StoreInt64(&entry.refCount, 0)
	entry.mu.Unlock()

	if bus == nil {
		return nil
	}
	err := bus.Close()
	if err != nil && entry.config.Logger != nil {
		entry.config.Logger.Warnf("error closing shared bus for port %s: %v", portPath, err)
	}
	return err
}

// ForceClose closes the port regardless of outstanding handles.
func (r *BusRegistry) ForceClose(portPath string) error {
	r.mu.Lock()
	entry, exists := r.entries[portPath]
	if exists {
		delete(r.entries, portPath)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var err error
	if entry.bus != nil {
		err = entry.bus.Close()
		entry.bus = nil
		atomic.StoreInt64(&entry.refCount, 0)
	}
	return err
}

// Status returns the reference count, whether a bus is open, and a short summary.
func (r *BusRegistry) Status(portPath string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[portPath]
	r.mu.RUnlock()

	if !exists {
		return 0, false, ""
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	hasBus := entry.bus != nil
	summary := fmt.Sprintf("Serial: %s@%d", entry.config.Port, entry.config.Baudrate)
	if hasBus {
		summary += ", health: " + string(entry.bus.Health())
	}
	return atomic.LoadInt64(&entry.refCount), hasBus, summary
}

// Compare configs for compatibility
func busConfigsEqual(a, b BusConfig) bool {
	return a.Port == b.Port &&
		a.Baudrate == b.Baudrate &&
		a.Timeout == b.Timeout
}
