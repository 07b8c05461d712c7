package isdn

import (
	"fmt"
	"sort"
	"sync"

	"avaneesh/lapd-go/pkg/capture"
	"avaneesh/lapd-go/pkg/channel"
	"avaneesh/lapd-go/pkg/internal/logger"
	"avaneesh/lapd-go/pkg/journal"
)

// Manager is the root object of the stack
// It owns the interfaces and provides the main API entry point
type Manager struct {
	interfaces map[string]*Interface
	capture    *capture.Writer
	journal    *journal.Journal
	mu         sync.RWMutex
	logger     logger.Logger
}

// NewManager creates a new manager
func NewManager() *Manager {
	return NewManagerWithLogger(logger.GetDefault())
}

// NewManagerWithLogger creates a new manager with custom logger
func NewManagerWithLogger(log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	return &Manager{
		interfaces: make(map[string]*Interface),
		logger:     log,
	}
}

// SetCapture records the frames of interfaces added afterwards. The writer
// stays owned by the caller.
func (m *Manager) SetCapture(w *capture.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capture = w
}

// SetJournal records management events of interfaces added afterwards. The
// journal stays owned by the caller.
func (m *Manager) SetJournal(j *journal.Journal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = j
}

// AddInterface creates an interface on the given physical channel and
// opens it. The handler may be nil.
func (m *Manager) AddInterface(cfg InterfaceConfig, physical channel.PhysicalChannel, handler Handler) (*Interface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.interfaces[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrInterfaceExists, cfg.Name)
	}

	ch := channel.New(cfg.Name, physical, m.logger)
	iface, err := newInterface(cfg, ch, handler, m.journal, m.logger)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", cfg.Name, err)
	}
	ch.SetReceiver(iface)
	if m.capture != nil {
		ch.SetTap(m.capture.Tap(cfg.Role))
	}

	if err := ch.Open(); err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	iface.start()

	m.interfaces[cfg.Name] = iface
	m.logger.Info("Manager: Added %s interface %s (%s)", cfg.Role, cfg.Name, cfg.Mode)
	return iface, nil
}

// RemoveInterface closes and removes an interface
func (m *Manager) RemoveInterface(name string) error {
	m.mu.Lock()
	iface, exists := m.interfaces[name]
	delete(m.interfaces, name)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrInterfaceNotFound, name)
	}
	if err := iface.Close(); err != nil {
		m.logger.Error("Error closing interface %s: %v", name, err)
	}
	m.logger.Info("Manager: Removed interface %s", name)
	return nil
}

// GetInterface returns an interface by name
func (m *Manager) GetInterface(name string) (*Interface, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	iface, exists := m.interfaces[name]
	return iface, exists
}

// Interfaces returns the names of all interfaces, sorted
func (m *Manager) Interfaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.interfaces))
	for name := range m.interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown closes every interface. Network interfaces remove all TEIs
// first.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	interfaces := m.interfaces
	m.interfaces = make(map[string]*Interface)
	m.mu.Unlock()

	m.logger.Info("Manager: Shutting down")

	for name, iface := range interfaces {
		if err := iface.Close(); err != nil {
			m.logger.Error("Error closing interface %s: %v", name, err)
		}
	}

	m.logger.Info("Manager: Shutdown complete")
	return nil
}

// InterfaceCount returns the number of interfaces
func (m *Manager) InterfaceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.interfaces)
}

// SetLogger sets the logger for interfaces added afterwards
func (m *Manager) SetLogger(log logger.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = log
}
