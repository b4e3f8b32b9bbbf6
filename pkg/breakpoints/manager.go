package breakpoints

import (
	"fmt"

	"github.com/daschewie/armdbg/pkg/events"
	"github.com/daschewie/armdbg/pkg/memorymap"
)

// minHWBreakpoints is the number of hardware comparators the manager
// tries to keep free so an existing hardware breakpoint can be stepped
// over.
const minHWBreakpoints = 1

// Manager decides which provider implements each requested breakpoint and
// defers target modification until a flush. Requests accumulate in the
// pending map; the flush before any resume or step diffs it against the
// live map and applies the changes. Disconnect removes every installed
// breakpoint.
type Manager struct {
	current  map[uint32]*Breakpoint
	pending  map[uint32]*Breakpoint
	memMap   *memorymap.Map
	provider map[Type]Provider
	fpb      HWProvider
	flashBP  Provider

	ignoreNotifications bool
}

// NewManager builds a manager over the given memory map. Providers are
// registered separately.
func NewManager(memMap *memorymap.Map) *Manager {
	return &Manager{
		current:  map[uint32]*Breakpoint{},
		pending:  map[uint32]*Breakpoint{},
		memMap:   memMap,
		provider: map[Type]Provider{},
	}
}

// Attach subscribes the manager to the run/disconnect events that force a
// flush.
func (m *Manager) Attach(bus *events.Bus) {
	bus.Subscribe(events.PreRun, func(n events.Notification) {
		if m.ignoreNotifications {
			return
		}
		isStep := n.Data == events.RunStep
		// Breakpoints must be committed before the core runs; an error
		// here is already reflected in the maps and surfaces on the next
		// explicit flush.
		_ = m.Flush(isStep)
	})
	bus.Subscribe(events.PreDisconnect, func(n events.Notification) {
		if m.ignoreNotifications {
			return
		}
		_ = m.RemoveAll()
	})
}

// AddProvider registers a provider for its type.
func (m *Manager) AddProvider(p Provider) {
	m.provider[p.Type()] = p
	if p.Type() == TypeHW {
		if hw, ok := p.(HWProvider); ok {
			m.fpb = hw
		}
	}
	if p.Type() == TypeFlash {
		m.flashBP = p
	}
}

// Breakpoints returns the addresses of all live breakpoints.
func (m *Manager) Breakpoints() []uint32 {
	addrs := make([]uint32, 0, len(m.current))
	for addr := range m.current {
		addrs = append(addrs, addr)
	}
	return addrs
}

// FindBreakpoint returns the requested breakpoint at addr, reflecting
// pending changes.
func (m *Manager) FindBreakpoint(addr uint32) *Breakpoint {
	return m.pending[addr&^1]
}

// SetBreakpoint requests a breakpoint. The target is not modified until
// the next flush. Setting an already-requested address is a no-op.
func (m *Manager) SetBreakpoint(addr uint32, typ Type) error {
	addr &^= 1 // clear the Thumb bit

	if _, ok := m.pending[addr]; ok {
		return nil
	}
	// Reuse the live object so the original instruction survives a
	// remove/re-add cycle within one flush window.
	if bp, ok := m.current[addr]; ok {
		m.pending[addr] = bp
		return nil
	}
	m.pending[addr] = &Breakpoint{Type: typ, Addr: addr}
	return nil
}

// RemoveBreakpoint requests removal. The target is not modified until the
// next flush.
func (m *Manager) RemoveBreakpoint(addr uint32) {
	delete(m.pending, addr&^1)
}

// updatedBreakpoints diffs pending against current.
func (m *Manager) updatedBreakpoints() (added, removed []*Breakpoint) {
	for addr, bp := range m.pending {
		if _, ok := m.current[addr]; !ok {
			added = append(added, bp)
		}
	}
	for addr, bp := range m.current {
		if _, ok := m.pending[addr]; !ok {
			removed = append(removed, bp)
		}
	}
	return added, removed
}

// selectType applies the placement policy to one added breakpoint.
// allowAllHW lifts the reserve-for-step rule when this flush adds a
// single breakpoint outside a step.
func (m *Manager) selectType(bp *Breakpoint, allowAllHW bool) (Type, error) {
	typ := bp.Type

	var isFlash, isRAM bool
	region := m.memMap.RegionForAddress(bp.Addr)
	if region != nil {
		isFlash = region.IsFlash()
		isRAM = region.IsRAM()
	} else {
		// Unknown memory: hardware is the only choice that does not
		// modify target state.
		typ = TypeHW
	}

	inHWRange := bp.Addr < 0x20000000
	haveHW := false
	if m.fpb != nil {
		avail := m.fpb.AvailableBreakpoints()
		haveHW = avail > minHWBreakpoints || (allowAllHW && avail > 0)
	}

	if typ == TypeAuto {
		switch {
		case isRAM:
			typ = TypeSW
		case isFlash && inHWRange && haveHW:
			typ = TypeHW
		case isFlash && m.flashBP != nil:
			typ = TypeFlash
		case isFlash:
			return 0, fmt.Errorf("no free hardware breakpoint for flash address 0x%08x", bp.Addr)
		default:
			typ = TypeHW
		}
	}

	// Hardware comparators cannot match above 0x20000000.
	if typ == TypeHW && !inHWRange {
		switch {
		case isRAM:
			typ = TypeSW
		case isFlash && m.flashBP != nil:
			typ = TypeFlash
		default:
			return 0, fmt.Errorf("address 0x%08x out of hardware breakpoint range", bp.Addr)
		}
	}

	// Flash cannot be patched in place; prefer hardware, fall back to the
	// flash provider when comparators run out.
	if isFlash {
		switch {
		case inHWRange && haveHW:
			typ = TypeHW
		case m.flashBP != nil:
			typ = TypeFlash
		default:
			return 0, fmt.Errorf("no free hardware breakpoint for flash address 0x%08x", bp.Addr)
		}
	}

	return typ, nil
}

// Flush commits pending changes: removals first, then additions with
// types selected under the current comparator availability. Provider
// flushes run last so the flash provider can coalesce page rewrites.
func (m *Manager) Flush(isStep bool) error {
	m.ignoreNotifications = true
	defer func() { m.ignoreNotifications = false }()

	added, removed := m.updatedBreakpoints()

	var firstErr error
	for _, bp := range removed {
		if bp.Provider != nil {
			if err := bp.Provider.RemoveBreakpoint(bp); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(m.current, bp.Addr)
	}

	// All comparators are usable when a lone breakpoint is added outside
	// a step; otherwise one stays reserved for stepping.
	allowAllHW := !isStep && len(added) == 1

	for _, bp := range added {
		typ, err := m.selectType(bp, allowAllHW)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			delete(m.pending, bp.Addr)
			continue
		}
		provider, ok := m.provider[typ]
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("no provider for %v breakpoint", typ)
			}
			delete(m.pending, bp.Addr)
			continue
		}
		installed, err := provider.SetBreakpoint(bp.Addr)
		if err != nil || installed == nil {
			if err != nil && firstErr == nil {
				firstErr = err
			}
			delete(m.pending, bp.Addr)
			continue
		}
		installed.Provider = provider
		m.current[installed.Addr] = installed
	}

	// Pending mirrors the committed state after a flush.
	m.pending = make(map[uint32]*Breakpoint, len(m.current))
	for addr, bp := range m.current {
		m.pending[addr] = bp
	}

	for _, p := range m.provider {
		if err := p.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RemoveAll uninstalls every breakpoint immediately.
func (m *Manager) RemoveAll() error {
	var firstErr error
	for addr, bp := range m.current {
		if bp.Provider != nil {
			if err := bp.Provider.RemoveBreakpoint(bp); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(m.current, addr)
		delete(m.pending, addr)
	}
	for _, p := range m.provider {
		if err := p.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BreakpointType returns the requested type at addr, or TypeAuto when no
// breakpoint is requested there.
func (m *Manager) BreakpointType(addr uint32) (Type, bool) {
	bp := m.FindBreakpoint(addr)
	if bp == nil {
		return TypeAuto, false
	}
	return bp.Type, true
}

// FilterMemory chains every filtering provider over one read value.
func (m *Manager) FilterMemory(addr uint32, size uint32, value uint32) uint32 {
	for _, p := range m.provider {
		if p.FiltersMemory() {
			value = p.FilterMemory(addr, size, value)
		}
	}
	return value
}

// FilterMemoryBytes chains filters across a byte block.
func (m *Manager) FilterMemoryBytes(addr uint32, data []byte) {
	for _, p := range m.provider {
		if !p.FiltersMemory() {
			continue
		}
		for i := range data {
			data[i] = byte(p.FilterMemory(addr+uint32(i), 8, uint32(data[i])))
		}
	}
}
