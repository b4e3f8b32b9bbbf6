// Package session composes a probe, a debug port, and the discovered
// cores into one debug session with a defined open/close lifecycle.
package session

import (
	"fmt"
	"os"

	"github.com/daschewie/armdbg/pkg/events"
	"github.com/daschewie/armdbg/pkg/probe"
)

// defaultClockFreq is used when no frequency option is set.
const defaultClockFreq = 1000000 // 1 MHz

// Session is the root of the object graph. It exclusively owns its probe
// and board and guarantees the probe is released on every exit path.
type Session struct {
	probe   probe.DebugProbe
	board   *Board
	options Options
	bus     *events.Bus

	inited bool
	closed bool
}

// New builds a session around a probe. The options map may be nil.
func New(p probe.DebugProbe, options Options) *Session {
	if options == nil {
		options = Options{}
	}
	s := &Session{
		probe:   p,
		options: options,
		bus:     events.NewBus(),
		closed:  true,
	}
	s.board = NewBoard(s)
	return s
}

// Probe returns the owned probe.
func (s *Session) Probe() probe.DebugProbe { return s.probe }

// Board returns the owned board.
func (s *Session) Board() *Board { return s.board }

// Options returns the option bag.
func (s *Session) Options() Options { return s.options }

// Bus returns the session event bus.
func (s *Session) Bus() *events.Bus { return s.bus }

// IsOpen reports whether Open succeeded and Close has not run.
func (s *Session) IsOpen() bool { return s.inited && !s.closed }

// Open opens the probe, applies the clock setting, and initializes the
// board. Opening an open session is a no-op.
func (s *Session) Open() error {
	if s.inited {
		return nil
	}
	if err := s.probe.Open(); err != nil {
		return fmt.Errorf("open probe: %w", err)
	}
	if err := s.probe.SetClock(s.options.GetInt(OptionFrequency, defaultClockFreq)); err != nil {
		s.closeProbe()
		return fmt.Errorf("set clock: %w", err)
	}
	if err := s.board.Init(); err != nil {
		s.closeProbe()
		return fmt.Errorf("init board: %w", err)
	}
	s.inited = true
	s.closed = false
	return nil
}

// Close tears the session down in reverse order of Open. Errors on each
// resource are reported to stderr and swallowed so a partial failure
// never leaks the probe.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true

	if s.inited {
		if err := s.board.Uninit(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: board shutdown: %v\n", err)
		}
		s.inited = false
	}
	s.closeProbe()
}

func (s *Session) closeProbe() {
	if !s.probe.IsOpen() {
		return
	}
	if err := s.probe.Disconnect(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: probe disconnect: %v\n", err)
	}
	if err := s.probe.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: probe close: %v\n", err)
	}
}
