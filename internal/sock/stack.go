package sock

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"wg-udp-plane/internal/core"
	"wg-udp-plane/internal/platform"
)

// Stack is the process-wide binding to the OS socket and routing providers.
// One Stack serves any number of devices. Init is sticky: after the first
// terminal status, success or failure, later calls return it unchanged.
type Stack struct {
	sockets platform.SocketProvider
	routes  platform.RouteProvider

	mu     sync.Mutex // serializes Init and Unload
	status atomic.Pointer[error]

	// Routing generations, one per family. They start at 1 and move in
	// steps of 2 so a cleared binding's generation of 0 can never match.
	gen4, gen6 atomic.Int32

	cancelRoute4, cancelRoute6 func()

	has4, has6 bool
	noBatch    bool

	ctxPool *sync.Pool
}

// NewStack binds to the given providers without initializing anything.
func NewStack(sockets platform.SocketProvider, routes platform.RouteProvider) *Stack {
	s := &Stack{sockets: sockets, routes: routes}
	st := ErrRetry
	s.status.Store(&st)
	s.gen4.Store(1)
	s.gen6.Store(1)
	return s
}

// Status returns the latched init status. ErrRetry means Init has never
// been attempted; nil means it succeeded.
func (s *Stack) Status() error { return *s.status.Load() }

func (s *Stack) storeStatus(err error) { s.status.Store(&err) }

// HasV4 reports whether the provider offers a v4 UDP transport.
func (s *Stack) HasV4() bool { return s.has4 }

// HasV6 reports whether the provider offers a v6 UDP transport.
func (s *Stack) HasV6() bool { return s.has6 }

// RoutingGeneration returns the family-wide routing generation.
func (s *Stack) RoutingGeneration(family platform.Family) uint32 {
	switch family {
	case platform.FamilyV4:
		return uint32(s.gen4.Load())
	case platform.FamilyV6:
		return uint32(s.gen6.Load())
	default:
		return 0
	}
}

// Init probes the providers, creates the send-context pool, and subscribes
// to routing-change notifications. The result is latched; repeated calls
// after a terminal status are no-ops returning it.
func (s *Stack) Init() error {
	if st := s.Status(); !errors.Is(st, ErrRetry) {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.Status(); !errors.Is(st, ErrRetry) {
		return st
	}

	s.noBatch = !s.sockets.HasBatchSend()
	s.ctxPool = &sync.Pool{New: func() any { return new(sendCtx) }}

	has4, has6, err := s.sockets.Transports()
	if err != nil {
		err = fmt.Errorf("enumerate transports: %w", err)
		s.storeStatus(err)
		return err
	}
	s.has4, s.has6 = has4, has6

	cancel4, err := s.routes.SubscribeRouteChanges(platform.FamilyV4, func() {
		s.gen4.Add(2)
	})
	if err != nil {
		err = fmt.Errorf("subscribe v4 route changes: %w", err)
		s.storeStatus(err)
		return err
	}
	cancel6, err := s.routes.SubscribeRouteChanges(platform.FamilyV6, func() {
		s.gen6.Add(2)
	})
	if err != nil {
		cancel4()
		err = fmt.Errorf("subscribe v6 route changes: %w", err)
		s.storeStatus(err)
		return err
	}
	s.cancelRoute4, s.cancelRoute6 = cancel4, cancel6

	core.Log.Infof("Lifecycle", "Socket provider bound: v4=%v v6=%v batched=%v", has4, has6, !s.noBatch)
	s.storeStatus(nil)
	return nil
}

// Unload tears down the route subscriptions. Only meaningful after a
// successful Init; the latched status is left in place.
func (s *Stack) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status() != nil {
		return
	}
	s.cancelRoute6()
	s.cancelRoute4()
	core.Log.Infof("Lifecycle", "Socket provider unbound")
}
