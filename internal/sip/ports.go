// Package sip implements the telephony side of the callbot: local UDP port
// allocation, PBX registration with digest authentication, auto-accepted
// incoming calls and per-call RTP media sessions carrying G.711 audio.
//
// The package is built on github.com/emiago/sipgo for SIP signaling,
// github.com/pion/sdp for offer/answer bodies and github.com/pion/rtp +
// github.com/zaf/g711 for the media plane.
package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
)

// ErrPortExhausted is returned by [PortAllocator.Allocate] when neither the
// sequential candidates nor the bounded randomized fallback yielded a free
// local UDP port.
var ErrPortExhausted = errors.New("sip: local ports exhausted")

const (
	// DefaultPortStart is the first sequential candidate when the caller does
	// not specify one.
	DefaultPortStart = 5070

	// DefaultPortRange is the number of sequential candidates tried before
	// switching to randomized probing.
	DefaultPortRange = 20

	// Randomized fallback probes draw from [randomPortMin, randomPortMax).
	randomPortMin = 10000
	randomPortMax = 65000

	// randomAttempts bounds the randomized fallback phase.
	randomAttempts = 64
)

// PortBinding is an OS-level UDP socket bound to one local port, exclusively
// owned by whoever allocated it. The bind is held until [PortBinding.Release];
// only then may the allocator hand the same number out again.
type PortBinding struct {
	port int
	conn *net.UDPConn

	releaseOnce sync.Once
	onRelease   func(port int)
}

// Port returns the bound local port number.
func (b *PortBinding) Port() int { return b.port }

// Conn returns the bound socket. The binding retains ownership; callers must
// not close it directly — use [PortBinding.Release].
func (b *PortBinding) Conn() *net.UDPConn { return b.conn }

// Release closes the socket and returns the port number to the allocator's
// free pool. Safe to call more than once; only the first call releases.
func (b *PortBinding) Release() error {
	var err error
	b.releaseOnce.Do(func() {
		err = b.conn.Close()
		if b.onRelease != nil {
			b.onRelease(b.port)
		}
	})
	return err
}

// PortAllocator finds free local UDP ports for SIP signaling and RTP media.
// Candidates are probed by actually binding them, so a returned
// [PortBinding] is immediately usable and cannot race another local
// process for the same number.
//
// Two numbers are never candidates: the remote PBX port (local and remote
// ports are distinct configuration values) and any port belonging to an
// unreleased binding from this allocator.
//
// PortAllocator is safe for concurrent use.
type PortAllocator struct {
	remotePort int
	log        *slog.Logger
	metrics    *observe.Metrics

	mu    sync.Mutex
	inUse map[int]struct{}
	rng   *rand.Rand
}

// AllocatorOption configures a [PortAllocator].
type AllocatorOption func(*PortAllocator)

// WithAllocatorLogger sets the logger. Defaults to [slog.Default].
func WithAllocatorLogger(l *slog.Logger) AllocatorOption {
	return func(a *PortAllocator) {
		a.log = l
	}
}

// WithAllocatorMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithAllocatorMetrics(m *observe.Metrics) AllocatorOption {
	return func(a *PortAllocator) {
		a.metrics = m
	}
}

// NewPortAllocator creates an allocator that never hands out remotePort.
func NewPortAllocator(remotePort int, opts ...AllocatorOption) *PortAllocator {
	a := &PortAllocator{
		remotePort: remotePort,
		log:        slog.Default(),
		inUse:      make(map[int]struct{}),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Allocate probes preferredStart, preferredStart+1, … for preferredRange
// sequential candidates, then falls back to bounded randomized probing in
// the high-numbered range. Zero or negative arguments select the defaults
// (5070, 20).
//
// On success the returned binding holds the OS bind until released. Returns
// [ErrPortExhausted] when every candidate was taken.
func (a *PortAllocator) Allocate(preferredStart, preferredRange int) (*PortBinding, error) {
	if preferredStart <= 0 {
		preferredStart = DefaultPortStart
	}
	if preferredRange <= 0 {
		preferredRange = DefaultPortRange
	}

	for i := 0; i < preferredRange; i++ {
		candidate := preferredStart + i
		if candidate > 65535 {
			break
		}
		if b, ok := a.tryBind(candidate); ok {
			a.metrics.RecordPortAllocation(context.Background(), "sequential")
			return b, nil
		}
	}

	a.log.Debug("sequential port probe exhausted, switching to randomized",
		"start", preferredStart, "range", preferredRange)

	for i := 0; i < randomAttempts; i++ {
		a.mu.Lock()
		candidate := randomPortMin + a.rng.Intn(randomPortMax-randomPortMin)
		a.mu.Unlock()
		if b, ok := a.tryBind(candidate); ok {
			a.metrics.RecordPortAllocation(context.Background(), "randomized")
			return b, nil
		}
	}

	return nil, fmt.Errorf("%w: %d sequential from %d, %d randomized",
		ErrPortExhausted, preferredRange, preferredStart, randomAttempts)
}

// tryBind attempts to reserve and bind one candidate port.
func (a *PortAllocator) tryBind(port int) (*PortBinding, bool) {
	if port == a.remotePort {
		return nil, false
	}

	a.mu.Lock()
	if _, taken := a.inUse[port]; taken {
		a.mu.Unlock()
		return nil, false
	}
	// Reserve before binding so a concurrent Allocate cannot race us to the
	// same number between the map check and the bind.
	a.inUse[port] = struct{}{}
	a.mu.Unlock()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		a.mu.Lock()
		delete(a.inUse, port)
		a.mu.Unlock()
		return nil, false
	}

	a.log.Debug("local port bound", "port", port)
	return &PortBinding{
		port:      port,
		conn:      conn,
		onRelease: a.release,
	}, true
}

// release returns a port to the free pool. Called via [PortBinding.Release].
func (a *PortAllocator) release(port int) {
	a.mu.Lock()
	delete(a.inUse, port)
	a.mu.Unlock()
	a.log.Debug("local port released", "port", port)
}
