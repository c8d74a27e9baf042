package sip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

// Media is the per-call audio surface handed to the call handler. Writes are
// LPCM playback, the frame handler receives LPCM capture, both 8 kHz 16-bit
// mono.
type Media interface {
	io.Writer
	Flush()
	WaitDrained(ctx context.Context) error
	SetFrameHandler(func(pcm []byte))
}

var _ Media = (*MediaSession)(nil)

const (
	// Telephony audio is 8 kHz 16-bit mono; one RTP frame carries 20 ms.
	wireSampleRate = 8000
	frameSamples   = wireSampleRate / 50
	framePCMBytes  = frameSamples * 2
	frameDuration  = 20 * time.Millisecond

	// playbackQueueSize bounds buffered outbound frames. At 20 ms per frame
	// this is well over a minute of speech, so only a runaway producer ever
	// hits the limit.
	playbackQueueSize = 4096

	readBufferSize = 1500
)

// MediaSession is the RTP leg of one call. It decodes inbound G.711 packets
// to 16-bit LPCM frames for the capture side and paces queued LPCM playback
// out as 20 ms G.711 packets.
//
// All PCM crossing this boundary is 8 kHz 16-bit little-endian mono.
type MediaSession struct {
	callID  string
	binding *PortBinding
	codec   Codec
	log     *slog.Logger

	remoteMu   sync.RWMutex
	remoteAddr *net.UDPAddr
	latched    bool

	queue chan []byte

	// pending counts frames accepted for playback but not yet sent. It is
	// raised before a frame becomes visible in the queue and lowered only
	// after the send completes, so WaitDrained cannot observe an empty queue
	// while the sender still holds a dequeued frame.
	pending atomic.Int64

	writeMu  sync.Mutex
	writeBuf []byte

	frameMu sync.RWMutex
	onFrame func(pcm []byte)

	onError func(err error)

	seq  uint16
	ts   uint32
	ssrc uint32

	lastSend time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopped  atomic.Bool
}

// newMediaSession wires an RTP socket to a call. remoteAddr may be nil when
// the SDP offer carried no connection address; the session then learns the
// peer from the first inbound packet. onError fires once on a fatal socket
// error so the endpoint can force-end just this call.
func newMediaSession(callID string, binding *PortBinding, codec Codec, remoteAddr *net.UDPAddr, onError func(error), log *slog.Logger) *MediaSession {
	return &MediaSession{
		callID:     callID,
		binding:    binding,
		codec:      codec,
		log:        log,
		remoteAddr: remoteAddr,
		queue:      make(chan []byte, playbackQueueSize),
		onError:    onError,
		seq:        uint16(rand.Intn(65536)),
		ts:         rand.Uint32(),
		ssrc:       rand.Uint32(),
		stopCh:     make(chan struct{}),
	}
}

// SetFrameHandler registers the receiver for inbound audio frames. Each call
// replaces the previous handler. Frames arriving before a handler is set are
// dropped.
func (m *MediaSession) SetFrameHandler(fn func(pcm []byte)) {
	m.frameMu.Lock()
	m.onFrame = fn
	m.frameMu.Unlock()
}

// Write queues LPCM audio for playback, chunked into 20 ms frames. A trailing
// partial frame is held back and prepended to the next Write so continuous
// speech is never fragmented. Write never blocks; frames beyond the queue
// bound are dropped with a warning.
func (m *MediaSession) Write(pcm []byte) (int, error) {
	if m.stopped.Load() {
		return 0, net.ErrClosed
	}

	m.writeMu.Lock()
	m.writeBuf = append(m.writeBuf, pcm...)
	for len(m.writeBuf) >= framePCMBytes {
		frame := make([]byte, framePCMBytes)
		copy(frame, m.writeBuf[:framePCMBytes])
		m.writeBuf = m.writeBuf[framePCMBytes:]

		m.pending.Add(1)
		select {
		case m.queue <- frame:
		default:
			m.pending.Add(-1)
			m.log.Warn("playback queue full, dropping frame", "call_id", m.callID)
		}
	}
	m.writeMu.Unlock()

	return len(pcm), nil
}

// Flush discards all queued and partially buffered playback. Used for
// barge-in and hang-up so stale speech never plays after its moment passed.
func (m *MediaSession) Flush() {
	m.writeMu.Lock()
	m.writeBuf = nil
	m.writeMu.Unlock()

	for {
		select {
		case <-m.queue:
			m.pending.Add(-1)
		default:
			return
		}
	}
}

// WaitDrained blocks until every queued frame has been sent, the context
// expires or the session stops. Playback is paced in real time, so this is
// how callers observe "the bot finished speaking".
func (m *MediaSession) WaitDrained(ctx context.Context) error {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		if m.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return nil
		case <-ticker.C:
		}
	}
}

// start launches the reader and sender loops.
func (m *MediaSession) start() {
	m.wg.Add(2)
	go m.readLoop()
	go m.sendLoop()
}

// stop ends both loops and releases the RTP port. Idempotent.
func (m *MediaSession) stop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		close(m.stopCh)
		m.binding.Release()
		m.wg.Wait()
	})
}

// readLoop receives RTP, decodes G.711 payloads and hands LPCM frames to the
// registered handler. The first inbound packet overrides the SDP-declared
// peer address; symmetric RTP survives NAT where the offer's address does not.
func (m *MediaSession) readLoop() {
	defer m.wg.Done()

	conn := m.binding.Conn()
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if m.stopped.Load() {
				return
			}
			m.log.Warn("rtp read failed", "call_id", m.callID, "error", err)
			if m.onError != nil {
				m.onError(fmt.Errorf("rtp read: %w", err))
			}
			return
		}

		m.remoteMu.Lock()
		if !m.latched {
			m.remoteAddr = addr
			m.latched = true
			m.log.Debug("rtp peer latched", "call_id", m.callID, "addr", addr.String())
		}
		m.remoteMu.Unlock()

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		var pcm []byte
		switch pkt.PayloadType {
		case uint8(CodecPCMU):
			pcm = g711.DecodeUlaw(pkt.Payload)
		case uint8(CodecPCMA):
			pcm = g711.DecodeAlaw(pkt.Payload)
		default:
			continue
		}

		m.frameMu.RLock()
		handler := m.onFrame
		m.frameMu.RUnlock()
		if handler != nil {
			handler(pcm)
		}
	}
}

// sendLoop encodes queued LPCM frames to the negotiated codec and sends them
// paced at wall-clock rate, one packet per 20 ms of audio.
func (m *MediaSession) sendLoop() {
	defer m.wg.Done()

	conn := m.binding.Conn()

	for {
		select {
		case <-m.stopCh:
			return
		case frame := <-m.queue:
			m.remoteMu.RLock()
			remote := m.remoteAddr
			m.remoteMu.RUnlock()
			if remote == nil {
				// No destination yet; the call has not produced a single
				// inbound packet and the offer had no address.
				m.pending.Add(-1)
				continue
			}

			if !m.lastSend.IsZero() {
				if elapsed := time.Since(m.lastSend); elapsed < frameDuration {
					time.Sleep(frameDuration - elapsed)
				}
			}
			m.lastSend = time.Now()

			var payload []byte
			if m.codec == CodecPCMA {
				payload = g711.EncodeAlaw(frame)
			} else {
				payload = g711.EncodeUlaw(frame)
			}

			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    uint8(m.codec),
					SequenceNumber: m.seq,
					Timestamp:      m.ts,
					SSRC:           m.ssrc,
				},
				Payload: payload,
			}
			m.seq++
			m.ts += frameSamples

			raw, err := pkt.Marshal()
			if err != nil {
				m.pending.Add(-1)
				continue
			}
			if _, err := conn.WriteToUDP(raw, remote); err != nil {
				m.log.Warn("rtp send failed", "call_id", m.callID, "error", err)
			}
			m.pending.Add(-1)
		}
	}
}
