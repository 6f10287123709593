// Package ingest subscribes to an Open Ephys ZMQ data stream and feeds raw
// channel frames into the pipeline. A companion REQ socket heartbeats the
// acquisition host so stalled streams are detected and reconnected instead
// of silently starving the pipeline.
package ingest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/openephys-tools/zmq2osc/internal/pipeline"
	"github.com/openephys-tools/zmq2osc/pkg/bus"
	"github.com/openephys-tools/zmq2osc/pkg/config"
	"github.com/openephys-tools/zmq2osc/pkg/errors"
)

const applicationName = "zmq2osc"

// ConnectionStatus is published on the ingest connection status topic on
// every transition.
type ConnectionStatus struct {
	Connected bool      `json:"connected"`
	Endpoint  string    `json:"endpoint"`
	Since     time.Time `json:"since"`
}

// StreamEvent is published on the ingest event topic for every event or
// spike message seen on the stream.
type StreamEvent struct {
	Type       string `json:"type"`
	MessageNum int64  `json:"message_num"`
}

// heartbeat is the JSON body sent on the REQ socket so the acquisition GUI
// lists this process as a connected client.
type heartbeat struct {
	Application string `json:"application"`
	UUID        string `json:"uuid"`
	Type        string `json:"type"`
}

// Source is the ZMQ ingest source. It implements pipeline.Source: Open
// starts the receive and heartbeat workers, Frames exposes the decoded data
// stream, Close tears both down.
type Source struct {
	cfg    config.IngestConfig
	bus    *bus.Dispatcher
	logger *zap.Logger

	frames chan pipeline.Frame
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	sub zmq4.Socket
	req zmq4.Socket

	connected  atomic.Bool
	lastMsgNum atomic.Int64
	received   atomic.Uint64
	missed     atomic.Uint64
	skipped    atomic.Uint64
	sampleRate atomic.Uint64 // float64 bits, last seen
}

// NewSource creates a source for the given ingest endpoint. Nothing connects
// until Open.
func NewSource(cfg config.IngestConfig, d *bus.Dispatcher, logger *zap.Logger) *Source {
	s := &Source{
		cfg:    cfg,
		bus:    d,
		logger: logger.With(zap.String("component", "ingest")),
		frames: make(chan pipeline.Frame, 256),
	}
	s.lastMsgNum.Store(-1)
	return s
}

// Frames returns the decoded data frame stream. The channel is never closed
// while the source is open; consumers stop via their own context.
func (s *Source) Frames() <-chan pipeline.Frame { return s.frames }

// DataEndpoint returns the SUB endpoint address.
func (s *Source) DataEndpoint() string {
	return fmt.Sprintf("tcp://%s:%d", s.cfg.Host, s.cfg.DataPort)
}

// heartbeatEndpoint is the REQ endpoint, by convention one port above the
// data port.
func (s *Source) heartbeatEndpoint() string {
	return fmt.Sprintf("tcp://%s:%d", s.cfg.Host, s.cfg.DataPort+1)
}

// Open dials the data subscription and starts the receive and heartbeat
// workers. ZMQ connects lazily, so Open succeeding means the endpoint is
// well-formed, not that the publisher is up; liveness is the heartbeat's
// job.
func (s *Source) Open(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	sub := zmq4.NewSub(runCtx)
	if err := sub.Dial(s.DataEndpoint()); err != nil {
		cancel()
		return errors.Wrap(err, errors.ErrorTypeConnection,
			fmt.Sprintf("failed to dial data endpoint %s", s.DataEndpoint()))
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		sub.Close()
		cancel()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to subscribe")
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	s.logger.Info("ingest subscription opened",
		zap.String("endpoint", s.DataEndpoint()),
		zap.String("uuid", s.cfg.AppUUID))

	s.wg.Add(2)
	go s.recvLoop(runCtx)
	go s.heartbeatLoop(runCtx)
	return nil
}

// Close stops both workers and closes the sockets. Safe to call after a
// failed Open.
func (s *Source) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.req != nil {
		s.req.Close()
		s.req = nil
	}
	if s.sub != nil {
		err := s.sub.Close()
		s.sub = nil
		return err
	}
	return nil
}

// Stats reports receive-side counters.
func (s *Source) Stats() (received, missed, skipped uint64) {
	return s.received.Load(), s.missed.Load(), s.skipped.Load()
}

// SampleRate returns the acquisition sample rate last advertised by the
// stream, or zero before the first data message.
func (s *Source) SampleRate() float64 {
	return math.Float64frombits(s.sampleRate.Load())
}

// recvLoop receives stream messages, decodes them, and forwards data frames.
// Malformed messages are logged and skipped so one bad publisher message
// cannot stall the stream.
func (s *Source) recvLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		msg, err := s.sub.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("receive failed", zap.Error(err))
			continue
		}

		p, err := parseMessage(msg.Frames)
		if err != nil {
			s.logger.Warn("dropping malformed stream message", zap.Error(err))
			s.bus.Publish(bus.TopicError, err.Error(), "ingest")
			continue
		}

		s.markAlive()
		s.noteMessageNum(p.MessageNum)

		if p.Type != messageTypeData {
			// Events and spikes are surfaced to observers, never buffered.
			s.skipped.Add(1)
			s.bus.Publish(bus.TopicIngestEvent, StreamEvent{
				Type:       p.Type,
				MessageNum: p.MessageNum,
			}, "ingest")
			continue
		}

		s.received.Add(1)
		if p.SampleRate > 0 {
			s.sampleRate.Store(math.Float64bits(p.SampleRate))
		}

		select {
		case s.frames <- p.Frame:
		case <-ctx.Done():
			return
		}
	}
}

// noteMessageNum tracks publisher message numbering so gaps are surfaced.
// Numbering restarts (a publisher restart) reset the baseline silently.
func (s *Source) noteMessageNum(n int64) {
	last := s.lastMsgNum.Swap(n)
	if last < 0 || n <= last {
		return
	}
	if gap := n - last - 1; gap > 0 {
		s.missed.Add(uint64(gap))
		s.logger.Warn("missed stream messages",
			zap.Int64("gap", gap),
			zap.Int64("last", last),
			zap.Int64("current", n))
	}
}

// markAlive records publisher liveness and publishes the transition to
// connected.
func (s *Source) markAlive() {
	if s.connected.CompareAndSwap(false, true) {
		s.logger.Info("acquisition stream alive", zap.String("endpoint", s.DataEndpoint()))
		s.bus.Publish(bus.TopicIngestStatus, ConnectionStatus{
			Connected: true,
			Endpoint:  s.DataEndpoint(),
			Since:     time.Now(),
		}, "ingest")
	}
}

// markDead publishes the transition to disconnected.
func (s *Source) markDead() {
	if s.connected.CompareAndSwap(true, false) {
		s.logger.Warn("acquisition stream not responding",
			zap.String("endpoint", s.DataEndpoint()),
			zap.Duration("timeout", s.cfg.NotRespondingTimeout))
		s.bus.Publish(bus.TopicIngestStatus, ConnectionStatus{
			Connected: false,
			Endpoint:  s.DataEndpoint(),
			Since:     time.Now(),
		}, "ingest")
	}
}

// heartbeatLoop periodically pings the acquisition host on the REQ socket.
// A reply marks the stream alive; missing replies past the not-responding
// timeout mark it dead and rebuild the REQ socket, since a REQ that missed a
// reply is wedged until recreated.
func (s *Source) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	body, _ := json.Marshal(heartbeat{
		Application: applicationName,
		UUID:        s.cfg.AppUUID,
		Type:        "heartbeat",
	})

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	lastReply := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.pingOnce(ctx, body) {
			lastReply = time.Now()
			s.markAlive()
			continue
		}

		if time.Since(lastReply) >= s.cfg.NotRespondingTimeout {
			s.markDead()
			s.resetHeartbeatSocket()
		}
	}
}

// pingOnce sends one heartbeat and waits up to one heartbeat interval for
// the reply. The reply wait runs in a goroutine so a wedged socket cannot
// pin the loop; closing the socket unblocks it.
func (s *Source) pingOnce(ctx context.Context, body []byte) bool {
	req, err := s.heartbeatSocket(ctx)
	if err != nil {
		s.logger.Debug("heartbeat socket unavailable", zap.Error(err))
		return false
	}

	if err := req.Send(zmq4.NewMsg(body)); err != nil {
		s.logger.Debug("heartbeat send failed", zap.Error(err))
		s.resetHeartbeatSocket()
		return false
	}

	replied := make(chan error, 1)
	go func() {
		_, err := req.Recv()
		replied <- err
	}()

	select {
	case err := <-replied:
		return err == nil
	case <-time.After(s.cfg.HeartbeatInterval):
		s.resetHeartbeatSocket()
		return false
	case <-ctx.Done():
		return false
	}
}

// heartbeatSocket returns the REQ socket, dialing a fresh one when needed.
func (s *Source) heartbeatSocket(ctx context.Context) (zmq4.Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.req != nil {
		return s.req, nil
	}

	req := zmq4.NewReq(ctx)
	if err := req.Dial(s.heartbeatEndpoint()); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection,
			fmt.Sprintf("failed to dial heartbeat endpoint %s", s.heartbeatEndpoint()))
	}
	s.req = req
	return req, nil
}

func (s *Source) resetHeartbeatSocket() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.req != nil {
		s.req.Close()
		s.req = nil
	}
}
