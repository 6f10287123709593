// Package transmit delivers processed payloads to an OSC endpoint over UDP.
package transmit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"go.uber.org/zap"

	"github.com/openephys-tools/zmq2osc/internal/pipeline"
	"github.com/openephys-tools/zmq2osc/pkg/bus"
	"github.com/openephys-tools/zmq2osc/pkg/config"
	"github.com/openephys-tools/zmq2osc/pkg/errors"
)

// SendStatus is published on the send status topic on every transition
// between delivering and failing.
type SendStatus struct {
	Healthy  bool      `json:"healthy"`
	Endpoint string    `json:"endpoint"`
	Since    time.Time `json:"since"`
}

// Sender encodes pipeline payloads as OSC messages and sends them over UDP.
// It implements pipeline.Sender. UDP is connectionless, so a send only fails
// on local socket errors; an absent receiver is invisible here, which is why
// delivery health is best-effort.
type Sender struct {
	cfg     config.TransmitConfig
	bus     *bus.Dispatcher
	logger  *zap.Logger
	client  *osc.Client
	healthy atomic.Bool
}

// NewSender creates a sender for the configured OSC endpoint.
func NewSender(cfg config.TransmitConfig, d *bus.Dispatcher, logger *zap.Logger) *Sender {
	return &Sender{
		cfg:    cfg,
		bus:    d,
		logger: logger.With(zap.String("component", "transmit")),
		client: osc.NewClient(cfg.Host, cfg.Port),
	}
}

// Endpoint returns the OSC target.
func (s *Sender) Endpoint() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Send encodes one payload and writes it to the endpoint. The context is
// honored before the write; UDP writes themselves do not block meaningfully.
func (s *Sender) Send(ctx context.Context, p *pipeline.Payload) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransmit, "send canceled")
	}

	msg := osc.NewMessage(p.Address)
	if p.HasChannelCount {
		msg.Append(int32(p.NumChannels))
	}
	for _, v := range p.Values {
		msg.Append(v)
	}

	if err := s.client.Send(msg); err != nil {
		s.noteHealth(false)
		return errors.Wrap(err, errors.ErrorTypeTransmit,
			fmt.Sprintf("failed to send %s to %s", p.Address, s.Endpoint()))
	}

	s.noteHealth(true)
	return nil
}

// Close releases the sender. The OSC client holds no persistent connection.
func (s *Sender) Close() error { return nil }

func (s *Sender) noteHealth(healthy bool) {
	if !s.healthy.CompareAndSwap(!healthy, healthy) {
		return
	}

	if healthy {
		s.logger.Info("osc delivery healthy", zap.String("endpoint", s.Endpoint()))
	} else {
		s.logger.Warn("osc delivery failing", zap.String("endpoint", s.Endpoint()))
	}
	s.bus.Publish(bus.TopicSendStatus, SendStatus{
		Healthy:  healthy,
		Endpoint: s.Endpoint(),
		Since:    time.Now(),
	}, "transmit")
}
