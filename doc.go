// Package zmq2osc relays continuous multi-channel sample streams from an
// Open Ephys ZMQ publisher to OSC consumers, decoupling producer and consumer
// rates through per-channel ring buffering, configurable downsampling and
// batching, and a bounded transmission queue with selectable overflow
// policies.
//
// The repository is organized as follows:
//
//   - cmd/zmq2osc: command-line interface for running the relay
//   - internal/pipeline: the core engine: ring buffers, the buffer store,
//     the downsample/batch transform, the transmit queue, and the
//     coordinator that owns the ingest and processing/send workers
//   - internal/ingest: the Open Ephys ZMQ subscription (data + heartbeat)
//   - internal/transmit: the OSC/UDP sender
//   - pkg/observer: log mirroring, periodic stats, JSON-lines sink
//   - pkg/bus: the event dispatcher wiring pipeline stages to observers
//   - pkg/config, pkg/logger, pkg/errors, pkg/metrics: supporting concerns
//
// The ingest path never blocks on the send path: samples flow into
// per-channel rings that overwrite their oldest entries under pressure, and
// completed windows are downsampled, batched, and queued for transmission on
// a separate worker. Queue overflow behavior, downsampling, and batching are
// all configurable at startup and reconfigurable at safe points during a run.
package zmq2osc
