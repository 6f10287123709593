package pipeline

import (
	"fmt"

	"github.com/openephys-tools/zmq2osc/pkg/config"
	"github.com/openephys-tools/zmq2osc/pkg/errors"
)

// Process downsamples and batches one drained window. Each channel's
// factor*batchSize raw samples reduce to batchSize output values:
//
//   - decimate keeps the last raw sample of every factor-sized run
//   - average emits the arithmetic mean of every factor-sized run
//
// A factor of 1 is the identity transform for both methods. Process is
// stateless: all state lives in the window, which DrainReadyWindow
// guarantees holds exactly factor*batchSize samples per channel.
func Process(w *RawWindow, factor int, method config.DownsampleMethod, batchSize int) (*ProcessedBatch, error) {
	want := factor * batchSize
	for i, samples := range w.Samples {
		if len(samples) != want {
			// Fail fast rather than emit a misaligned batch.
			return nil, errors.Newf(errors.ErrorTypeData,
				"channel %d window holds %d samples, need exactly %d",
				w.ChannelIDs[i], len(samples), want)
		}
	}

	batch := &ProcessedBatch{
		NumChannels: len(w.Samples),
		BatchSize:   batchSize,
		Values:      make([][]float32, len(w.Samples)),
	}

	for i, samples := range w.Samples {
		out := make([]float32, batchSize)
		switch method {
		case config.DownsampleDecimate:
			for j := 0; j < batchSize; j++ {
				out[j] = samples[(j+1)*factor-1]
			}
		default: // average
			for j := 0; j < batchSize; j++ {
				var sum float64
				for _, v := range samples[j*factor : (j+1)*factor] {
					sum += float64(v)
				}
				out[j] = float32(sum / float64(factor))
			}
		}
		batch.Values[i] = out
	}

	return batch, nil
}

// BuildPayload encodes a processed batch into the outbound wire layout.
//
// Sample mode (batch size 1): address {base}/sample, one float per channel
// in channel-index order, no prefix.
//
// Batch mode (batch size B): address {base}/batch/{B}, an int32 channel
// count followed by each channel's B consecutive values, channel-major.
func BuildPayload(b *ProcessedBatch, baseAddress string, mode config.TransmitMode) *Payload {
	p := &Payload{
		NumChannels: b.NumChannels,
		Values:      make([]float32, 0, b.NumChannels*b.BatchSize),
	}

	for _, ch := range b.Values {
		p.Values = append(p.Values, ch...)
	}

	if mode == config.ModeSample {
		p.Address = baseAddress + "/sample"
	} else {
		p.Address = fmt.Sprintf("%s/batch/%d", baseAddress, b.BatchSize)
		p.HasChannelCount = true
	}

	return p
}
