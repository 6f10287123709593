package ingest

import (
	"encoding/binary"
	"math"

	"github.com/goccy/go-json"

	"github.com/openephys-tools/zmq2osc/internal/pipeline"
	"github.com/openephys-tools/zmq2osc/pkg/errors"
)

// Message types carried by the acquisition stream. Only data messages feed
// the pipeline; events and spikes are counted and skipped.
const (
	messageTypeData  = "data"
	messageTypeEvent = "event"
	messageTypeSpike = "spike"
)

// header is the JSON middle frame of every stream message.
type header struct {
	MessageNum int64  `json:"message_num"`
	Type       string `json:"type"`
	Content    struct {
		ChannelNum int     `json:"channel_num"`
		NumSamples int     `json:"num_samples"`
		SampleNum  int64   `json:"sample_num"`
		SampleRate float64 `json:"sample_rate"`
	} `json:"content"`
}

// parsed is one decoded stream message.
type parsed struct {
	MessageNum int64
	Type       string
	SampleRate float64
	Frame      pipeline.Frame
}

// parseMessage decodes one three-part stream message: an envelope string, a
// JSON header, and for data messages a little-endian float32 payload holding
// exactly num_samples values for one channel.
func parseMessage(frames [][]byte) (*parsed, error) {
	if len(frames) < 2 {
		return nil, errors.Newf(errors.ErrorTypeData,
			"stream message has %d frames, need at least 2", len(frames))
	}

	var h header
	if err := json.Unmarshal(frames[1], &h); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode stream header")
	}

	p := &parsed{
		MessageNum: h.MessageNum,
		Type:       h.Type,
		SampleRate: h.Content.SampleRate,
	}
	if h.Type != messageTypeData {
		return p, nil
	}

	if len(frames) < 3 {
		return nil, errors.New(errors.ErrorTypeData, "data message missing sample frame")
	}

	data := frames[2]
	if h.Content.NumSamples < 0 || h.Content.NumSamples > len(data)/4 {
		return nil, errors.Newf(errors.ErrorTypeData,
			"channel %d header claims %d samples, frame holds %d bytes",
			h.Content.ChannelNum, h.Content.NumSamples, len(data))
	}

	samples := make([]float32, h.Content.NumSamples)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}

	p.Frame = pipeline.Frame{ChannelID: h.Content.ChannelNum, Samples: samples}
	return p, nil
}
