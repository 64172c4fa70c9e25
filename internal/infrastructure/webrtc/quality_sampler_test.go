package webrtc

import (
	"sync"
	"testing"
	"time"

	"carelink/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func receiverReport(fractionLost uint8, jitter uint32) *rtcp.ReceiverReport {
	return &rtcp.ReceiverReport{
		SSRC:    1,
		Reports: []rtcp.ReceptionReport{{SSRC: 2, FractionLost: fractionLost, Jitter: jitter}},
	}
}

func TestScoreFromRTCP(t *testing.T) {
	tests := []struct {
		name    string
		packets []rtcp.Packet
		want    float64
	}{
		{"clean", []rtcp.Packet{receiverReport(0, 0)}, 100},
		{"ten percent loss", []rtcp.Packet{receiverReport(26, 0)}, 100 - 26.0/256*300},
		// 9000 ticks at 90kHz is 100ms of jitter
		{"jitter capped", []rtcp.Packet{receiverReport(0, 9000)}, 75},
		{"nacks", []rtcp.Packet{&rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 10, LostPackets: 0b11}}}}, 94},
		{"plis", []rtcp.Packet{&rtcp.PictureLossIndication{}, &rtcp.PictureLossIndication{}}, 90},
		{"floor", []rtcp.Packet{receiverReport(255, 90000), &rtcp.PictureLossIndication{}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, ok := ScoreFromRTCP(tt.packets, videoClockRate)
			require.True(t, ok)
			assert.InDelta(t, tt.want, score, 0.01)
		})
	}

	_, ok := ScoreFromRTCP([]rtcp.Packet{&rtcp.SenderReport{SSRC: 1}}, videoClockRate)
	assert.False(t, ok, "sender reports carry no quality information")
}

func TestQualitySampler_Throttles(t *testing.T) {
	var (
		mu      sync.Mutex
		samples []domain.QualitySample
	)
	sampler := NewQualitySampler(time.Second, func(s domain.QualitySample) {
		mu.Lock()
		defer mu.Unlock()
		samples = append(samples, s)
	}, zaptest.NewLogger(t).Sugar())

	now := time.Unix(100, 0)
	sampler.now = func() time.Time { return now }

	sampler.Observe("p1", []rtcp.Packet{receiverReport(0, 0)})
	sampler.Observe("p1", []rtcp.Packet{receiverReport(26, 0)})
	sampler.Observe("p2", []rtcp.Packet{receiverReport(0, 0)})

	now = now.Add(time.Second)
	sampler.Observe("p1", []rtcp.Packet{receiverReport(26, 0)})

	sampler.Forget("p2")
	sampler.Observe("p2", []rtcp.Packet{receiverReport(0, 0)})

	require.Len(t, samples, 4)
	assert.Equal(t, domain.ParticipantID("p1"), samples[0].PeerID)
	assert.Equal(t, 100.0, samples[0].Score)
	assert.Equal(t, domain.ParticipantID("p2"), samples[1].PeerID)
	assert.Less(t, samples[2].Score, 100.0)
	assert.Equal(t, now, samples[2].Timestamp)
}
