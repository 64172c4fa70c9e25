package webrtc

import (
	"math"
	"sync"
	"time"

	"carelink/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"go.uber.org/zap"
)

const videoClockRate = 90000

// rtcpReader is satisfied by *webrtc.RTPSender and *webrtc.RTPReceiver.
type rtcpReader interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

// QualitySampler turns RTCP feedback from peers into quality samples. At most
// one sample per peer is emitted per interval.
type QualitySampler struct {
	interval time.Duration
	emit     func(domain.QualitySample)
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu   sync.Mutex
	last map[domain.ParticipantID]time.Time
}

func NewQualitySampler(interval time.Duration, emit func(domain.QualitySample), logger *zap.SugaredLogger) *QualitySampler {
	return &QualitySampler{
		interval: interval,
		emit:     emit,
		logger:   logger,
		now:      time.Now,
		last:     make(map[domain.ParticipantID]time.Time),
	}
}

// Watch reads RTCP from r until it fails, which happens when the sender or
// the whole connection is closed.
func (q *QualitySampler) Watch(peerID domain.ParticipantID, r rtcpReader) {
	go func() {
		for {
			packets, _, err := r.ReadRTCP()
			if err != nil {
				q.logger.Debugw("rtcp reader stopped", "peer_id", peerID, "error", err)
				return
			}
			q.Observe(peerID, packets)
		}
	}()
}

// Forget drops the throttle state of a peer.
func (q *QualitySampler) Forget(peerID domain.ParticipantID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.last, peerID)
}

func (q *QualitySampler) Observe(peerID domain.ParticipantID, packets []rtcp.Packet) {
	score, ok := ScoreFromRTCP(packets, videoClockRate)
	if !ok {
		return
	}

	now := q.now()
	q.mu.Lock()
	if last, seen := q.last[peerID]; seen && now.Sub(last) < q.interval {
		q.mu.Unlock()
		return
	}
	q.last[peerID] = now
	q.mu.Unlock()

	q.logger.Debugw("quality sample from rtcp", "peer_id", peerID, "score", score)
	q.emit(domain.QualitySample{PeerID: peerID, Score: score, Timestamp: now})
}

// ScoreFromRTCP scores a batch of feedback packets on a 0-100 scale. Loss
// weighs most, then jitter, retransmission requests and picture loss. The
// second result is false when the batch carries no quality information.
func ScoreFromRTCP(packets []rtcp.Packet, clockRate uint32) (float64, bool) {
	var (
		lossSum  float64
		jitterMs float64
		reports  int
		nacks    int
		plis     int
	)

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				lossSum += float64(report.FractionLost) / 256
				if clockRate > 0 {
					jitterMs += float64(report.Jitter) * 1000 / float64(clockRate)
				}
				reports++
			}
		case *rtcp.TransportLayerNack:
			for _, pair := range p.Nacks {
				nacks += len(pair.PacketList())
			}
		case *rtcp.PictureLossIndication:
			plis++
		}
	}

	if reports == 0 && nacks == 0 && plis == 0 {
		return 0, false
	}

	score := 100.0
	if reports > 0 {
		loss := lossSum / float64(reports)
		jitter := jitterMs / float64(reports)
		// 10% loss costs 30 points
		score -= math.Min(loss*300, 70)
		score -= math.Min(jitter/2, 25)
	}
	score -= math.Min(float64(nacks)*2, 20)
	score -= math.Min(float64(plis)*5, 15)

	return math.Max(0, math.Min(100, score)), true
}
