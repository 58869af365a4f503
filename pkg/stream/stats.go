package stream

import "time"

const (
	// StatsHistorySize сколько выборок статистики хранит поток
	StatsHistorySize = 300
	// LossWindow за сколько выборок усредняются потери пакетов
	LossWindow = 10
)

// Statistics накопительные счётчики RTP потока в том виде, в каком их
// периодически присылает движок. Счётчики растут с начала потока;
// уменьшение означает, что движок начал отсчёт заново.
type Statistics struct {
	RTT              time.Duration
	Jitter           time.Duration
	PacketsReceived  int64
	PacketsLost      int64
	PacketsDiscarded int64
	BytesReceived    int64
	BytesSent        int64
}

// StatsSummary показатели потока для интерфейса
type StatsSummary struct {
	// Latency половина последнего RTT
	Latency time.Duration `json:"latency"`
	Jitter  time.Duration `json:"jitter"`
	// PacketLoss процент потерь, усреднённый за LossWindow выборок
	PacketLoss float64 `json:"packet_loss"`
	// IncomingRate и OutgoingRate байты за последний интервал
	IncomingRate float64 `json:"incoming_rate"`
	OutgoingRate float64 `json:"outgoing_rate"`

	AverageLatency time.Duration `json:"average_latency"`
	AverageJitter  time.Duration `json:"average_jitter"`

	BytesReceived int64 `json:"bytes_received"`
	BytesSent     int64 `json:"bytes_sent"`
	Samples       int   `json:"samples"`
}

type statsSample struct {
	latency    time.Duration
	jitter     time.Duration
	packetLoss float64
	incoming   float64
	outgoing   float64
}

// statsAccumulator переводит накопительные счётчики в выборки.
// Хранит не больше StatsHistorySize выборок.
type statsAccumulator struct {
	samples []statsSample
	next    int

	loss     [LossWindow]float64
	lossNext int

	totalPackets   int64
	totalLost      int64
	totalDiscarded int64
	bytesReceived  int64
	bytesSent      int64
}

func delta(current, previous int64) int64 {
	if current < previous {
		return current
	}
	return current - previous
}

func (a *statsAccumulator) add(st Statistics) StatsSummary {
	packets := delta(st.PacketsReceived, a.totalPackets)
	lost := delta(st.PacketsLost, a.totalLost)
	discarded := delta(st.PacketsDiscarded, a.totalDiscarded)

	var loss float64
	if base := packets + lost - discarded; lost > 0 && base > 0 {
		loss = 100 * float64(lost) / float64(base)
	}
	a.loss[a.lossNext] = loss
	a.lossNext = (a.lossNext + 1) % LossWindow

	var lossSum float64
	for _, v := range a.loss {
		lossSum += v
	}

	sample := statsSample{
		latency:    st.RTT / 2,
		jitter:     st.Jitter,
		packetLoss: lossSum / LossWindow,
		incoming:   float64(delta(st.BytesReceived, a.bytesReceived)),
		outgoing:   float64(delta(st.BytesSent, a.bytesSent)),
	}
	if len(a.samples) < StatsHistorySize {
		a.samples = append(a.samples, sample)
	} else {
		a.samples[a.next] = sample
	}
	a.next = (a.next + 1) % StatsHistorySize

	a.totalPackets = st.PacketsReceived
	a.totalLost = st.PacketsLost
	a.totalDiscarded = st.PacketsDiscarded
	a.bytesReceived = st.BytesReceived
	a.bytesSent = st.BytesSent

	return a.summary()
}

func (a *statsAccumulator) summary() StatsSummary {
	if len(a.samples) == 0 {
		return StatsSummary{}
	}
	last := a.samples[(a.next+StatsHistorySize-1)%StatsHistorySize]

	var latency, jitter time.Duration
	for _, s := range a.samples {
		latency += s.latency
		jitter += s.jitter
	}
	n := time.Duration(len(a.samples))

	return StatsSummary{
		Latency:        last.latency,
		Jitter:         last.jitter,
		PacketLoss:     last.packetLoss,
		IncomingRate:   last.incoming,
		OutgoingRate:   last.outgoing,
		AverageLatency: latency / n,
		AverageJitter:  jitter / n,
		BytesReceived:  a.bytesReceived,
		BytesSent:      a.bytesSent,
		Samples:        len(a.samples),
	}
}
