package p2pserver

import (
	"strconv"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricPeerCount           = []string{"p2pserver", "peers", "count"}
	MetricConnectionsAdded    = []string{"p2pserver", "connections", "added", "count"}
	MetricConnectionsRejected = []string{"p2pserver", "connections", "rejected", "count"}
	MetricConnectionsRemoved  = []string{"p2pserver", "connections", "removed", "count"}
	MetricBytesSent           = []string{"p2pserver", "bytes", "sent"}
	MetricSendErrorCount      = []string{"p2pserver", "send", "error", "count"}
	MetricSendRejectedCount   = []string{"p2pserver", "send", "rejected", "count"}
	MetricInboxDepth          = []string{"p2pserver", "inbox", "depth"}
	MetricBytesReceived       = []string{"p2pserver", "bytes", "received"}
	MetricReceiveErrorCount   = []string{"p2pserver", "receive", "error", "count"}
	MetricWorkerClaimCount    = []string{"p2pserver", "worker", "claim", "count"}
	MetricDispatchQueueDepth  = []string{"p2pserver", "dispatch", "queue", "depth"}
	MetricCloseErrorCount     = []string{"p2pserver", "removal", "close", "error", "count"}
)

// TelemetryLabel is the name of a label attached to emitted metrics.
type TelemetryLabel string

var (
	LabelReason TelemetryLabel = "reason"
	LabelWorker TelemetryLabel = "worker"
)

// M returns the metrics.Label of this name with the given value.
func (label TelemetryLabel) M(value string) metrics.Label {
	return metrics.Label{Name: string(label), Value: value}
}

func workerLabel(workerID WorkerID) metrics.Label {
	return LabelWorker.M(strconv.Itoa(int(workerID)))
}

type serverMetrics struct {
	sink   metrics.MetricSink
	labels []metrics.Label
}

func newServerMetrics(sink metrics.MetricSink, labels []metrics.Label) *serverMetrics {
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}
	return &serverMetrics{sink: sink, labels: labels}
}

func (m *serverMetrics) with(extra ...metrics.Label) []metrics.Label {
	if len(extra) == 0 {
		return m.labels
	}
	labels := make([]metrics.Label, 0, len(m.labels)+len(extra))
	labels = append(labels, m.labels...)
	return append(labels, extra...)
}

func (m *serverMetrics) setPeerCount(count int) {
	m.sink.SetGaugeWithLabels(MetricPeerCount, float32(count), m.labels)
}

func (m *serverMetrics) incr(key []string, value float32, extra ...metrics.Label) {
	m.sink.IncrCounterWithLabels(key, value, m.with(extra...))
}

func (m *serverMetrics) setDispatchQueueDepth(depth int) {
	m.sink.SetGaugeWithLabels(MetricDispatchQueueDepth, float32(depth), m.labels)
}

func (m *serverMetrics) setInboxDepth(workerID WorkerID, depth int) {
	m.sink.SetGaugeWithLabels(MetricInboxDepth, float32(depth), m.with(workerLabel(workerID)))
}
