// Package metrics exports lane, client and publish queue telemetry to
// Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spacedatanetwork/shardnet/internal/client"
	"github.com/spacedatanetwork/shardnet/internal/lane"
)

var log = logging.Logger("shardnet-metrics")

const namespace = "shardnet"

// ClientSource is the part of the client the collector reads.
type ClientSource interface {
	Health(kind client.LaneKind) client.Health
	SeenCount() int
	CurrentFanout() client.Fanout
}

// QueueSource is the part of the publish queue the collector reads.
type QueueSource interface {
	Len() int
	Evicted() uint64
	Failures() int
}

// Sources are the components a Collector reads on every scrape. Nil
// fields are skipped.
type Sources struct {
	Fast     lane.Lane
	Fallback lane.Lane
	Client   ClientSource
	Queue    QueueSource
}

var laneLabels = []string{"lane"}

// Collector is a prometheus.Collector over the node's components. It also
// implements client.Observer to count processing outcomes.
type Collector struct {
	src Sources

	laneQueued     *prometheus.Desc
	laneSendOk     *prometheus.Desc
	laneSendErr    *prometheus.Desc
	laneReceived   *prometheus.Desc
	laneDropped    *prometheus.Desc
	laneReconnects *prometheus.Desc

	healthScore    *prometheus.Desc
	healthSends    *prometheus.Desc
	healthFailures *prometheus.Desc
	healthReceives *prometheus.Desc
	fanout         *prometheus.Desc
	seen           *prometheus.Desc

	queueDepth    *prometheus.Desc
	queueEvicted  *prometheus.Desc
	queueFailures *prometheus.Desc

	outcomes        *prometheus.CounterVec
	forwarded       *prometheus.CounterVec
	forwardFailures *prometheus.CounterVec
	pollFailures    *prometheus.CounterVec
}

var _ client.Observer = (*Collector)(nil)

func desc(name, help string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

// NewCollector creates a collector over src.
func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,

		laneQueued:     desc("lane_outbound_queued", "Sends buffered while the lane is not open.", laneLabels),
		laneSendOk:     desc("lane_outbound_send_ok_total", "Successful lane sends.", laneLabels),
		laneSendErr:    desc("lane_outbound_send_err_total", "Failed lane sends.", laneLabels),
		laneReceived:   desc("lane_inbound_received_total", "Messages received by the lane.", laneLabels),
		laneDropped:    desc("lane_inbound_dropped_total", "Inbound messages dropped by the lane.", laneLabels),
		laneReconnects: desc("lane_reconnect_attempts_total", "Lane reconnect attempts.", laneLabels),

		healthScore:    desc("client_lane_score", "Client health score of the lane.", laneLabels),
		healthSends:    desc("client_lane_sends_total", "Forward sends attempted by the client.", laneLabels),
		healthFailures: desc("client_lane_send_failures_total", "Forward sends that failed.", laneLabels),
		healthReceives: desc("client_lane_receives_total", "Messages processed by the client.", laneLabels),
		fanout:         desc("client_fanout", "Current per-lane forward fanout.", laneLabels),
		seen:           desc("client_seen_hashes", "Content hashes in the dedup set.", nil),

		queueDepth:    desc("publish_queue_depth", "Objects waiting to be published.", nil),
		queueEvicted:  desc("publish_queue_evicted_total", "Objects dropped by queue overflow.", nil),
		queueFailures: desc("publish_queue_consecutive_failures", "Consecutive publish failures.", nil),

		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_inbound_total",
			Help:      "Inbound messages by processing outcome.",
		}, []string{"lane", "outcome"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_forwarded_total",
			Help:      "Successful forwards by lane.",
		}, laneLabels),
		forwardFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_forward_failures_total",
			Help:      "Failed forwards by lane.",
		}, laneLabels),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_poll_failures_total",
			Help:      "Lane poll errors by lane.",
		}, laneLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.laneQueued, c.laneSendOk, c.laneSendErr, c.laneReceived, c.laneDropped, c.laneReconnects,
		c.healthScore, c.healthSends, c.healthFailures, c.healthReceives, c.fanout, c.seen,
		c.queueDepth, c.queueEvicted, c.queueFailures,
	} {
		ch <- d
	}
	c.outcomes.Describe(ch)
	c.forwarded.Describe(ch)
	c.forwardFailures.Describe(ch)
	c.pollFailures.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.collectLane(ch, client.LaneFast, c.src.Fast)
	c.collectLane(ch, client.LaneFallback, c.src.Fallback)

	if cl := c.src.Client; cl != nil {
		kinds := []client.LaneKind{client.LaneFast}
		if c.src.Fallback != nil {
			kinds = append(kinds, client.LaneFallback)
		}
		fan := cl.CurrentFanout()
		for _, kind := range kinds {
			h := cl.Health(kind)
			l := string(kind)
			ch <- prometheus.MustNewConstMetric(c.healthScore, prometheus.GaugeValue, h.Score, l)
			ch <- prometheus.MustNewConstMetric(c.healthSends, prometheus.CounterValue, float64(h.Sends), l)
			ch <- prometheus.MustNewConstMetric(c.healthFailures, prometheus.CounterValue, float64(h.SendFailures), l)
			ch <- prometheus.MustNewConstMetric(c.healthReceives, prometheus.CounterValue, float64(h.Receives), l)
			n := fan.Fast
			if kind == client.LaneFallback {
				n = fan.Fallback
			}
			ch <- prometheus.MustNewConstMetric(c.fanout, prometheus.GaugeValue, float64(n), l)
		}
		ch <- prometheus.MustNewConstMetric(c.seen, prometheus.GaugeValue, float64(cl.SeenCount()))
	}

	if q := c.src.Queue; q != nil {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(q.Len()))
		ch <- prometheus.MustNewConstMetric(c.queueEvicted, prometheus.CounterValue, float64(q.Evicted()))
		ch <- prometheus.MustNewConstMetric(c.queueFailures, prometheus.GaugeValue, float64(q.Failures()))
	}

	c.outcomes.Collect(ch)
	c.forwarded.Collect(ch)
	c.forwardFailures.Collect(ch)
	c.pollFailures.Collect(ch)
}

func (c *Collector) collectLane(ch chan<- prometheus.Metric, kind client.LaneKind, l lane.Lane) {
	if l == nil {
		return
	}
	h := lane.Snapshot(l)
	k := string(kind)
	ch <- prometheus.MustNewConstMetric(c.laneQueued, prometheus.GaugeValue, float64(h.OutboundQueued), k)
	ch <- prometheus.MustNewConstMetric(c.laneSendOk, prometheus.CounterValue, float64(h.OutboundSendOk), k)
	ch <- prometheus.MustNewConstMetric(c.laneSendErr, prometheus.CounterValue, float64(h.OutboundSendErr), k)
	ch <- prometheus.MustNewConstMetric(c.laneReceived, prometheus.CounterValue, float64(h.InboundReceived), k)
	ch <- prometheus.MustNewConstMetric(c.laneDropped, prometheus.CounterValue, float64(h.InboundDropped), k)
	ch <- prometheus.MustNewConstMetric(c.laneReconnects, prometheus.CounterValue, float64(h.ReconnectAttempts), k)
}

// ShardReceived implements client.Observer.
func (c *Collector) ShardReceived(ev client.ShardEvent) {
	c.outcomes.WithLabelValues(string(ev.Lane), client.OutcomeAccepted.String()).Inc()
}

// ShardSkipped implements client.Observer.
func (c *Collector) ShardSkipped(ev client.SkipEvent) {
	c.outcomes.WithLabelValues(string(ev.Lane), ev.Outcome.String()).Inc()
}

// ShardForwarded implements client.Observer.
func (c *Collector) ShardForwarded(ev client.ForwardEvent) {
	c.forwarded.WithLabelValues(string(ev.Lane)).Add(float64(len(ev.Peers)))
}

// ForwardFailed implements client.Observer.
func (c *Collector) ForwardFailed(kind client.LaneKind, _ string, _ error) {
	c.forwardFailures.WithLabelValues(string(kind)).Inc()
}

// PollFailed implements client.Observer.
func (c *Collector) PollFailed(kind client.LaneKind, _ error) {
	c.pollFailures.WithLabelValues(string(kind)).Inc()
}

// NewRegistry returns a registry holding c plus the Go and process
// collectors.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Serve exposes reg at /metrics on listen until ctx is cancelled.
func Serve(ctx context.Context, listen string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("metrics listening on %s", listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
