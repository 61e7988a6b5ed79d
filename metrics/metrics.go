// Package metrics exports the engine and backend counters to prometheus.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dnsgate/dnsgate/engine"
)

// Register wires the engine counters into the default prometheus registry.
func Register(e *engine.Engine) {
	st := &e.Stats

	counters := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"dnsgate_queries_total", "Queries received", &st.Queries},
		{"dnsgate_responses_total", "Backend responses relayed to clients", &st.Responses},
		{"dnsgate_noncompliant_queries_total", "Queries dropped as malformed", &st.NonCompliantQueries},
		{"dnsgate_noncompliant_responses_total", "Responses dropped as malformed", &st.NonCompliantResponses},
		{"dnsgate_acl_drops_total", "Queries denied by the acl", &st.ACLDrops},
		{"dnsgate_dyn_blocked_total", "Queries matched by a dynamic block", &st.DynBlocked},
		{"dnsgate_rule_drop_total", "Queries dropped by a rule", &st.RuleDrop},
		{"dnsgate_rule_nxdomain_total", "Queries answered NXDOMAIN by a rule", &st.RuleNxdomain},
		{"dnsgate_rule_refused_total", "Queries answered REFUSED by a rule", &st.RuleRefused},
		{"dnsgate_rule_servfail_total", "Queries answered SERVFAIL by a rule", &st.RuleServFail},
		{"dnsgate_rule_truncated_total", "Queries truncated by a rule", &st.RuleTruncated},
		{"dnsgate_self_answered_total", "Queries answered from spoof rules", &st.SelfAnswered},
		{"dnsgate_cache_hits_total", "Packet cache hits", &st.CacheHits},
		{"dnsgate_cache_misses_total", "Packet cache misses", &st.CacheMisses},
		{"dnsgate_no_policy_total", "Queries without a selectable backend", &st.NoPolicy},
		{"dnsgate_servfail_responses_total", "SERVFAIL responses synthesized", &st.ServFailResponses},
		{"dnsgate_downstream_timeouts_total", "Backend queries that timed out", &st.DownstreamTimeouts},
		{"dnsgate_downstream_send_errors_total", "Backend send failures", &st.DownstreamSendErrors},
		{"dnsgate_rate_limited_total", "Queries shed by the client rate gate", &st.RateLimited},
	}

	for _, c := range counters {
		v := c.v
		prometheus.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	prometheus.MustRegister(newServerCollector(e))
}

// serverCollector exposes per-backend state.
type serverCollector struct {
	e *engine.Engine

	queries     *prometheus.Desc
	responses   *prometheus.Desc
	outstanding *prometheus.Desc
	reuseds     *prometheus.Desc
	timeouts    *prometheus.Desc
	sendErrors  *prometheus.Desc
	latency     *prometheus.Desc
	up          *prometheus.Desc
}

func newServerCollector(e *engine.Engine) *serverCollector {
	label := []string{"server"}

	return &serverCollector{
		e: e,

		queries:     prometheus.NewDesc("dnsgate_server_queries_total", "Queries forwarded to the backend", label, nil),
		responses:   prometheus.NewDesc("dnsgate_server_responses_total", "Responses received from the backend", label, nil),
		outstanding: prometheus.NewDesc("dnsgate_server_outstanding", "In-flight queries on the backend", label, nil),
		reuseds:     prometheus.NewDesc("dnsgate_server_reuseds_total", "In-flight slots displaced before their answer arrived", label, nil),
		timeouts:    prometheus.NewDesc("dnsgate_server_timeouts_total", "Backend queries reaped by the timeout sweep", label, nil),
		sendErrors:  prometheus.NewDesc("dnsgate_server_send_errors_total", "Backend socket write failures", label, nil),
		latency:     prometheus.NewDesc("dnsgate_server_latency_usec", "Smoothed backend latency in microseconds", label, nil),
		up:          prometheus.NewDesc("dnsgate_server_up", "Whether the backend is considered up", label, nil),
	}
}

// Describe implements the prometheus.Collector interface.
func (c *serverCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queries
	ch <- c.responses
	ch <- c.outstanding
	ch <- c.reuseds
	ch <- c.timeouts
	ch <- c.sendErrors
	ch <- c.latency
	ch <- c.up
}

// Collect implements the prometheus.Collector interface.
func (c *serverCollector) Collect(ch chan<- prometheus.Metric) {
	for _, srv := range *c.e.Servers.Get() {
		name := srv.NameWithAddr()

		ch <- prometheus.MustNewConstMetric(c.queries, prometheus.CounterValue, float64(srv.Queries.Load()), name)
		ch <- prometheus.MustNewConstMetric(c.responses, prometheus.CounterValue, float64(srv.Responses.Load()), name)
		ch <- prometheus.MustNewConstMetric(c.outstanding, prometheus.GaugeValue, float64(srv.Outstanding()), name)
		ch <- prometheus.MustNewConstMetric(c.reuseds, prometheus.CounterValue, float64(srv.Reuseds.Load()), name)
		ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(srv.Timeouts.Load()), name)
		ch <- prometheus.MustNewConstMetric(c.sendErrors, prometheus.CounterValue, float64(srv.SendErrors.Load()), name)
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, srv.LatencyUsec(), name)

		up := 0.0
		if srv.IsUp() {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, name)
	}
}
