// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// metrics - Prometheus collectors for the registry.
package registry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/girino/nostr-rx/relay"
)

const namespace = "nostr_rx"

var (
	descSessions = prometheus.NewDesc(namespace+"_sessions", "Relay sessions known to the registry.", nil, nil)
	descDefaults = prometheus.NewDesc(namespace+"_default_relays", "Relays in the default set.", nil, nil)
	descErrors   = prometheus.NewDesc(namespace+"_relay_errors_total", "Relay-level errors.", nil, nil)
	descEvents   = prometheus.NewDesc(namespace+"_events_received_total", "Events accepted from relays.", nil, nil)
	descReqs     = prometheus.NewDesc(namespace+"_reqs_total", "REQs issued to relays.", nil, nil)
	descSends    = prometheus.NewDesc(namespace+"_publishes_total", "Send calls.", nil, nil)
	descOK       = prometheus.NewDesc(namespace+"_ok_total", "OK replies by outcome.", []string{"outcome"}, nil)
	descEOSE     = prometheus.NewDesc(namespace+"_eose_timeouts_total", "Backward emissions cut short by the EOSE timeout.", nil, nil)
	descState    = prometheus.NewDesc(namespace+"_relay_state", "1 for the current connection state of each relay.", []string{"relay", "state"}, nil)
	descActive   = prometheus.NewDesc(namespace+"_relay_active_subscriptions", "Subscriptions open on each relay.", []string{"relay"}, nil)
	descQueued   = prometheus.NewDesc(namespace+"_relay_queued_subscriptions", "Subscriptions waiting for capacity on each relay.", []string{"relay"}, nil)
)

// Collector exports registry statistics to Prometheus.
type Collector struct {
	r       *Registry
	timeout time.Duration
}

// NewCollector returns a collector for r. Register it with a
// prometheus.Registerer.
func NewCollector(r *Registry) *Collector {
	return &Collector{r: r, timeout: time.Second}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descSessions, descDefaults, descErrors, descEvents, descReqs,
		descSends, descOK, descEOSE, descState, descActive, descQueued,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	st := c.r.Stats(ctx)

	ch <- prometheus.MustNewConstMetric(descSessions, prometheus.GaugeValue, float64(st.Sessions))
	ch <- prometheus.MustNewConstMetric(descDefaults, prometheus.GaugeValue, float64(st.DefaultRelays))
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(st.Errors))
	ch <- prometheus.MustNewConstMetric(descEvents, prometheus.CounterValue, float64(st.EventsReceived))
	ch <- prometheus.MustNewConstMetric(descReqs, prometheus.CounterValue, float64(st.Subscriptions))
	ch <- prometheus.MustNewConstMetric(descSends, prometheus.CounterValue, float64(st.Publishes))
	ch <- prometheus.MustNewConstMetric(descOK, prometheus.CounterValue, float64(st.OKAccepted), "accepted")
	ch <- prometheus.MustNewConstMetric(descOK, prometheus.CounterValue, float64(st.OKRejected), "rejected")
	ch <- prometheus.MustNewConstMetric(descOK, prometheus.CounterValue, float64(st.OKTimeouts), "timeout")
	ch <- prometheus.MustNewConstMetric(descEOSE, prometheus.CounterValue, float64(st.EOSETimeouts))

	for url, rs := range st.Relays {
		for _, s := range relay.States() {
			v := 0.0
			if s.String() == rs.State {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(descState, prometheus.GaugeValue, v, url, s.String())
		}
		ch <- prometheus.MustNewConstMetric(descActive, prometheus.GaugeValue, float64(rs.Active), url)
		ch <- prometheus.MustNewConstMetric(descQueued, prometheus.GaugeValue, float64(rs.Queued), url)
	}
}
