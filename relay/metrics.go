// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	rooms        prometheus.Gauge
	peers        prometheus.Gauge
	frames       *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	joins        *prometheus.CounterVec
	reattachment prometheus.Counter
}

// NewMetrics creates the relay collectors and registers them with
// registerer. A nil registerer leaves them unregistered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cowork",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Open rooms.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cowork",
			Subsystem: "relay",
			Name:      "peers",
			Help:      "Peers holding a roster slot, attached or within their reconnect grace.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cowork",
			Subsystem: "relay",
			Name:      "frames_routed_total",
			Help:      "Frames delivered to peers, by frame kind.",
		}, []string{"kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cowork",
			Subsystem: "relay",
			Name:      "bytes_routed_total",
			Help:      "Frame bytes delivered to peers, by frame kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cowork",
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames the relay refused to route, by reason.",
		}, []string{"reason"}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cowork",
			Subsystem: "relay",
			Name:      "joins_total",
			Help:      "Join requests, by outcome.",
		}, []string{"outcome"}),
		reattachment: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cowork",
			Subsystem: "relay",
			Name:      "reattachments_total",
			Help:      "Peers that reattached within their reconnect grace.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			metrics.rooms,
			metrics.peers,
			metrics.frames,
			metrics.bytes,
			metrics.dropped,
			metrics.joins,
			metrics.reattachment,
		)
	}
	return metrics
}

// Join outcomes.
const (
	joinAccepted = "accepted"
	joinDeclined = "declined"
	joinTimeout  = "timeout"
	joinFailed   = "failed"
)

// Drop reasons.
const (
	dropMalformed     = "malformed"
	dropSpoofedOrigin = "spoofed_origin"
	dropUnknownTarget = "unknown_target"
	dropPlaintext     = "plaintext"
)
