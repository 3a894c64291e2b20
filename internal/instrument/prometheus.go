// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !noprometheus
// +build !noprometheus

// Package instrument exports the zotd Prometheus metrics.
package instrument

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zot_incoming_total_packets",
			Help: "Number of incoming packets by type and outcome",
		},
		[]string{"type", "outcome"},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zot_number_of_dropped_packets",
			Help: "Number of dropped packets by reason",
		},
		[]string{"reason"},
	)
	packetsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zot_number_of_replayed_packets",
			Help: "Number of replayed packets",
		},
	)
	signatureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zot_total_signature_failures",
			Help: "Number of packets with invalid signatures",
		},
	)
	discoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zot_total_discoveries",
			Help: "Number of remote discovery attempts by outcome",
		},
		[]string{"outcome"},
	)
	magicAuth = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zot_total_magic_auth_requests",
			Help: "Number of magic-auth requests by outcome",
		},
		[]string{"outcome"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zot_total_outbound_deliveries",
			Help: "Number of outbound notify deliveries by outcome",
		},
		[]string{"outcome"},
	)

	initOnce sync.Once
)

// Init registers the metrics with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(packets)
		prometheus.MustRegister(packetsDropped)
		prometheus.MustRegister(packetsReplayed)
		prometheus.MustRegister(signatureFailures)
		prometheus.MustRegister(discoveries)
		prometheus.MustRegister(magicAuth)
		prometheus.MustRegister(deliveries)
	})
}

// Handler returns the HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Packet increments the counter for incoming packets.
func Packet(typ, outcome string) {
	packets.With(prometheus.Labels{"type": typ, "outcome": outcome}).Inc()
}

// PacketDropped increments the counter for dropped packets.
func PacketDropped(reason string) {
	packetsDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

// PacketReplayed increments the counter for replayed packets.
func PacketReplayed() {
	packetsReplayed.Inc()
}

// SignatureFailure increments the counter for signature failures.
func SignatureFailure() {
	signatureFailures.Inc()
}

// Discovery increments the counter for discovery attempts.
func Discovery(outcome string) {
	discoveries.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// MagicAuth increments the counter for magic-auth requests.
func MagicAuth(outcome string) {
	magicAuth.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// Delivery increments the counter for outbound deliveries.
func Delivery(outcome string) {
	deliveries.With(prometheus.Labels{"outcome": outcome}).Inc()
}
