/*
Copyright 2026 Mydia Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package relaymetrics defines the Prometheus collectors shared across
// the relay's surfaces (relayapi, relaytunnel, the cleanup scheduler),
// registered on a package-level registry exposed at /metrics.
package relaymetrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the relay's Prometheus registry. A dedicated registry
// (rather than the global default) keeps test processes from
// double-registering collectors across package-level New() calls.
var Registry = prometheus.NewRegistry()

var (
	// ForwardRequestsTotal counts RelayApi.forward calls by outcome
	// (ok, timeout, tunnel_disconnected, instance_offline).
	ForwardRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mydia_relay",
		Name:      "forward_requests_total",
		Help:      "Total forwarded client requests by outcome.",
	}, []string{"outcome"})

	// ForwardLatencySeconds observes the wall-clock time spent in
	// PendingRequests.Wait for a forwarded request.
	ForwardLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mydia_relay",
		Name:      "forward_latency_seconds",
		Help:      "Latency of forwarded client requests, successful or not.",
		Buckets:   prometheus.DefBuckets,
	})

	// ConnectedInstances reports ConnectionRegistry.Count().
	ConnectedInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mydia_relay",
		Name:      "connected_instances",
		Help:      "Number of instances with a live tunnel connection.",
	})

	// PendingRequestsGauge reports PendingRequests.Count().
	PendingRequestsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mydia_relay",
		Name:      "pending_requests",
		Help:      "Number of forwarded requests currently awaiting a response.",
	})

	// ClaimsSweptTotal and InstancesSweptTotal count rows affected by
	// the cleanup scheduler's periodic sweeps.
	ClaimsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mydia_relay",
		Name:      "claims_swept_total",
		Help:      "Total expired claim rows deleted by the cleanup sweep.",
	})
	InstancesSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mydia_relay",
		Name:      "instances_swept_stale_total",
		Help:      "Total instances marked offline by the stale-presence sweep.",
	})
)

func init() {
	Registry.MustRegister(
		ForwardRequestsTotal,
		ForwardLatencySeconds,
		ConnectedInstances,
		PendingRequestsGauge,
		ClaimsSweptTotal,
		InstancesSweptTotal,
	)
}
