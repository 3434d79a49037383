// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package metrics exposes arbitration and modem counters to Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Arbitration outcomes.
const (
	OutcomeGrabbed    = "grabbed"
	OutcomeUnclaimed  = "unclaimed"
	OutcomeGrabFailed = "grab-failed"
	OutcomeCancelled  = "cancelled"
)

// Collector bundles the daemon metrics. A nil *Collector drops every
// observation.
type Collector struct {
	gatherer prometheus.Gatherer

	Arbitrations     *prometheus.CounterVec
	SupportDeferrals *prometheus.CounterVec
	GrabFailures     *prometheus.CounterVec

	ValidModems          prometheus.Gauge
	ArbitrationsInFlight prometheus.Gauge
}

// New registers the daemon metrics against reg, defaulting to the global
// Prometheus registry when nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	arbitrations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modemd_arbitrations_total",
		Help: "Finished port arbitrations, labeled by outcome.",
	}, []string{"outcome"}), "modemd_arbitrations_total")
	if err != nil {
		return nil, err
	}
	deferrals, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modemd_support_deferrals_total",
		Help: "Support checks deferred by plugins, labeled by plugin.",
	}, []string{"plugin"}), "modemd_support_deferrals_total")
	if err != nil {
		return nil, err
	}
	grabFailures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modemd_grab_failures_total",
		Help: "Ports the winning plugin failed to grab, labeled by plugin.",
	}, []string{"plugin"}), "modemd_grab_failures_total")
	if err != nil {
		return nil, err
	}
	valid, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modemd_modems_valid",
		Help: "Current number of valid, exported modems.",
	}), "modemd_modems_valid")
	if err != nil {
		return nil, err
	}
	inFlight, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modemd_arbitrations_in_flight",
		Help: "Current number of ports being arbitrated.",
	}), "modemd_arbitrations_in_flight")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:             gatherer,
		Arbitrations:         arbitrations,
		SupportDeferrals:     deferrals,
		GrabFailures:         grabFailures,
		ValidModems:          valid,
		ArbitrationsInFlight: inFlight,
	}, nil
}

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ArbitrationFinished(outcome string) {
	if c == nil {
		return
	}
	c.Arbitrations.WithLabelValues(outcome).Inc()
}

func (c *Collector) SupportDeferred(plugin string) {
	if c == nil {
		return
	}
	c.SupportDeferrals.WithLabelValues(plugin).Inc()
}

func (c *Collector) GrabFailed(plugin string) {
	if c == nil {
		return
	}
	c.GrabFailures.WithLabelValues(plugin).Inc()
}

func (c *Collector) SetValidModems(n int) {
	if c == nil {
		return
	}
	c.ValidModems.Set(float64(n))
}

func (c *Collector) SetArbitrationsInFlight(n int) {
	if c == nil {
		return
	}
	c.ArbitrationsInFlight.Set(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("cannot register %s: already registered with another type", name)
		}
		return nil, fmt.Errorf("cannot register %s: %v", name, err)
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("cannot register %s: already registered with another type", name)
		}
		return nil, fmt.Errorf("cannot register %s: %v", name, err)
	}
	return gauge, nil
}
