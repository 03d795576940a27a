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

// Package cleanup implements the periodic sweep scheduler: a single
// goroutine running two independent tickers that age out expired claims
// and mark stale instances offline, as a long-lived ticker-driven
// goroutine bound to a context.Context.
package cleanup

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dwongdev/mydia-relay/internal/relaylog"
	"github.com/dwongdev/mydia-relay/internal/relaymetrics"
	"github.com/dwongdev/mydia-relay/lib/claimstore"
	"github.com/dwongdev/mydia-relay/lib/connregistry"
	"github.com/dwongdev/mydia-relay/lib/instancestore"
	"github.com/dwongdev/mydia-relay/lib/pendingrequests"
)

var log = relaylog.For("cleanup")

// MaxClaimSweepInterval caps the claim sweep ticker so an operator
// configuring a very long claim TTL maximum doesn't leave abandoned
// claims in the table for a full day.
const MaxClaimSweepInterval = time.Hour

// claimSweepGrace is how long past expiry a claim is left in place before
// the sweep deletes it. At 0, the first sweep that runs after expires_at
// removes the claim; until then a redeem still observes "expired" rather
// than "not_found".
const claimSweepGrace = 0

// DefaultStaleInstanceSweepInterval is the fixed interval for the
// stale-instance sweep.
const DefaultStaleInstanceSweepInterval = 300 * time.Second

// Config configures a Scheduler.
type Config struct {
	Claims    *claimstore.Store
	Instances *instancestore.Store

	// Registry and Pending, if set, let the scheduler also publish
	// ConnectedInstances/PendingRequestsGauge on every stale-instance
	// tick, since that's the scheduler's only recurring hook into
	// process-wide state.
	Registry *connregistry.Registry
	Pending  *pendingrequests.Table

	Clock clockwork.Clock

	// ClaimSweepInterval defaults to MaxClaimSweepInterval if unset or
	// larger than it.
	ClaimSweepInterval time.Duration
	// StaleInstanceSweepInterval defaults to DefaultStaleInstanceSweepInterval.
	StaleInstanceSweepInterval time.Duration
	// StaleAfter is the threshold instancestore.SweepStale uses; defaults
	// to instancestore.DefaultStaleAfter.
	StaleAfter time.Duration
}

func (c Config) claimSweepInterval() time.Duration {
	if c.ClaimSweepInterval <= 0 || c.ClaimSweepInterval > MaxClaimSweepInterval {
		return MaxClaimSweepInterval
	}
	return c.ClaimSweepInterval
}

func (c Config) staleInstanceSweepInterval() time.Duration {
	if c.StaleInstanceSweepInterval <= 0 {
		return DefaultStaleInstanceSweepInterval
	}
	return c.StaleInstanceSweepInterval
}

func (c Config) staleAfter() time.Duration {
	if c.StaleAfter <= 0 {
		return instancestore.DefaultStaleAfter
	}
	return c.StaleAfter
}

func (c Config) clock() clockwork.Clock {
	if c.Clock == nil {
		return clockwork.NewRealClock()
	}
	return c.Clock
}

// Scheduler runs the two sweep loops. Zero value is not usable; build
// one with New.
type Scheduler struct {
	cfg Config
}

// New constructs a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg}
}

// Run blocks, driving both sweep tickers, until ctx is cancelled. Intended
// to be run in its own goroutine for the lifetime of the relay process.
func (s *Scheduler) Run(ctx context.Context) {
	clock := s.cfg.clock()
	claimTicker := clock.NewTicker(s.cfg.claimSweepInterval())
	defer claimTicker.Stop()
	staleTicker := clock.NewTicker(s.cfg.staleInstanceSweepInterval())
	defer staleTicker.Stop()

	log.Info("cleanup scheduler started",
		"claim_sweep_interval", s.cfg.claimSweepInterval(),
		"stale_instance_sweep_interval", s.cfg.staleInstanceSweepInterval())

	for {
		select {
		case <-ctx.Done():
			log.Info("cleanup scheduler stopped")
			return
		case <-claimTicker.Chan():
			s.sweepClaims(ctx)
		case <-staleTicker.Chan():
			s.sweepStaleInstances(ctx)
		}
	}
}

func (s *Scheduler) sweepClaims(ctx context.Context) {
	n, err := s.cfg.Claims.Sweep(ctx, claimSweepGrace)
	if err != nil {
		log.Warn("claim sweep failed", "error", err)
		return
	}
	relaymetrics.ClaimsSweptTotal.Add(float64(n))
	log.Info("claim sweep complete", "swept", n)
}

func (s *Scheduler) sweepStaleInstances(ctx context.Context) {
	n, err := s.cfg.Instances.SweepStale(ctx, s.cfg.staleAfter())
	if err != nil {
		log.Warn("stale instance sweep failed", "error", err)
		return
	}
	relaymetrics.InstancesSweptTotal.Add(float64(n))
	log.Info("stale instance sweep complete", "swept", n)

	if s.cfg.Registry != nil {
		relaymetrics.ConnectedInstances.Set(float64(s.cfg.Registry.Count()))
	}
	if s.cfg.Pending != nil {
		relaymetrics.PendingRequestsGauge.Set(float64(s.cfg.Pending.Count()))
	}
}
