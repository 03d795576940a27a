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

package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/dwongdev/mydia-relay/internal/relayconfig"
	"github.com/dwongdev/mydia-relay/internal/relayerr"
	"github.com/dwongdev/mydia-relay/internal/relaylog"
	"github.com/dwongdev/mydia-relay/lib/adminfeed"
	"github.com/dwongdev/mydia-relay/lib/backend"
	"github.com/dwongdev/mydia-relay/lib/backend/memory"
	"github.com/dwongdev/mydia-relay/lib/backend/pgbk"
	"github.com/dwongdev/mydia-relay/lib/backend/sqlitebk"
	"github.com/dwongdev/mydia-relay/lib/claimstore"
	"github.com/dwongdev/mydia-relay/lib/cleanup"
	"github.com/dwongdev/mydia-relay/lib/connregistry"
	"github.com/dwongdev/mydia-relay/lib/instancestore"
	"github.com/dwongdev/mydia-relay/lib/namespace"
	"github.com/dwongdev/mydia-relay/lib/pendingrequests"
	"github.com/dwongdev/mydia-relay/lib/relayapi"
	"github.com/dwongdev/mydia-relay/lib/relaytunnel"
)

var log = relaylog.For("serve")

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := relayconfig.Load(configPath)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/mydia-relay/relay.yaml", "path to the relay config file")
	return cmd
}

func openBackend(ctx context.Context, cfg relayconfig.BackendConfig) (backend.Backend, error) {
	switch cfg.Driver {
	case "postgres":
		return pgbk.New(ctx, pgbk.Config{ConnString: cfg.DSN})
	case "sqlite":
		return sqlitebk.New(sqlitebk.Config{Path: cfg.DSN})
	default:
		return memory.New(memory.Config{}), nil
	}
}

// runServer wires every component together and blocks until ctx is
// cancelled (SIGINT/SIGTERM), then drains in-flight work before
// returning.
func runServer(ctx context.Context, cfg *relayconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pepper, err := hex.DecodeString(cfg.MasterPepperHex)
	if err != nil {
		return errors.New("master_pepper_hex is not valid hex")
	}
	signingKey, err := hex.DecodeString(cfg.TokenSigningKeyHex)
	if err != nil {
		return errors.New("token_signing_key_hex is not valid hex")
	}

	be, err := openBackend(ctx, cfg.Backend)
	if err != nil {
		return err
	}
	defer be.Close()

	clock := clockwork.NewRealClock()
	claims := claimstore.New(be, clock)
	instances := instancestore.New(be, clock, signingKey)
	registry := connregistry.New()
	pending := pendingrequests.New(clock)
	deriver := namespace.New(pepper, clock)
	events := adminfeed.NewHub()

	tunnelDeps := relaytunnel.Deps{
		Registry:  registry,
		Pending:   pending,
		Instances: instances,
		Clock:     clock,
		Events:    events,
	}

	apiServer := relayapi.NewServer(relayapi.Deps{
		Claims:         claims,
		Instances:      instances,
		Registry:       registry,
		Pending:        pending,
		Namespace:      deriver,
		Events:         events,
		Clock:          clock,
		AdminToken:     cfg.AdminToken,
		ForwardCeiling: cfg.ForwardCeiling,
		Probe:          func() error { return backendProbe(ctx, be) },
	})

	sched := cleanup.New(cleanup.Config{
		Claims:             claims,
		Instances:          instances,
		Registry:           registry,
		Pending:            pending,
		Clock:              clock,
		StaleAfter:         cfg.StaleInstanceThreshold,
		ClaimSweepInterval: cfg.ClaimTTLMaximum,
	})

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		return err
	}
	listener, err := tls.Listen("tcp", cfg.Listen, tlsConfig)
	if err != nil {
		return err
	}

	httpServer := &http.Server{Handler: apiServer}
	httpListener, err := net.Listen("tcp", httpListenAddr(cfg.Listen))
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); sched.Run(ctx) }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("relayapi listener stopped", "error", err)
		}
	}()

	var connWG sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		acceptLoop(ctx, listener, tunnelDeps, &connWG)
	}()

	<-ctx.Done()
	log.Info("shutting down")

	_ = listener.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	drain(registry, pending)

	connWG.Wait()
	wg.Wait()
	return nil
}

// acceptLoop accepts instance tunnel connections until ctx is cancelled
// or the listener errors (which happens on ctx cancellation closing it).
func acceptLoop(ctx context.Context, listener net.Listener, deps relaytunnel.Deps, connWG *sync.WaitGroup) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("accept failed", "error", err)
			continue
		}
		connWG.Add(1)
		go func() {
			defer connWG.Done()
			handleConn(ctx, conn, deps)
		}()
	}
}

func handleConn(ctx context.Context, conn net.Conn, deps relaytunnel.Deps) {
	c, err := relaytunnel.NewConnection(conn, deps)
	if err != nil {
		log.Warn("failed to wrap tunnel connection", "error", err)
		_ = conn.Close()
		return
	}
	if err := c.Run(ctx); err != nil {
		log.Info("tunnel connection closed", "error", err)
	}
}

// drain is the graceful-shutdown sequence: every still-registered
// instance's pending requests are failed and its connection closed
// before the process exits, rather than letting sockets simply drop.
func drain(registry *connregistry.Registry, pending *pendingrequests.Table) {
	for _, entry := range registry.List() {
		pending.FailAll(entry.InstanceID, relayerr.TunnelDisconnected("relay is shutting down"))
		_ = entry.Handler.Close()
	}
}

func loadTLSConfig(cfg *relayconfig.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// httpListenAddr derives the plaintext RelayApi address from the tunnel's
// TLS listen address: same host, port+1. A production deployment
// typically terminates both behind a reverse proxy; this keeps a single
// config field sufficient for the common case.
func httpListenAddr(tunnelAddr string) string {
	host, port, err := net.SplitHostPort(tunnelAddr)
	if err != nil {
		return tunnelAddr
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return tunnelAddr
	}
	return net.JoinHostPort(host, strconv.Itoa(p+1))
}

// backendProbe implements readyz: any response other than a clean
// not-found means the backend connection itself is the problem.
func backendProbe(ctx context.Context, be backend.Backend) error {
	_, err := be.Get(ctx, []byte("__readyz_probe__"))
	if err != nil && !trace.IsNotFound(err) {
		return err
	}
	return nil
}
