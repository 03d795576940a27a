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

package relaytunnel

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/dwongdev/mydia-relay/api/types"
	"github.com/dwongdev/mydia-relay/internal/relayerr"
	"github.com/dwongdev/mydia-relay/internal/relaylog"
	"github.com/dwongdev/mydia-relay/lib/adminfeed"
	"github.com/dwongdev/mydia-relay/lib/connregistry"
	"github.com/dwongdev/mydia-relay/lib/instancestore"
	"github.com/dwongdev/mydia-relay/lib/pendingrequests"
	"github.com/dwongdev/mydia-relay/lib/protocolversion"
)

var log = relaylog.For("relaytunnel")

// DefaultIdleTimeout is how long a connection may go without any frame
// before it is torn down; any frame resets it.
const DefaultIdleTimeout = 60 * time.Second

// Deps are the collaborators a Connection needs; shared across every
// connection the listener accepts.
type Deps struct {
	Registry    *connregistry.Registry
	Pending     *pendingrequests.Table
	Instances   *instancestore.Store
	Clock       clockwork.Clock
	IdleTimeout time.Duration // 0 uses DefaultIdleTimeout
	// Events, if non-nil, receives instance_online/instance_offline
	// notifications for the admin feed.
	Events *adminfeed.Hub
}

func (d Deps) idleTimeout() time.Duration {
	if d.IdleTimeout > 0 {
		return d.IdleTimeout
	}
	return DefaultIdleTimeout
}

// Connection is one instance's control channel, running the
// awaiting_hello -> active -> closing/closed state machine. Implements
// connregistry.Handler so it can be the displaced/displacing entry in
// the registry.
type Connection struct {
	deps Deps
	wire *WireConn

	instanceID string
	outbound   *frameQueue

	closeOnce sync.Once
	closeErr  error
}

var _ connregistry.Handler = (*Connection)(nil)

// NewConnection wraps an accepted transport connection. Call Run to
// drive its lifecycle; Run blocks until the connection terminates.
func NewConnection(conn Conn, deps Deps) (*Connection, error) {
	wire, err := NewWireConn(conn)
	if err != nil {
		return nil, err
	}
	return &Connection{deps: deps, wire: wire, outbound: newFrameQueue()}, nil
}

// Close tears down the connection's transport and outbound queue.
// Idempotent; satisfies connregistry.Handler.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.outbound.Close()
		c.closeErr = c.wire.Close()
	})
	return c.closeErr
}

// Enqueue queues a server-initiated frame (forward_request, cancel) for
// delivery on this connection's writer goroutine. Never blocks the
// caller.
func (c *Connection) Enqueue(f types.Frame) {
	c.outbound.Push(f)
}

// Run drives awaiting_hello -> active -> closing/closed to completion.
// It returns once the connection is fully torn down;
// the returned error is the reason it ended: a hello failure, a
// transport or protocol error from the read loop, or ctx's error.
func (c *Connection) Run(ctx context.Context) error {
	defer c.Close()

	instanceID, err := c.handleHello(ctx)
	if err != nil {
		return err
	}
	c.instanceID = instanceID

	previous := c.deps.Registry.Register(instanceID, c, nil)
	if previous != nil {
		c.deps.Pending.FailAll(instanceID, relayerr.TunnelDisconnected("instance reconnected"))
		_ = previous.Handler.Close()
	}
	// hello is an authenticated message, so it stamps last_seen_at like
	// any heartbeat would; the instance is online from welcome onward,
	// not only after its first explicit heartbeat frame.
	if _, err := c.deps.Instances.Heartbeat(ctx, instanceID, nil); err != nil {
		log.Warn("initial presence update failed", "instance_id", instanceID, "error", err)
	}
	c.deps.Events.Publish(adminfeed.Event{Type: adminfeed.EventInstanceOnline, InstanceID: instanceID, At: c.deps.Clock.Now()})

	defer c.teardown(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error {
		// Either loop blocks on I/O (ReadFrame's deadline, or Pop's
		// condvar) rather than on gctx itself, so cancellation alone
		// wouldn't unblock the other one promptly: force both off their
		// blocking calls as soon as either side fails.
		<-gctx.Done()
		_ = c.wire.Close()
		c.outbound.Close()
		return nil
	})
	return g.Wait()
}

// handleHello implements the awaiting_hello state: it reads exactly one
// frame, which must be hello, authenticates it, negotiates a protocol
// version, and on success sends welcome. A non-hello frame, a bad token,
// or a failed negotiation sends a typed error frame before returning; a
// failed read of the first frame or a failed welcome write sends none.
func (c *Connection) handleHello(ctx context.Context) (string, error) {
	frame, err := c.wire.ReadFrame(c.deps.Clock.Now().Add(c.deps.idleTimeout()))
	if err != nil {
		return "", err
	}
	if frame.Kind != types.FrameHello || frame.Hello == nil {
		_ = c.wire.WriteFrame(errorFrame(relayerr.Validation("expected hello frame")))
		return "", relayerr.Validation("expected hello frame, got %s", frame.Kind)
	}
	hello := frame.Hello

	if err := c.deps.Instances.VerifyToken(ctx, hello.InstanceID, hello.Token); err != nil {
		_ = c.wire.WriteFrame(errorFrame(relayerr.Unauthorized("auth_failed")))
		return "", err
	}

	version, err := protocolversion.Negotiate(hello.SupportedVersions)
	if err != nil {
		_ = c.wire.WriteFrame(types.Frame{Kind: types.FrameError, Error: &types.ErrorPayload{
			Code:              string(relayerr.CodeVersionIncompatible),
			Message:           "no compatible protocol version",
			SupportedVersions: protocolversion.Supported,
		}})
		return "", relayerr.VersionIncompatible("no compatible protocol version")
	}

	if err := c.wire.WriteFrame(types.Frame{
		Kind: types.FrameWelcome,
		Welcome: &types.WelcomePayload{
			NegotiatedVersion: version,
			ServerTime:        c.deps.Clock.Now().Unix(),
		},
	}); err != nil {
		return "", err
	}
	return hello.InstanceID, nil
}

func errorFrame(err error) types.Frame {
	return types.Frame{Kind: types.FrameError, Error: &types.ErrorPayload{
		Code:    string(relayerr.CodeOf(err)),
		Message: err.Error(),
	}}
}

// readLoop implements the active state's inbound processing: frames are
// handled in receipt order, each frame resets the idle deadline, and any
// unrecognized or malformed frame is a fatal protocol error.
func (c *Connection) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := c.wire.ReadFrame(c.deps.Clock.Now().Add(c.deps.idleTimeout()))
		if err != nil {
			return err
		}

		switch frame.Kind {
		case types.FrameHeartbeat:
			var directURLs []string
			if frame.Heartbeat != nil {
				directURLs = frame.Heartbeat.DirectURLs
			}
			if _, err := c.deps.Instances.Heartbeat(ctx, c.instanceID, directURLs); err != nil {
				log.Warn("heartbeat failed", "instance_id", c.instanceID, "error", err)
			}
			c.Enqueue(types.Frame{Kind: types.FrameAck})

		case types.FrameResponse:
			if frame.Response == nil {
				return relayerr.Validation("response frame missing payload")
			}
			if frame.Response.Error != "" {
				c.deps.Pending.ResolveError(frame.Response.RequestID, relayerr.Validation("%s", frame.Response.Error))
			} else {
				c.deps.Pending.Resolve(frame.Response.RequestID, frame.Response.Payload)
			}

		case types.FrameStreamChunk:
			if frame.StreamChunk == nil {
				return relayerr.Validation("stream_chunk frame missing payload")
			}
			// Streaming delivery accumulates onto the same waiter as a
			// plain response; a chunk never resolves it (only stream_end
			// does). An out-of-order seq on a still-pending request is
			// a protocol violation, fatal to the connection like any
			// other malformed frame.
			if !c.deps.Pending.AppendChunk(frame.StreamChunk.RequestID, frame.StreamChunk.Seq, frame.StreamChunk.Data) {
				return relayerr.Validation("stream_chunk out of order for request %s", frame.StreamChunk.RequestID)
			}

		case types.FrameStreamEnd:
			if frame.StreamEnd == nil {
				return relayerr.Validation("stream_end frame missing payload")
			}
			c.deps.Pending.ResolveStream(frame.StreamEnd.RequestID)

		default:
			return relayerr.Validation("unexpected frame kind %s in active state", frame.Kind)
		}
	}
}

// writeLoop drains the outbound queue onto the wire until it's closed or
// ctx is cancelled.
func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		frame, ok := c.outbound.Pop()
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		if err := c.wire.WriteFrame(frame); err != nil {
			return err
		}
	}
}

// teardown implements the closing/closed transition: fail every pending
// request on this instance, then unregister (only if
// this connection is still the registered one), then mark the instance
// offline if the unregister actually removed this connection's entry.
func (c *Connection) teardown(ctx context.Context) {
	c.deps.Pending.FailAll(c.instanceID, relayerr.TunnelDisconnected("instance tunnel closed"))
	if c.deps.Registry.Unregister(c.instanceID, c) {
		if err := c.deps.Instances.MarkOffline(ctx, c.instanceID); err != nil {
			log.Warn("mark offline failed", "instance_id", c.instanceID, "error", err)
		}
		c.deps.Events.Publish(adminfeed.Event{Type: adminfeed.EventInstanceOffline, InstanceID: c.instanceID, At: c.deps.Clock.Now()})
	}
}
