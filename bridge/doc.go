// Package bridge implements the demand-forwarding network bridge between a
// local broker and a remote peer.
//
// A bridge owns two transports. On the remote transport it subscribes to the
// peer's consumer advisories; each remote consumer it admits becomes a
// demand subscription on the local broker, and messages dispatched to that
// subscription are forwarded to the peer. Broker paths carried on
// subscriptions and messages stop loops in a mesh and bound the number of
// hops (the network TTL).
//
// Basic usage:
//
//	b, err := bridge.New(cfg, localTransport, remoteTransport, brokerService,
//	    bridge.WithLogger(logger),
//	    bridge.WithListener(listener))
//	if err != nil {
//	    return err
//	}
//	if err := b.Start(ctx); err != nil {
//	    return err
//	}
//	defer b.Stop(context.Background())
//
// The bridge never reconnects. A transport failure disposes it and notifies
// the Listener; the connector package re-creates bridges after failures.
package bridge
