// Package reliability provides the backoff and circuit breaking used when
// network connectors re-establish failed bridges.
//
//	cb := NewCircuitBreaker(WithName("edge-a"), WithFailureThreshold(5))
//	policy := NewExponentialBackoff(time.Second, time.Minute, 2, -1)
//	err := Retry(ctx, policy, func() error {
//	    return cb.Execute(ctx, connect)
//	})
package reliability
