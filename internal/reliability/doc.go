// Package reliability provides retry policies for operations against a
// broker that may not be reachable yet, such as opening a session.
//
// Example usage:
//
//	policy := NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2.0, 3)
//	err := Retry(ctx, policy, func() error {
//	    session, err = connector.Connect(ctx)
//	    return err
//	})
package reliability
