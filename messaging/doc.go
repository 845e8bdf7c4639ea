// Package messaging provides correlated request/reply and broadcast
// messaging on top of an asynchronous transport session.
//
// This package implements:
//   - CorrelationRegistry: requests awaiting a reply, keyed by message id,
//     resolved exactly once by reply, timeout, cancellation or rollback
//   - RequestReplyClient: sends a request with a private reply-to
//     destination and blocks until the correlated reply or the timeout
//   - BroadcastClient: publishes to a shared channel and delivers inbound
//     traffic to a handler
//   - Dispatcher: the single inbound entry point that resolves replies
//     first and forwards everything else to the broadcast handler
//
// Example usage:
//
//	session, err := connector.Connect(ctx)
//	registry := messaging.NewCorrelationRegistry()
//	dispatcher := messaging.NewDispatcher(registry)
//
//	borrower, err := messaging.NewRequestReplyClient(ctx, session,
//		contracts.NewQueue("LoanRequestQ"),
//		messaging.WithRegistry(registry),
//		messaging.WithDispatcher(dispatcher),
//	)
//	reply, err := borrower.SendRequest(ctx, contracts.NewMapMessage(map[string]any{
//		"Salary":     50000.0,
//		"LoanAmount": 120000.0,
//	}), 30*time.Second)
//	switch {
//	case messaging.IsTimeout(err):
//		// no response
//	case messaging.IsTransport(err):
//		// could not send
//	}
//
// Transports implement Session; see the transports directory.
package messaging
