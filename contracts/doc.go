// Package contracts provides the message types exchanged by msgbook clients.
//
// This package defines:
//   - Message: an immutable payload plus transport metadata (message id,
//     correlation id, reply-to destination, properties)
//   - Payload: either a text body or a small mapping of named scalar fields
//   - Destination: a named broadcast (publish/subscribe) or direct
//     (point-to-point) channel
//   - Envelope: the JSON wire shape used by transports that have no native
//     message metadata
package contracts
