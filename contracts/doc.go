// Package contracts provides the message types shared by every part of the delivery subsystem.
//
// This package defines:
//   - AgentMessage: the notification a backend agent sends to a client session
//   - TrustToken: the signed provenance record optionally attached to a message
//   - AgentType, Priority, DeliveryGuarantee: the closed vocabularies that drive routing
//   - The error taxonomy returned by admission, delivery and token verification
//
// AgentMessage encodes to the JSON wire shape consumers expect:
//
//	{ id, role: "assistant", content, timestamp, agentType, priority, ttl, deliveryGuarantee, source, trustToken? }
//
// Unknown fields in decoded messages are preserved and re-emitted so older cores
// can relay messages from newer producers.
package contracts
