// Package pipeline is the producer side of message delivery. Processing
// stages describe what they found (a sanitized document, a security finding,
// progress, a failure) and the Adapter turns it into an AgentMessage with the
// right priority, guarantee and lifetime before submitting it to a router.
package pipeline
