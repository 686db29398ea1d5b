// Package queue holds messages awaiting delivery in two FIFO queues:
// Immediate for high and critical priority, Background for the rest.
//
// Entries stay in their queue while being delivered and are removed only
// when they reach a terminal status (delivered, failed or expired). Next
// always serves Immediate before Background, so a steady stream of urgent
// traffic can starve the background queue.
package queue
