// Package monitor observes the delivery subsystem. Collectors receive
// lifecycle events from the router (in memory for tests and JSON stats,
// Prometheus for scraping) and the health registry aggregates component
// checks behind an HTTP handler.
package monitor
