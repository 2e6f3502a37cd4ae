// Package event implements the CloudEvents v1.0 shaped record that travels
// over skybus. An Event carries the required id, source and type attributes,
// the usual optional attributes, free-form extension attributes, and a scope
// tag that selects process-only or application-wide delivery.
//
// Brokers never see an Event directly: ToRecord flattens it into the one
// level key/value shape handlers consume, with extensions merged into the
// top level, and FromRecord reverses the flattening on the receiving side.
package event
