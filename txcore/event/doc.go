// Package event models the domain events produced by a unit of work.
//
// An Event is buffered on the transaction session while the unit of work
// runs. At commit it is converted to a StoredEvent for the event log (a
// conversion that may fail for ephemeral data), and after commit the full
// batch is encoded as a Payload and published to the bus.
package event
