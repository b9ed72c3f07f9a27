// Package transaction runs units of work inside retrying MongoDB
// transactions.
//
// Core flow:
//   - Run starts a transaction, calls the unit of work with a fresh Session,
//     writes the registered events to the event log and commits.
//   - Transient transaction errors re-run the whole unit of work with an
//     empty event buffer; an unknown commit result re-issues the commit.
//   - After a successful commit the buffered events are published once.
//   - RunWithLock holds a named distributed mutex across all attempts.
//
// Domain failures are signalled with Custom and come back from Run
// unchanged; every other failure is an *Error[E] with a Kind.
package transaction
