// Package repair reconciles replica logs when a partition gets a new leader.
//
// A Term drives one promotion episode of one partition. It asks every
// participating replica for its repair log, folds the responses into an
// ordered, deduplicated union of transaction records, and once every
// replica has reported it sends each lagging replica the records it is
// missing, in ascending handle order.
//
// A Term is not reused across episodes. Callers serialize delivery of
// responses; the Term's own mutex only protects its state from concurrent
// readers.
package repair
