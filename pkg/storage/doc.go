/*
Package storage defines the time-series store behind SensorVault.

Two record kinds are kept:
  - Reading: one decrypted device sample, immutable once written and removed
    only by retention.
  - Bucket: an hourly summary written by the aggregation engine and never
    modified.

The aggregation checkpoint is MaxIntervalEnd: readings at or below it are
never aggregated again, including ones that arrive late.

Backends:
  - memory: slices behind a RWMutex, for tests
  - badger: BadgerDB with ordered keys, for production

Backends may also implement Snapshotter, Restorer and GarbageCollector,
which the backup manager and the scheduler use when present.
*/
package storage
