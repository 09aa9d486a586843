/*
Package aggregate rolls raw sensor readings up into hourly buckets.

A run reads the checkpoint (the largest interval_end of any stored bucket),
fetches every reading with a later timestamp and groups them by the UTC
hour that contains each timestamp. Each non-empty hour becomes one bucket
holding the average, minimum and maximum of temperature and humidity.
interval_start and interval_end are the first and last reading timestamps
in the hour, not the hour boundaries.

The checkpoint is derived from the buckets themselves, so there is nothing
to roll back when a run fails. Readings that arrive with a timestamp at or
below the checkpoint are never aggregated.

	engine := aggregate.New(store)
	res, err := engine.Run(ctx)
	fmt.Println(res.Created, "buckets")

Because each run only looks past the checkpoint, a run in the middle of an
hour produces a partial bucket for that hour and the next run starts a
second bucket for the remainder. Hourly scheduling at minute 0 keeps this
to the readings that land in the first seconds of an hour.
*/
package aggregate
