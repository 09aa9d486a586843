// Package export moves raw readings in and out of the store as files.
//
// # Formats
//
// JSON exports carry metadata and can be re-imported:
//
//	{
//	  "metadata": {
//	    "exported_at": "2024-03-09T12:00:00Z",
//	    "start_time": 1709899200,
//	    "end_time": 1709985600,
//	    "reading_count": 2,
//	    "format": "json",
//	    "version": "1.0"
//	  },
//	  "readings": [
//	    {"temperature": 21.5, "humidity": 40, "timestamp": 1709900000},
//	    {"temperature": 22.0, "humidity": 41, "timestamp": 1709900060}
//	  ]
//	}
//
// CSV exports have the columns timestamp, time (RFC3339 UTC), temperature
// and humidity. Parquet exports use the same three numeric columns with
// zstd compression. Neither can be re-imported.
//
// # HTTP API
//
//	curl "http://localhost:8888/api/export?format=parquet&start=2024-03-01T00:00:00Z" -o readings.parquet
//	curl -X POST -H "Content-Type: application/json" -d @backup.json http://localhost:8888/api/import
//
// The export range defaults to the last 24 hours and may not exceed 30
// days. Imports are written in batches of 5,000. Readings with a non-finite
// value, a zero timestamp or a timestamp more than a day in the future are
// skipped and listed in the result's errors.
package export
