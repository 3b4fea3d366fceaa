// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics buffers the internal counters and gauges of the sampling engine
and reports them through the OpenTelemetry metric API.

Producers call Add or AddSlice with IDs from ids.go. Values are buffered per
second of wall clock time; the first call in a new second flushes the previous
batch to the OTel instruments declared in metrics.json. A metric ID reported
twice in the same second keeps its first value.

	metrics
	├── enginemetrics/  // periodic collection from the engine components
	├── genids/         // generator for ids.go
	├── metrics.go      // Add(), AddSlice() and the OTel instruments
	├── metrics.json    // metric definitions, append only
	└── types.go        // Metric, MetricID, MetricValue, MetricDefinition
*/
package metrics
