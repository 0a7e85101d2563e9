/*
Package types provides the core interfaces and data structures shared across tierstore.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│            Service (pkg/tierstore)          │
	└─────────────────────────────────────────────┘
	          │                    │
	┌─────────┴─────────┐ ┌────────┴───────────────┐
	│  StorageFacade    │ │  CapacityMonitor       │
	│  (internal/store) │ │  (internal/capacity)   │
	└───────────────────┘ └────────────────────────┘
	     │         │               │
	┌────┴───┐ ┌───┴─────┐ ┌───────┴──────┐
	│ Secure │ │  Bulk   │ │ HealthProbe  │
	│  tier  │ │  tier   │ │              │
	└────────┘ └─────────┘ └──────────────┘

# Core Interfaces

Backend is the raw key-value contract every storage engine implements.
EnumerableBackend adds listing and wiping, which the Bulk tier requires for
chunk cleanup, usage snapshots and emergency recovery.

FullClassifier lets a backend recognise its own out-of-space errors from typed
codes (SQLite result codes, errno values, S3 error codes) so the tier layer
only falls back to message matching for unknown backends. SizeClassifier does
the same for per-item limit rejections, which the tier layer reports as
CAPACITY_EXCEEDED rather than a backend failure.

Clearer is implemented by caches and registered with the service so emergency
cleanup can drop them.

# Usage Accounting

UsageSnapshot sums len(key)+len(value) over enumerable keys. It is an
estimate; Ratio compares it against the configured bulk capacity.
*/
package types
