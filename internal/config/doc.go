/*
Package config provides configuration management for tierstore.

Configuration is layered, later sources overriding earlier ones:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (TIERSTORE_*)                     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

# Sections

limits: the routing thresholds. Values at or below secure_safe_limit bytes
(after compression) go to the Secure tier; larger values go to the Bulk tier
and are chunked into chunk_size pieces above chunk_threshold. bulk_capacity
accepts human-readable sizes such as "10MB".

cleanup: retention, warning and critical usage ratios, transient key
prefixes, and the list of known Secure tier keys that emergency cleanup
removes.

monitor: the background check interval and the usage ratio that triggers
routine cleanup from the periodic monitor.

secure, bulk: backend selection. Secure accepts "memory" or "sealed"; Bulk
accepts "memory", "sqlite", "badger" or "s3".

# Example

	global:
	  log_level: INFO
	limits:
	  bulk_capacity: 10MB
	cleanup:
	  retention_days: 7
	  secure_keys: [auth_token, refresh_token]
	secure:
	  backend: sealed
	  directory: /var/lib/tierstore/secure
	  master_key_file: /etc/tierstore/master.key
	bulk:
	  backend: sqlite
	  path: /var/lib/tierstore/bulk.db

Validate must be called after loading; it rejects inconsistent thresholds such
as a warning ratio above the critical ratio.
*/
package config
