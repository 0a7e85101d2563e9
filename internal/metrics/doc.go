/*
Package metrics exports storage events to Prometheus.

Collector implements types.MetricsCollector on a private registry so several
stores can run in one process without clashing on metric names:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Address:   ":9464",
		Path:      "/metrics",
		Namespace: "tierstore",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

Exported series:

  - tierstore_operations_total{operation,tier,result}
  - tierstore_operation_duration_seconds{operation}
  - tierstore_operation_size_bytes{operation}
  - tierstore_fallbacks_total{from,to,reason}
  - tierstore_cleanups_total{policy,result}
  - tierstore_evicted_keys_total{policy}
  - tierstore_probe_failures_total{tier,code}
  - tierstore_usage_ratio, tierstore_used_bytes, tierstore_capacity_bytes

Labels never carry keys or values.

/debug/operations returns per operation and tier totals as JSON.
*/
package metrics
