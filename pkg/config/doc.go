/*
Package config loads and validates the Nexus daemon configuration.

Configuration comes from a single YAML file layered over built-in defaults;
a missing file runs with the defaults. Durations are written as strings
("30s", "5m") and parsed by the Duration wrapper type.

Example:

	data_dir: /var/lib/nexus
	ignition: /etc/nexus/ignition.yaml
	log:
	  level: info
	  json: true
	api:
	  listen_addr: ":7700"
	  grpc_addr: ":7701"
	port_registry:
	  default_ttl: 60s
	  cleanup_interval: 30s
	hypervisor:
	  health_check_interval: 30s
	  status_update_interval: 10s
	  dependency_timeout: 30s
	  restart_base: 1s
	  restart_cap: 60s
	orchestration:
	  retry_base: 1s
	  retry_cap: 60s
	  workers: 4
	  retention: 15m

Validation rejects non-positive intervals, backoff caps below their bases,
and a worker count below one.
*/
package config
