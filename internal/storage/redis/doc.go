// Package redis offers caching, distributed locking, and queue primitives for
// the OpenDEX runtime. It exposes higher-level helpers tailored to settlement
// workloads such as reconciliation result caching and per-initiator rate
// limiting.
package redis
