/*
Package storage provides bbolt-backed state persistence for the cluster's
FSM-applied data: nodes, VM domains, networks, storage OSDs/pools/volumes/
snapshots, and tasks. Each entity family lives in its own bucket, keyed by
its natural identifier (node name, VM UUID, network VNI, ...) and
JSON-encoded.

CAS* methods implement optimistic concurrency: the caller supplies the
version it last observed, and the update is rejected with
ErrVersionConflict if the stored version has since moved. This is what the
KV facade's compare-and-set primitive is built on.
*/
package storage
