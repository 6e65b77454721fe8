/*
Package api implements the node-facing gRPC server: Register and the
bidirectional Sync stream defined in pkg/rpcapi, backed by a
pkg/manager.Manager.

One Sync session runs for the lifetime of a node agent's connection.
The server pushes a fresh NodeManifest whenever the cluster event bus
signals a change relevant to that node (or statusInterval elapses with
nothing new), and folds incoming Heartbeat/Status frames back into the
desired-state store. A node that disconnects is deregistered, which
releases its VMs for rescheduling elsewhere.

There is no authentication layer here; callers needing transport
security terminate TLS in front of this listener.
*/
package api
