/*
Package agent is the node agent: agent.go owns the Sync session (one
goroutine draining inbound manifests, a second owning outbound
heartbeats/status over a buffered channel so a slow reconcile pass
never blocks a heartbeat), manifest.go is the fixed seven-kind
reconcile-then-prune pass, reality.go is the restart-time
known-id-set rebuild. All three are grounded on
original_source/mvirt-node/src/agent.rs's NodeAgent: :run/apply_manifest/
init_from_reality, translated from the original's channel/task
plumbing into goroutines and buffered Go channels.
*/
package agent
