/*
Package reconcile's seven files each implement the Reconciler
interface for one manifest kind, grounded directly on
original_source/mvirt-node/src/agent.rs's apply_manifest: the node
agent calls Reconcile for every id in a manifest's desired set and
Finalize for every previously-known id that dropped out, in the fixed
order network.go, securitygroup.go, template.go, volume.go, nic.go,
vm.go, route.go.
*/
package reconcile
