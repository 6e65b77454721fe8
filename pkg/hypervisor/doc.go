/*
Package hypervisor supervises the cloud-hypervisor subprocess backing
one running VM (monitor.go) and builds its cloud-init seed ISO
(seed.go) when user_data is present.

monitor.go's Start/Stop lifecycle is modeled on the same
start/wait-for-ready/graceful-stop/forcible-stop shape the teacher's
Lima VM manager used for its own subprocess, but multiplexed across
every VM scheduled on this node instead of one. seed.go uses
github.com/diskfs/go-diskfs to build an ISO9660 volume with Joliet and
Rock Ridge extensions, already an indirect dependency of the embedded
tooling and promoted to direct use here.
*/
package hypervisor
