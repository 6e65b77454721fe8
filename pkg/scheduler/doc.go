/*
Package scheduler assigns pending VMs to nodes with enough free
capacity, then hands placement off to pkg/manager so the next
manifest compilation picks it up.

# Architecture

The scheduler polls on a fixed interval rather than reacting to each
VMCreated event directly, so a leader election mid-cycle just delays
placement by one tick instead of losing the event:

	┌──────────────────────────────────────────┐
	│              Scheduler Loop                │
	│             (every 5 seconds)               │
	└────────────────┬─────────────────────────┘
	                 ▼
	┌──────────────────────────────────────────┐
	│ 1. Skip the cycle unless this replica is   │
	│    the Raft leader                         │
	│ 2. List Pending VMs and Online nodes       │
	│ 3. For each VM, pick a feasible node and   │
	│    call manager.ScheduleVM                 │
	└──────────────────────────────────────────┘

# Placement

Node selection is capacity-feasible first-fit: a node qualifies only
if its reported available CPU/memory/storage covers the VM's request.
Among qualifying nodes, the one with the fewest VMs already scheduled
wins (spread); ties break on node ID for determinism. There is no
bin-packing mode and no label-selector placement — Node.Labels are
carried through for operator visibility only.

Volumes pin placement: if a VM's volume already has a NodeID (because
it's a clone hosted on that node's pool), the VM must land there or
scheduling fails rather than silently picking a different node.
*/
package scheduler
