package agent

// RealityLister returns the ids of one kind of resource this node
// already has live, queried from the owning subsystem directly
// (ZFS dataset listing, netctl's registry, the hypervisor monitor's
// running set) rather than from any persisted "known" set — this is
// what lets a restarted agent rebuild its known-id sets without
// orphaning resources a crash left behind.
type RealityListers struct {
	Network       func() []string
	SecurityGroup func() []string
	Template      func() []string
	Volume        func() []string
	NIC           func() []string
	VM            func() []string
	Route         func() []string
}

// InitFromReality seeds the agent's known-id sets by querying each
// subsystem's live inventory, per agent.rs's init_from_reality: it
// runs once, before the first connect, so a reconnecting agent never
// treats already-live resources as unmanaged.
func (a *NodeAgent) InitFromReality(listers RealityListers) {
	seed := func(kind string, fn func() []string) {
		if fn == nil {
			return
		}
		ids := map[string]bool{}
		for _, id := range fn() {
			ids[id] = true
		}
		a.known[kind] = ids
	}
	seed(kindNetwork, listers.Network)
	seed(kindSecurityGroup, listers.SecurityGroup)
	seed(kindTemplate, listers.Template)
	seed(kindVolume, listers.Volume)
	seed(kindNIC, listers.NIC)
	seed(kindVM, listers.VM)
	seed(kindRoute, listers.Route)
}
