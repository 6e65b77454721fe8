// Package types defines the cluster-wide entities held by the API's
// desired-state store and exchanged with node agents in manifests.
package types

import "time"

// Node represents a worker node that runs VMs.
type Node struct {
	ID            string
	Name          string // unique
	Address       string
	Labels        map[string]string
	Resources     *NodeResources
	Status        NodeStatus
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// NodeResources tracks reported and projected capacity.
type NodeResources struct {
	CPUCores    int
	MemoryMB    int64
	StorageGB   int64
	AvailableCPUCores  int
	AvailableMemoryMB  int64
	AvailableStorageGB int64
}

// NodeStatus is the lifecycle state of a Node.
type NodeStatus string

const (
	NodeStatusOnline   NodeStatus = "online"
	NodeStatusOffline  NodeStatus = "offline"
	NodeStatusDraining NodeStatus = "draining"
)

// Network is a cluster-level L2/L3 domain that NICs join.
type Network struct {
	ID          string
	Name        string // unique
	IPv4Subnet  string // CIDR, optional
	IPv6Prefix  string // CIDR, optional
	DNS         []string
	NTP         []string
	IsPublic    bool
	CreatedAt   time.Time
}

// NICState is the lifecycle state of a NIC.
type NICState string

const (
	NICStateCreated NICState = "created"
	NICStateActive  NICState = "active"
	NICStateError   NICState = "error"
)

// NIC is a logical network interface bound to a Network and, once its
// owning VM is scheduled, to a Node.
type NIC struct {
	ID                string
	NetworkID         string
	MAC               string // unique within network
	IPv4              string // unique within network, optional
	IPv6              string // unique within network, optional
	RoutedV4Prefixes  []string
	RoutedV6Prefixes  []string
	SecurityGroupID   string // optional
	NodeID            string // set iff attached to a VM scheduled on that node
	State             NICState
	Error             string
}

// Volume is a writable block device, empty or a CoW clone of a Template.
type Volume struct {
	ID               string
	Name             string // unique per pool
	SizeBytes        int64
	OriginTemplateID string // optional
	NodeID           string // node whose pool hosts the bytes
	CreatedAt        time.Time
}

// TemplateSource names which import pipeline produced a Template.
type TemplateSource string

const (
	TemplateSourceLocalRaw  TemplateSource = "local-raw"
	TemplateSourceHTTPRaw   TemplateSource = "http-raw"
	TemplateSourceLocalQcow TemplateSource = "local-qcow2"
	TemplateSourceHTTPQcow  TemplateSource = "http-qcow2"
)

// Template is a named immutable image used as a clone origin for new volumes.
type Template struct {
	ID           string
	Name         string
	BaseZvolPath string
	SnapshotPath string // BaseZvolPath + "@img"
	SizeBytes    int64
	Source       TemplateSource
	CreatedAt    time.Time
}

// Snapshot is a point-in-time, volume-scoped dataset snapshot.
type Snapshot struct {
	ID             string
	VolumeID       string
	Name           string // unique per volume
	ZFSSnapshotID  string
	CreatedAt      time.Time
}

// VMDesiredState is the user-requested power state of a VM.
type VMDesiredState string

const (
	VMDesiredRunning VMDesiredState = "running"
	VMDesiredStopped VMDesiredState = "stopped"
)

// VMStatus is the observed lifecycle state of a VM.
type VMStatus string

const (
	VMStatusPending   VMStatus = "pending"
	VMStatusScheduled VMStatus = "scheduled"
	VMStatusRunning   VMStatus = "running"
	VMStatusStopped   VMStatus = "stopped"
	VMStatusFailed    VMStatus = "failed"
)

// VM represents one micro-VM.
type VM struct {
	ID             string
	Name           string
	ProjectID      string
	CPUCores       int
	MemoryMB       int64
	VolumeID       string
	NICID          string
	Image          string // kernel/bootloader image path
	UserData       string // cloud-init user-data, optional
	DesiredState   VMDesiredState
	Status         VMStatus
	NodeID         string // optional, set once scheduled
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RuleDirection is the traffic direction a SecurityGroup rule applies to.
type RuleDirection string

const (
	RuleDirectionIngress RuleDirection = "ingress"
	RuleDirectionEgress  RuleDirection = "egress"
)

// SecurityRule is one ingress/egress rule tuple.
type SecurityRule struct {
	Direction RuleDirection
	Proto     string // "tcp", "udp", "icmp", "any"
	PortStart int
	PortEnd   int
	CIDR      string
	PrefixLen int
	IPVersion int // 4 or 6
}

// SecurityGroup is a named set of ingress/egress rules bound by NICs.
type SecurityGroup struct {
	ID            string
	Name          string
	IngressRules  []SecurityRule
	EgressRules   []SecurityRule
	CreatedAt     time.Time
}

// Route is a static route installed into a network's routing table.
type Route struct {
	ID                string
	Prefix            string // CIDR
	NextHopNICID      string // optional
	NextHopNetworkID  string // optional
}

// ImportJobState is the state machine stage of an in-flight template import.
type ImportJobState string

const (
	ImportJobPending    ImportJobState = "pending"
	ImportJobDownloading ImportJobState = "downloading"
	ImportJobConverting ImportJobState = "converting"
	ImportJobWriting    ImportJobState = "writing"
	ImportJobCompleted  ImportJobState = "completed"
	ImportJobFailed     ImportJobState = "failed"
	ImportJobCancelled  ImportJobState = "cancelled"
)

// ImportJob tracks one template import's progress.
type ImportJob struct {
	ID           string
	TemplateID   string
	Source       TemplateSource
	SourceURI    string
	State        ImportJobState
	BytesWritten int64
	SizeBytes    int64
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event is a cluster change notification appended to the broadcast bus.
type Event struct {
	Type      string
	Timestamp time.Time
	NodeID    string
	EntityID  string
	Message   string
}
