package libplumb

import "time"

const (
	defaultRoot      = "/run/netplumb"
	defaultSubnet    = "172.30.0.0/16"
	defaultOpTimeout = 10 * time.Second

	namespaceDirName = "ns"
)

// Config carries host-wide provisioner settings. Per-container settings
// travel in the Request instead.
type Config struct {
	// Root is the directory per-container state records are kept in
	// (this should be located in tmpfs).
	Root string

	// NamespaceDir is where namespace bind mounts are materialized.
	// Empty means <Root>/ns.
	NamespaceDir string

	// Subnet is the CIDR container addresses are leased from.
	Subnet string

	// Gateway overrides the gateway handed to containers. Empty picks the
	// first usable address of the subnet.
	Gateway string

	// DataDir, when set, enables the disk-backed lease store so several
	// provisioner processes can share the subnet.
	DataDir string

	// MTU for container-side interfaces; 0 keeps the kernel default.
	MTU int

	// TxQueueLen for the veth pair; 0 keeps the kernel default.
	TxQueueLen int

	// OpTimeout bounds every kernel-facing provisioning step.
	OpTimeout time.Duration
}

func setDefaults(config *Config) {
	if config.Root == "" {
		config.Root = defaultRoot
	}
	if config.NamespaceDir == "" {
		config.NamespaceDir = config.Root + "/" + namespaceDirName
	}
	if config.Subnet == "" {
		config.Subnet = defaultSubnet
	}
	if config.OpTimeout == 0 {
		config.OpTimeout = defaultOpTimeout
	}
}

// PortMapping publishes a host port into the container.
type PortMapping struct {
	Protocol      string `json:"protocol"`
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
}

// Request describes one container to provision.
type Request struct {
	// ID is the runtime's name for the container.
	ID string

	// Bridge is the device the container is attached to. It must already
	// exist; netplumb does not manage bridge lifecycles.
	Bridge string

	// Ports to publish on the host.
	Ports []PortMapping
}

// Result reports what a successful provisioning applied.
type Result struct {
	ID            string        `json:"id"`
	Address       string        `json:"address"`
	Gateway       string        `json:"gateway"`
	HostVeth      string        `json:"host_veth"`
	NamespacePath string        `json:"namespace_path"`
	Ports         []PortMapping `json:"ports,omitempty"`
}
