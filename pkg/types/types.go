package types

import (
	"time"
)

// ContainerStatus represents the stored state of a sandbox container
type ContainerStatus string

const (
	ContainerStatusCreated ContainerStatus = "created"
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusStopped ContainerStatus = "stopped"

	// ContainerStatusRemoved is terminal: once set it is never reverted
	// and the record is permanently out of management.
	ContainerStatusRemoved ContainerStatus = "removed"
)

// ContainerRecord represents one provisioned sandbox container
type ContainerRecord struct {
	ID             uint64          `json:"id"`
	Name           string          `json:"name"`
	OwnerID        string          `json:"owner_id"`
	TemplateID     uint64          `json:"template_id"`
	RuntimeID      string          `json:"runtime_id"` // container engine identifier
	HostPort       int             `json:"host_port"`  // unique among live records
	Status         ContainerStatus `json:"status"`
	ExtensionCount int             `json:"extension_count"`
	DestroyAt      time.Time       `json:"destroy_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Live reports whether the record is still under management.
func (c *ContainerRecord) Live() bool {
	return c.Status != ContainerStatusRemoved
}

// EngineName returns the name the container carries on the engine side.
// Prefixing with the owner keeps names unique across users.
func (c *ContainerRecord) EngineName() string {
	return c.OwnerID + "_" + c.Name
}

// Template is an immutable-at-use-time provisioning blueprint. The admin
// surface owns editing; the engine only reads it.
type Template struct {
	ID          uint64 `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`

	// Resource limits are advisory strings passed to the runtime,
	// e.g. CPULimit "0.5", MemLimit "256m".
	CPULimit  string `json:"cpu_limit"`
	MemLimit  string `json:"mem_limit"`
	DiskLimit string `json:"disk_limit"`

	// Command is the default command the container starts with.
	// Empty means the image default.
	Command string `json:"command"`

	// AllowedCommands lists the interactive commands a terminal may run.
	// Empty means any command is accepted.
	AllowedCommands []string `json:"allowed_commands"`

	Tags          string `json:"tags"`
	ContainerPort int    `json:"container_port"`
}

// CommandAllowed reports whether a terminal command is permitted by the template.
func (t *Template) CommandAllowed(command string) bool {
	if len(t.AllowedCommands) == 0 {
		return true
	}
	for _, c := range t.AllowedCommands {
		if c == command {
			return true
		}
	}
	return false
}

// AuditEntry records a lifecycle action for later inspection
type AuditEntry struct {
	ID     uint64    `json:"id"`
	Action string    `json:"action"`
	Actor  string    `json:"actor"` // owner id, or "system" for reconciler actions
	Time   time.Time `json:"time"`
}

// ContainerStats is a one-shot resource usage reading for a running container
type ContainerStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemUsage   uint64  `json:"mem_usage"`
	MemLimit   uint64  `json:"mem_limit"`
	MemPercent float64 `json:"mem_percent"`
}

// NetworkInfo describes the runtime-reported network state of a container
type NetworkInfo struct {
	IPAddress   string         `json:"ip_address"`
	NetworkMode string         `json:"net_mode"`
	Ports       map[string]int `json:"ports"` // container port spec -> host port
}
