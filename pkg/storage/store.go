package storage

import (
	"github.com/sandbay/sandbay/pkg/types"
)

// CreateGuard re-validates allocation policy at insert time. Zero
// values mean unlimited. The early checks in the lifecycle engine give
// fast rejections; this one, inside the insert transaction, is the one
// that holds under concurrency.
type CreateGuard struct {
	MaxPerUser int
	MaxTotal   int
}

// Store defines the interface for sandbay's durable state.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Containers. CreateContainer assigns the record id and fails with an
	// allocation conflict when another live record already holds the same
	// host port, or a quota error when the guard's ceilings are hit; the
	// checks and the insert are one atomic step.
	CreateContainer(rec *types.ContainerRecord, guard CreateGuard) error
	GetContainer(id uint64) (*types.ContainerRecord, error)
	ListContainers() ([]*types.ContainerRecord, error)
	ListLiveContainers() ([]*types.ContainerRecord, error)
	ListContainersByOwner(ownerID string, liveOnly bool) ([]*types.ContainerRecord, error)

	// MutateContainer applies fn to the stored record inside a single
	// write transaction, so read-modify-write updates cannot be lost to
	// a concurrent writer. A record already marked removed is not handed
	// to fn; the call fails with not found.
	MutateContainer(id uint64, fn func(*types.ContainerRecord) error) error

	// Templates
	CreateTemplate(tpl *types.Template) error
	GetTemplate(id uint64) (*types.Template, error)
	ListTemplates() ([]*types.Template, error)
	UpdateTemplate(tpl *types.Template) error
	DeleteTemplate(id uint64) error

	// Audit log
	AppendAudit(action, actor string) error
	ListAudit(limit int) ([]*types.AuditEntry, error)

	// Utility
	Close() error
}
