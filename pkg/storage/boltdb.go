package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sandbay/sandbay/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketContainers = []byte("containers")
	bucketTemplates  = []byte("templates")
	bucketAudit      = []byte("audit")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "sandbay.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketContainers,
			bucketTemplates,
			bucketAudit,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// itob converts a record id to a sortable byte key
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Container operations

// CreateContainer assigns the next id and inserts the record. The scan
// for a conflicting live host port and the quota recount run inside the
// same write transaction as the insert, which is what makes allocation
// and quota races fail loudly instead of over-allocating.
func (s *BoltStore) CreateContainer(rec *types.ContainerRecord, guard CreateGuard) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)

		liveTotal := 0
		liveOwned := 0
		err := b.ForEach(func(k, v []byte) error {
			var existing types.ContainerRecord
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if !existing.Live() {
				return nil
			}
			if existing.HostPort == rec.HostPort {
				return types.AllocationConflict(
					fmt.Sprintf("host port %d already held by container %d", rec.HostPort, existing.ID))
			}
			liveTotal++
			if existing.OwnerID == rec.OwnerID {
				liveOwned++
			}
			return nil
		})
		if err != nil {
			return err
		}
		if guard.MaxPerUser > 0 && liveOwned >= guard.MaxPerUser {
			return types.QuotaExceeded(fmt.Sprintf(
				"at most %d containers per user", guard.MaxPerUser))
		}
		if guard.MaxTotal > 0 && liveTotal >= guard.MaxTotal {
			return types.QuotaExceeded(fmt.Sprintf(
				"the global limit of %d containers is reached", guard.MaxTotal))
		}

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to assign container id: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(itob(rec.ID), data)
	})
}

func (s *BoltStore) GetContainer(id uint64) (*types.ContainerRecord, error) {
	var rec types.ContainerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data := b.Get(itob(id))
		if data == nil {
			return types.NotFound(fmt.Sprintf("container not found: %d", id))
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListContainers() ([]*types.ContainerRecord, error) {
	return s.listContainers(func(*types.ContainerRecord) bool { return true })
}

func (s *BoltStore) ListLiveContainers() ([]*types.ContainerRecord, error) {
	return s.listContainers(func(rec *types.ContainerRecord) bool { return rec.Live() })
}

func (s *BoltStore) ListContainersByOwner(ownerID string, liveOnly bool) ([]*types.ContainerRecord, error) {
	return s.listContainers(func(rec *types.ContainerRecord) bool {
		if rec.OwnerID != ownerID {
			return false
		}
		return !liveOnly || rec.Live()
	})
}

func (s *BoltStore) listContainers(keep func(*types.ContainerRecord) bool) ([]*types.ContainerRecord, error) {
	var recs []*types.ContainerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.ForEach(func(k, v []byte) error {
			var rec types.ContainerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if keep(&rec) {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	return recs, err
}

// MutateContainer applies fn to the record in one write transaction.
func (s *BoltStore) MutateContainer(id uint64, fn func(*types.ContainerRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data := b.Get(itob(id))
		if data == nil {
			return types.NotFound(fmt.Sprintf("container not found: %d", id))
		}

		var rec types.ContainerRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if !rec.Live() {
			return types.NotFound(fmt.Sprintf("container already removed: %d", id))
		}

		if err := fn(&rec); err != nil {
			return err
		}
		rec.ID = id // the id is immutable regardless of what fn did

		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put(itob(id), updated)
	})
}

// Template operations

func (s *BoltStore) CreateTemplate(tpl *types.Template) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to assign template id: %w", err)
		}
		tpl.ID = id

		data, err := json.Marshal(tpl)
		if err != nil {
			return err
		}
		return b.Put(itob(tpl.ID), data)
	})
}

func (s *BoltStore) GetTemplate(id uint64) (*types.Template, error) {
	var tpl types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		data := b.Get(itob(id))
		if data == nil {
			return types.NotFound(fmt.Sprintf("template not found: %d", id))
		}
		return json.Unmarshal(data, &tpl)
	})
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *BoltStore) ListTemplates() ([]*types.Template, error) {
	var tpls []*types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		return b.ForEach(func(k, v []byte) error {
			var tpl types.Template
			if err := json.Unmarshal(v, &tpl); err != nil {
				return err
			}
			tpls = append(tpls, &tpl)
			return nil
		})
	})
	return tpls, err
}

func (s *BoltStore) UpdateTemplate(tpl *types.Template) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		if b.Get(itob(tpl.ID)) == nil {
			return types.NotFound(fmt.Sprintf("template not found: %d", tpl.ID))
		}
		data, err := json.Marshal(tpl)
		if err != nil {
			return err
		}
		return b.Put(itob(tpl.ID), data)
	})
}

func (s *BoltStore) DeleteTemplate(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		return b.Delete(itob(id))
	})
}

// Audit operations

func (s *BoltStore) AppendAudit(action, actor string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to assign audit id: %w", err)
		}
		entry := types.AuditEntry{
			ID:     id,
			Action: action,
			Actor:  actor,
			Time:   time.Now(),
		}
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
}

// ListAudit returns the most recent entries, newest first.
func (s *BoltStore) ListAudit(limit int) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(entries) < limit); k, v = c.Prev() {
			var entry types.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}
