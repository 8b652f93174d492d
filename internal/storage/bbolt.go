package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/developingchet/bastion-access/internal/cloud"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketPermissions = "permissions"
	bucketACLs        = "acls"
	bucketInstances   = "instances"
	bucketParameters  = "parameters"
	bucketSchedules   = "schedules"
)

type bboltStore struct {
	db *bolt.DB
}

var _ Store = (*bboltStore)(nil)

// NewBboltStore opens (or creates) a bbolt database at dataDir/bastion-access.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "bastion-access.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketPermissions, bucketACLs, bucketInstances, bucketParameters, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// get decodes key from bucket into v. Returns false when the key is absent.
func get(tx *bolt.Tx, bucket, key string, v any) (bool, error) {
	raw := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if raw == nil {
		return false, nil
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func put(tx *bolt.Tx, bucket, key string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
}

// ---- Security groups -------------------------------------------------------

func (s *bboltStore) ListIngress(_ context.Context, groupID string) ([]cloud.Permission, error) {
	var perms []cloud.Permission
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := get(tx, bucketPermissions, groupID, &perms)
		return err
	})
	return perms, err
}

func (s *bboltStore) AuthorizeIngress(_ context.Context, groupID string, p cloud.Permission) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var perms []cloud.Permission
		if _, err := get(tx, bucketPermissions, groupID, &perms); err != nil {
			return err
		}
		for _, existing := range perms {
			if samePorts(existing, p) && overlaps(existing.CIDRs, p.CIDRs) {
				return &cloud.ErrConflict{Resource: "security group rule", Msg: "duplicate permission"}
			}
		}
		return put(tx, bucketPermissions, groupID, append(perms, p))
	})
}

func (s *bboltStore) RevokeIngress(_ context.Context, groupID string, p cloud.Permission) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var perms []cloud.Permission
		if _, err := get(tx, bucketPermissions, groupID, &perms); err != nil {
			return err
		}
		removed := false
		kept := perms[:0]
		for _, existing := range perms {
			if samePorts(existing, p) {
				cidrs := existing.CIDRs[:0]
				for _, c := range existing.CIDRs {
					if contains(p.CIDRs, c) {
						removed = true
						continue
					}
					cidrs = append(cidrs, c)
				}
				existing.CIDRs = cidrs
				if len(cidrs) == 0 {
					continue
				}
			}
			kept = append(kept, existing)
		}
		if !removed {
			return &cloud.ErrNotFound{Resource: "security group rule", ID: groupID}
		}
		return put(tx, bucketPermissions, groupID, kept)
	})
}

// ---- Network ACLs ----------------------------------------------------------

func (s *bboltStore) ListEntries(_ context.Context, aclID string) ([]cloud.ACLEntry, error) {
	var entries []cloud.ACLEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := get(tx, bucketACLs, aclID, &entries)
		return err
	})
	return entries, err
}

func (s *bboltStore) CreateEntry(_ context.Context, aclID string, e cloud.ACLEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var entries []cloud.ACLEntry
		if _, err := get(tx, bucketACLs, aclID, &entries); err != nil {
			return err
		}
		for _, existing := range entries {
			if existing.RuleNumber == e.RuleNumber && existing.Egress == e.Egress {
				return &cloud.ErrConflict{Resource: "network acl entry", Msg: fmt.Sprintf("rule number %d in use", e.RuleNumber)}
			}
		}
		entries = append(entries, e)
		sort.Slice(entries, func(i, j int) bool { return entries[i].RuleNumber < entries[j].RuleNumber })
		return put(tx, bucketACLs, aclID, entries)
	})
}

func (s *bboltStore) DeleteIngressEntry(_ context.Context, aclID string, ruleNumber int32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var entries []cloud.ACLEntry
		if _, err := get(tx, bucketACLs, aclID, &entries); err != nil {
			return err
		}
		for i, existing := range entries {
			if existing.RuleNumber == ruleNumber && !existing.Egress {
				return put(tx, bucketACLs, aclID, append(entries[:i], entries[i+1:]...))
			}
		}
		return &cloud.ErrNotFound{Resource: "network acl entry", ID: fmt.Sprintf("%s/%d", aclID, ruleNumber)}
	})
}

// ---- Instances -------------------------------------------------------------

// InstanceState reports the simulated state. A pending or stopping instance
// completes its transition on the next read, so callers observe one
// intermediate state per start or stop.
func (s *bboltStore) InstanceState(_ context.Context, id string) (cloud.InstanceState, error) {
	var state cloud.InstanceState
	err := s.db.Update(func(tx *bolt.Tx) error {
		var rec InstanceRecord
		found, err := get(tx, bucketInstances, id, &rec)
		if err != nil {
			return err
		}
		if !found {
			return &cloud.ErrNotFound{Resource: "instance", ID: id}
		}
		state = rec.State
		switch rec.State {
		case cloud.StatePending:
			rec.State = cloud.StateRunning
		case cloud.StateStopping:
			rec.State = cloud.StateStopped
		default:
			return nil
		}
		rec.UpdatedAt = time.Now().UTC()
		return put(tx, bucketInstances, id, rec)
	})
	return state, err
}

func (s *bboltStore) StartInstance(_ context.Context, id string) error {
	return s.transition(id, cloud.StatePending)
}

func (s *bboltStore) StopInstance(_ context.Context, id string) error {
	return s.transition(id, cloud.StateStopping)
}

func (s *bboltStore) transition(id string, to cloud.InstanceState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var rec InstanceRecord
		found, err := get(tx, bucketInstances, id, &rec)
		if err != nil {
			return err
		}
		if !found {
			return &cloud.ErrNotFound{Resource: "instance", ID: id}
		}
		return put(tx, bucketInstances, id, InstanceRecord{State: to, UpdatedAt: time.Now().UTC()})
	})
}

func (s *bboltStore) PutInstance(id string, state cloud.InstanceState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketInstances, id, InstanceRecord{State: state, UpdatedAt: time.Now().UTC()})
	})
}

// AgentOnline reports a simulated agent as online whenever its instance runs.
func (s *bboltStore) AgentOnline(_ context.Context, id string) (bool, error) {
	var online bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var rec InstanceRecord
		found, err := get(tx, bucketInstances, id, &rec)
		online = found && rec.State == cloud.StateRunning
		return err
	})
	return online, err
}

// ---- Parameters ------------------------------------------------------------

func (s *bboltStore) Parameter(_ context.Context, name string) (string, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucketParameters)).Get([]byte(name)); v != nil {
			value = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", &cloud.ErrNotFound{Resource: "parameter", ID: name}
	}
	return string(value), nil
}

func (s *bboltStore) PutParameter(name, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketParameters)).Put([]byte(name), []byte(value))
	})
}

// ---- Schedules -------------------------------------------------------------

func (s *bboltStore) UpsertSchedule(_ context.Context, sc cloud.Schedule) error {
	rec := ScheduleRecord{ID: uuid.NewString(), Schedule: sc, CreatedAt: time.Now().UTC()}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketSchedules, sc.Name, rec)
	})
}

// DueSchedules returns schedules whose fire time is at or before now, oldest
// first.
func (s *bboltStore) DueSchedules(now time.Time) ([]ScheduleRecord, error) {
	all, err := s.ListSchedules()
	if err != nil {
		return nil, err
	}
	var due []ScheduleRecord
	for _, rec := range all {
		if !rec.Schedule.FireAt.After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Schedule.FireAt.Before(due[j].Schedule.FireAt) })
	return due, nil
}

// DeleteSchedule compares and deletes in one transaction, so a schedule
// replaced after it was read as due survives.
func (s *bboltStore) DeleteSchedule(name, id string) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		var rec ScheduleRecord
		found, err := get(tx, bucketSchedules, name, &rec)
		if err != nil || !found || rec.ID != id {
			return err
		}
		deleted = true
		return tx.Bucket([]byte(bucketSchedules)).Delete([]byte(name))
	})
	return deleted && err == nil, err
}

func (s *bboltStore) ListSchedules() (map[string]ScheduleRecord, error) {
	result := make(map[string]ScheduleRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSchedules)).ForEach(func(k, v []byte) error {
			var rec ScheduleRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal ScheduleRecord for %s: %w", k, err)
			}
			result[string(k)] = rec
			return nil
		})
	})
	return result, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}

func samePorts(a, b cloud.Permission) bool {
	return a.Protocol == b.Protocol && a.FromPort == b.FromPort && a.ToPort == b.ToPort
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
