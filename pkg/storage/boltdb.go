package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/octolab/octolab/pkg/types"
)

var (
	// Bucket names
	bucketLabs           = []byte("labs")
	bucketPorts          = []byte("ports")
	bucketRecipes        = []byte("recipes")
	bucketEvidenceEvents = []byte("evidence_events")
	bucketSchema         = []byte("schema")
)

// SchemaVersion is the bolt layout version written by NewBoltStore and
// verified by octolab-migrate.
const SchemaVersion = "2"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "octolab.db")

	// The open timeout turns a held file lock into an error instead of
	// blocking forever, so a second process (CLI against a running
	// server) fails fast.
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketLabs,
			bucketPorts,
			bucketRecipes,
			bucketEvidenceEvents,
			bucketSchema,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		s := tx.Bucket(bucketSchema)
		if s.Get([]byte("version")) == nil {
			if err := s.Put([]byte("version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("failed to write schema version: %w", err)
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

// Lab operations

func (s *BoltStore) CreateLab(lab *types.Lab) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabs)
		if b.Get([]byte(lab.ID)) != nil {
			return fmt.Errorf("%w: lab %s", ErrAlreadyExists, lab.ID)
		}
		return putLabTx(tx, lab)
	})
}

func (s *BoltStore) GetLab(id string) (*types.Lab, error) {
	var lab *types.Lab
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		lab, err = getLabTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lab, nil
}

func (s *BoltStore) GetLabForOwner(id, ownerID string) (*types.Lab, error) {
	lab, err := s.GetLab(id)
	if err != nil {
		return nil, err
	}
	// A foreign lab looks exactly like a missing one.
	if lab.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: lab %s", ErrNotFound, id)
	}
	return lab, nil
}

func (s *BoltStore) ListLabs() ([]*types.Lab, error) {
	var labs []*types.Lab
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabs)
		return b.ForEach(func(k, v []byte) error {
			var lab types.Lab
			if err := json.Unmarshal(v, &lab); err != nil {
				return err
			}
			labs = append(labs, &lab)
			return nil
		})
	})
	return labs, err
}

func (s *BoltStore) ListLabsByOwner(ownerID string) ([]*types.Lab, error) {
	labs, err := s.ListLabs()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Lab
	for _, lab := range labs {
		if lab.OwnerID == ownerID {
			filtered = append(filtered, lab)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListLabsByStatus(statuses ...types.LabStatus) ([]*types.Lab, error) {
	labs, err := s.ListLabs()
	if err != nil {
		return nil, err
	}

	want := make(map[types.LabStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var filtered []*types.Lab
	for _, lab := range labs {
		if want[lab.Status] {
			filtered = append(filtered, lab)
		}
	}
	return filtered, nil
}

func (s *BoltStore) CountActiveLabsForOwner(ownerID string) (int, error) {
	labs, err := s.ListLabsByOwner(ownerID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, lab := range labs {
		if !lab.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (s *BoltStore) DeleteLab(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabs)
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) TransitionLab(id string, from []types.LabStatus, to types.LabStatus, mutate func(*types.Lab) error) (*types.Lab, error) {
	var result *types.Lab
	err := s.db.Update(func(tx *bolt.Tx) error {
		lab, err := getLabTx(tx, id)
		if err != nil {
			return err
		}

		if lab.Status.Terminal() {
			// Idempotent same-status writes succeed without touching the row.
			if lab.Status == to {
				result = lab
				return nil
			}
			return fmt.Errorf("%w: lab %s is %s", ErrLabTerminal, id, lab.Status)
		}

		allowed := false
		for _, f := range from {
			if lab.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: lab %s is %s, expected one of %v", ErrStatusConflict, id, lab.Status, from)
		}

		lab.Status = to
		if to.Terminal() && lab.FinishedAt.IsZero() {
			lab.FinishedAt = time.Now().UTC()
		}
		if mutate != nil {
			if err := mutate(lab); err != nil {
				return err
			}
		}

		if err := putLabTx(tx, lab); err != nil {
			return err
		}
		result = lab
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BoltStore) UpdateLabEvidence(id string, mutate func(*types.Evidence) error) (*types.Lab, error) {
	var result *types.Lab
	err := s.db.Update(func(tx *bolt.Tx) error {
		lab, err := getLabTx(tx, id)
		if err != nil {
			return err
		}
		if err := mutate(&lab.Evidence); err != nil {
			return err
		}
		if err := putLabTx(tx, lab); err != nil {
			return err
		}
		result = lab
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BoltStore) UpdateLabMeta(id string, meta map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		lab, err := getLabTx(tx, id)
		if err != nil {
			return err
		}
		if lab.RuntimeMeta == nil {
			lab.RuntimeMeta = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			lab.RuntimeMeta[k] = v
		}
		return putLabTx(tx, lab)
	})
}

// Port operations

func (s *BoltStore) BindPort(port int, labID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		key := []byte(strconv.Itoa(port))

		if owner := b.Get(key); owner != nil {
			if string(owner) == labID {
				return nil // already ours
			}
			return fmt.Errorf("%w: port %d", ErrPortTaken, port)
		}

		lab, err := getLabTx(tx, labID)
		if err != nil {
			return err
		}

		if err := b.Put(key, []byte(labID)); err != nil {
			return err
		}
		lab.Port = port
		return putLabTx(tx, lab)
	})
}

func (s *BoltStore) ReleasePort(labID string) (bool, error) {
	released := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)

		// Drop every binding pointing at this lab. The lab row may
		// already be gone; release still succeeds.
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == labID {
				if err := b.Delete(k); err != nil {
					return err
				}
				released = true
			}
		}

		lab, err := getLabTx(tx, labID)
		if err != nil {
			return nil // nothing else to clear
		}
		if lab.Port == 0 {
			return nil
		}
		lab.Port = 0
		return putLabTx(tx, lab)
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

func (s *BoltStore) PortBindings() (map[int]string, error) {
	bindings := make(map[int]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		return b.ForEach(func(k, v []byte) error {
			port, err := strconv.Atoi(string(k))
			if err != nil {
				return fmt.Errorf("corrupt port key %q: %w", k, err)
			}
			bindings[port] = string(v)
			return nil
		})
	})
	return bindings, err
}

// Claim operations

func (s *BoltStore) ClaimEnding(workerID string, batch int, ttl time.Duration) ([]*types.Lab, error) {
	var claimed []*types.Lab
	now := time.Now().UTC()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabs)

		var candidates []*types.Lab
		err := b.ForEach(func(k, v []byte) error {
			var lab types.Lab
			if err := json.Unmarshal(v, &lab); err != nil {
				return err
			}
			if lab.Status != types.LabStatusEnding {
				return nil
			}
			// Skip rows another worker holds a live claim on.
			if lab.ClaimOwner != "" && lab.ClaimExpires.After(now) {
				return nil
			}
			candidates = append(candidates, &lab)
			return nil
		})
		if err != nil {
			return err
		}

		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
		})
		if len(candidates) > batch {
			candidates = candidates[:batch]
		}

		for _, lab := range candidates {
			lab.ClaimOwner = workerID
			lab.ClaimExpires = now.Add(ttl)
			if err := putLabTx(tx, lab); err != nil {
				return err
			}
			claimed = append(claimed, lab)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BoltStore) ClaimLab(id, workerID string, ttl time.Duration, expect ...types.LabStatus) (*types.Lab, error) {
	var claimed *types.Lab
	now := time.Now().UTC()

	err := s.db.Update(func(tx *bolt.Tx) error {
		lab, err := getLabTx(tx, id)
		if err != nil {
			return err
		}

		if len(expect) > 0 {
			ok := false
			for _, st := range expect {
				if lab.Status == st {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("%w: lab %s is %s, expected one of %v", ErrStatusConflict, id, lab.Status, expect)
			}
		}

		if lab.ClaimOwner != "" && lab.ClaimOwner != workerID && lab.ClaimExpires.After(now) {
			return fmt.Errorf("%w: lab %s claimed by %s", ErrClaimHeld, id, lab.ClaimOwner)
		}

		lab.ClaimOwner = workerID
		lab.ClaimExpires = now.Add(ttl)
		if err := putLabTx(tx, lab); err != nil {
			return err
		}
		claimed = lab
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BoltStore) ReleaseClaim(labID, workerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		lab, err := getLabTx(tx, labID)
		if err != nil {
			return err
		}
		if lab.ClaimOwner != workerID {
			return nil // not ours to release
		}
		lab.ClaimOwner = ""
		lab.ClaimExpires = time.Time{}
		return putLabTx(tx, lab)
	})
}

// Recipe operations

func (s *BoltStore) PutRecipe(recipe *types.Recipe) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecipes)
		recipe.UpdatedAt = time.Now().UTC()
		if recipe.CreatedAt.IsZero() {
			recipe.CreatedAt = recipe.UpdatedAt
		}
		data, err := json.Marshal(recipe)
		if err != nil {
			return err
		}
		return b.Put([]byte(recipe.ID), data)
	})
}

func (s *BoltStore) GetRecipe(id string) (*types.Recipe, error) {
	var recipe types.Recipe
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecipes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: recipe %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &recipe)
	})
	if err != nil {
		return nil, err
	}
	return &recipe, nil
}

func (s *BoltStore) ListRecipes() ([]*types.Recipe, error) {
	var recipes []*types.Recipe
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecipes)
		return b.ForEach(func(k, v []byte) error {
			var recipe types.Recipe
			if err := json.Unmarshal(v, &recipe); err != nil {
				return err
			}
			recipes = append(recipes, &recipe)
			return nil
		})
	})
	return recipes, err
}

func (s *BoltStore) DeleteRecipe(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecipes)
		return b.Delete([]byte(id))
	})
}

// Evidence event operations

func (s *BoltStore) PutEvidenceEvents(events []*types.EvidenceEvent) (int, error) {
	stored := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvidenceEvents)
		for _, ev := range events {
			key := eventKey(ev.LabID, ev.Hash)
			if b.Get(key) != nil {
				continue // replay, already recorded
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			stored++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

func (s *BoltStore) ListEvidenceEvents(labID string) ([]*types.EvidenceEvent, error) {
	var events []*types.EvidenceEvent
	prefix := []byte(labID + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvidenceEvents).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ev types.EvidenceEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, &ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func eventKey(labID, hash string) []byte {
	return []byte(labID + "/" + hash)
}

// Transaction helpers

func getLabTx(tx *bolt.Tx, id string) (*types.Lab, error) {
	b := tx.Bucket(bucketLabs)
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: lab %s", ErrNotFound, id)
	}
	var lab types.Lab
	if err := json.Unmarshal(data, &lab); err != nil {
		return nil, err
	}
	return &lab, nil
}

func putLabTx(tx *bolt.Tx, lab *types.Lab) error {
	lab.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(lab)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketLabs).Put([]byte(lab.ID), data)
}
