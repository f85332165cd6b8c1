package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/octolab", "OctoLab data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up the database before migration (default: <data-dir>/octolab.db.backup)")
)

var (
	bucketLabs   = []byte("labs")
	bucketPorts  = []byte("ports")
	bucketSchema = []byte("schema")

	allBuckets = [][]byte{
		bucketLabs,
		bucketPorts,
		[]byte("recipes"),
		[]byte("evidence_events"),
		bucketSchema,
	}
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("OctoLab Database Migration Tool - schema v1 → v2")
	log.Println("================================================")

	dbPath := filepath.Join(*dataDir, "octolab.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database (is the server running?): %v", err)
	}
	defer db.Close()

	if err := migrateToV2(db, *dryRun); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("")
		log.Println("Dry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	}
}

// plan is what one inspection pass finds to do. The v1 layout tracked
// ports only on the lab rows and had no evidence state, so v2 rebuilds
// the ports index from the rows and backfills the state field.
type plan struct {
	version      string
	labs         int
	bindings     map[int]string
	conflicts    int
	stalePortRow int
	backfills    []string // lab IDs needing an evidence state
}

func migrateToV2(db *bolt.DB, dryRun bool) error {
	p, err := inspect(db)
	if err != nil {
		return err
	}

	if p.version == storage.SchemaVersion && len(p.backfills) == 0 && p.stalePortRow == 0 {
		log.Printf("✓ Database already at schema v%s - nothing to do", storage.SchemaVersion)
		return nil
	}

	if p.version == "" {
		log.Println("Found pre-versioned database (schema v1)")
	} else {
		log.Printf("Found schema v%s", p.version)
	}
	log.Printf("Labs: %d", p.labs)
	log.Printf("Port bindings to rebuild: %d (stale index rows: %d)", len(p.bindings), p.stalePortRow)
	log.Printf("Evidence states to backfill: %d", len(p.backfills))
	if p.conflicts > 0 {
		log.Printf("⚠ %d port conflicts found - first binding kept, fix the losers by hand", p.conflicts)
	}

	if dryRun {
		log.Println("")
		log.Println("[DRY RUN] Would perform the following operations:")
		log.Println("1. Create any missing buckets")
		log.Printf("2. Rebuild the ports bucket with %d bindings", len(p.bindings))
		log.Printf("3. Backfill evidence state on %d lab rows", len(p.backfills))
		log.Printf("4. Stamp schema version %s", storage.SchemaVersion)
		return nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		// Rebuild the ports index from scratch; the lab rows are the
		// source of truth.
		if err := tx.DeleteBucket(bucketPorts); err != nil {
			return fmt.Errorf("failed to drop ports bucket: %w", err)
		}
		ports, err := tx.CreateBucket(bucketPorts)
		if err != nil {
			return fmt.Errorf("failed to recreate ports bucket: %w", err)
		}
		for port, labID := range p.bindings {
			if err := ports.Put([]byte(strconv.Itoa(port)), []byte(labID)); err != nil {
				return fmt.Errorf("failed to bind port %d: %w", port, err)
			}
		}
		log.Printf("✓ Rebuilt ports bucket with %d bindings", len(p.bindings))

		labs := tx.Bucket(bucketLabs)
		backfilled := 0
		for _, id := range p.backfills {
			raw := labs.Get([]byte(id))
			if raw == nil {
				continue
			}
			var lab types.Lab
			if err := json.Unmarshal(raw, &lab); err != nil {
				continue
			}
			// Terminal rows will never see a finalizer again; claiming
			// evidence is still pending would be a lie.
			if lab.Status.Terminal() {
				lab.Evidence.State = types.EvidenceUnavailable
			} else {
				lab.Evidence.State = types.EvidencePending
			}
			data, err := json.Marshal(&lab)
			if err != nil {
				return fmt.Errorf("failed to marshal lab %s: %w", id, err)
			}
			if err := labs.Put([]byte(id), data); err != nil {
				return fmt.Errorf("failed to update lab %s: %w", id, err)
			}
			backfilled++
		}
		log.Printf("✓ Backfilled evidence state on %d/%d labs", backfilled, len(p.backfills))

		if err := tx.Bucket(bucketSchema).Put([]byte("version"), []byte(storage.SchemaVersion)); err != nil {
			return fmt.Errorf("failed to write schema version: %w", err)
		}
		log.Printf("✓ Schema version set to %s", storage.SchemaVersion)
		return nil
	})
	if err != nil {
		return err
	}

	log.Println("")
	log.Println("✓ Migration completed successfully!")
	log.Println("The backup file can be removed once the server has been verified.")
	return nil
}

func inspect(db *bolt.DB) (*plan, error) {
	p := &plan{bindings: make(map[int]string)}

	err := db.View(func(tx *bolt.Tx) error {
		if schema := tx.Bucket(bucketSchema); schema != nil {
			p.version = string(schema.Get([]byte("version")))
		}

		labs := tx.Bucket(bucketLabs)
		if labs == nil {
			log.Println("✓ No labs bucket found - empty database")
			return nil
		}

		err := labs.ForEach(func(k, v []byte) error {
			var lab types.Lab
			if err := json.Unmarshal(v, &lab); err != nil {
				log.Printf("⚠ Warning: skipping invalid JSON for lab %s: %v", k, err)
				return nil
			}
			p.labs++

			// Terminal labs hold no port; only live rows get an index
			// entry.
			if lab.Port != 0 && !lab.Status.Terminal() {
				if holder, taken := p.bindings[lab.Port]; taken {
					log.Printf("⚠ Port %d claimed by both %s and %s", lab.Port, holder, lab.ID)
					p.conflicts++
				} else {
					p.bindings[lab.Port] = lab.ID
				}
			}

			if lab.Evidence.State == "" {
				p.backfills = append(p.backfills, lab.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Count index rows the rebuild would drop or rewrite.
		if ports := tx.Bucket(bucketPorts); ports != nil {
			return ports.ForEach(func(k, v []byte) error {
				port, err := strconv.Atoi(string(k))
				if err != nil {
					p.stalePortRow++
					return nil
				}
				if labID, ok := p.bindings[port]; !ok || labID != string(v) {
					p.stalePortRow++
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
