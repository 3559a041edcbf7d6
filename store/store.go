// Package store is the embedded persistence layer. All state that must
// survive a restart lives here: server config documents, shared and
// per-server mod rows, per-server settings, and jobs. Every call is one
// atomic transaction; no transaction crosses a component boundary.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/logging"
)

var (
	// Bucket names
	bucketServerConfigs  = []byte("server_configs")
	bucketSharedMods     = []byte("shared_mods")
	bucketServerMods     = []byte("server_mods")
	bucketServerSettings = []byte("server_settings")
	bucketJobs           = []byte("jobs")
)

// Store is a bbolt-backed store. Single writer, synchronous.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// sharedModRow adds insertion ordering to the public SharedMod shape.
type sharedModRow struct {
	asaman.SharedMod
	Seq uint64 `json:"seq"`
}

// serverModRow adds insertion ordering to the public ServerMod shape.
type serverModRow struct {
	asaman.ServerMod
	Seq uint64 `json:"seq"`
}

// Open opens (creating if needed) the database at dir/asaman.db and runs
// the startup compaction that removes rows with empty keys left behind by
// older releases.
func Open(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "asaman.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, asaman.WrapErr(asaman.KindIOFailed, err, "open database %s", dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServerConfigs,
			bucketSharedMods,
			bucketServerMods,
			bucketServerSettings,
			bucketJobs,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, asaman.WrapErr(asaman.KindIOFailed, err, "initialize database")
	}

	s := &Store{db: db, logger: logging.Get("store")}
	if err := s.compact(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// compact removes server_mods rows with an empty mod id and server_configs
// rows with an empty server name. Insert paths reject these now, but older
// databases may still carry them.
func (s *Store) compact() error {
	var modRows, configRows int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServerMods)
		var dead [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var row serverModRow
			if err := json.Unmarshal(v, &row); err != nil || row.ModID == "" || row.ServerName == "" {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		modRows = len(dead)

		b = tx.Bucket(bucketServerConfigs)
		dead = dead[:0]
		if err := b.ForEach(func(k, v []byte) error {
			var srv asaman.Server
			if err := json.Unmarshal(v, &srv); err != nil || srv.Name == "" {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		configRows = len(dead)
		return nil
	})
	if err != nil {
		return asaman.WrapErr(asaman.KindIOFailed, err, "startup compaction")
	}

	if modRows > 0 || configRows > 0 {
		s.logger.Warn("startup compaction removed invalid rows",
			"server_mods", modRows, "server_configs", configRows)
	}
	return nil
}

// --- Server config operations ---

// UpsertServerConfig replaces the whole config document for a server.
func (s *Store) UpsertServerConfig(srv *asaman.Server) error {
	if srv == nil || srv.Name == "" {
		return asaman.E(asaman.KindValidationFailed, "server config requires a name")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServerConfigs)
		data, err := json.Marshal(srv)
		if err != nil {
			return err
		}
		return b.Put([]byte(srv.Name), data)
	})
}

// GetServerConfig returns the config for a server, or NotFound.
func (s *Store) GetServerConfig(name string) (*asaman.Server, error) {
	var srv asaman.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServerConfigs)
		data := b.Get([]byte(name))
		if data == nil {
			return asaman.E(asaman.KindNotFound, "server %q not found", name)
		}
		return json.Unmarshal(data, &srv)
	})
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

// ListServerConfigs returns every persisted server config, sorted by name.
func (s *Store) ListServerConfigs() ([]*asaman.Server, error) {
	var servers []*asaman.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServerConfigs)
		return b.ForEach(func(k, v []byte) error {
			var srv asaman.Server
			if err := json.Unmarshal(v, &srv); err != nil {
				return err
			}
			servers = append(servers, &srv)
			return nil
		})
	})
	return servers, err
}

// DeleteServerConfig removes a server config. Deleting a missing row is
// not an error.
func (s *Store) DeleteServerConfig(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketServerConfigs).Delete([]byte(name)); err != nil {
			return err
		}
		// Per-server rows go with the config.
		if err := tx.Bucket(bucketServerSettings).Delete([]byte(name)); err != nil {
			return err
		}
		b := tx.Bucket(bucketServerMods)
		prefix := []byte(name + "/")
		c := b.Cursor()
		var dead [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			dead = append(dead, append([]byte(nil), k...))
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Shared mod operations ---

// UpsertSharedMod inserts or updates a globally shared mod row.
func (s *Store) UpsertSharedMod(modID asaman.ModID, modName string, enabled bool) error {
	if !modID.Valid() {
		return asaman.E(asaman.KindValidationFailed, "mod id must be a non-empty string of digits, got %q", modID)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSharedMods)
		row := sharedModRow{SharedMod: asaman.SharedMod{ModID: modID, ModName: modName, Enabled: enabled}}
		if existing := b.Get([]byte(modID)); existing != nil {
			var prev sharedModRow
			if err := json.Unmarshal(existing, &prev); err == nil {
				row.Seq = prev.Seq
			}
		}
		if row.Seq == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			row.Seq = seq
		}
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put([]byte(modID), data)
	})
}

// ListSharedMods returns all shared mods in insertion order.
func (s *Store) ListSharedMods() ([]*asaman.SharedMod, error) {
	var rows []sharedModRow
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSharedMods)
		return b.ForEach(func(k, v []byte) error {
			var row sharedModRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	mods := make([]*asaman.SharedMod, len(rows))
	for i := range rows {
		mods[i] = &rows[i].SharedMod
	}
	return mods, nil
}

// DeleteSharedMod removes a shared mod row.
func (s *Store) DeleteSharedMod(modID asaman.ModID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSharedMods).Delete([]byte(modID))
	})
}

// --- Per-server mod operations ---

func serverModKey(serverName string, modID asaman.ModID) []byte {
	return []byte(serverName + "/" + string(modID))
}

// UpsertServerMod inserts or updates a per-server mod row. Both keys are
// required; an empty mod id has historically corrupted mod resolution, so
// it is rejected before anything touches the table.
func (s *Store) UpsertServerMod(serverName string, modID asaman.ModID, modName string, enabled, excludeSharedMods bool) error {
	if serverName == "" {
		return asaman.E(asaman.KindValidationFailed, "server mod requires a server name")
	}
	if !modID.Valid() {
		return asaman.E(asaman.KindValidationFailed, "mod id must be a non-empty string of digits, got %q", modID)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServerMods)
		key := serverModKey(serverName, modID)
		row := serverModRow{ServerMod: asaman.ServerMod{
			ServerName:        serverName,
			ModID:             modID,
			ModName:           modName,
			Enabled:           enabled,
			ExcludeSharedMods: excludeSharedMods,
		}}
		if existing := b.Get(key); existing != nil {
			var prev serverModRow
			if err := json.Unmarshal(existing, &prev); err == nil {
				row.Seq = prev.Seq
			}
		}
		if row.Seq == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			row.Seq = seq
		}
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// ListServerMods returns the mod rows for one server in insertion order.
func (s *Store) ListServerMods(serverName string) ([]*asaman.ServerMod, error) {
	var rows []serverModRow
	prefix := serverName + "/"
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServerMods)
		c := b.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var row serverModRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	mods := make([]*asaman.ServerMod, len(rows))
	for i := range rows {
		mods[i] = &rows[i].ServerMod
	}
	return mods, nil
}

// DeleteServerMod removes one per-server mod row.
func (s *Store) DeleteServerMod(serverName string, modID asaman.ModID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServerMods).Delete(serverModKey(serverName, modID))
	})
}

// --- Per-server settings ---

// GetServerSettings returns per-server flags, or nil when none were saved.
func (s *Store) GetServerSettings(serverName string) (*asaman.ServerSettings, error) {
	var settings *asaman.ServerSettings
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServerSettings).Get([]byte(serverName))
		if data == nil {
			return nil
		}
		settings = &asaman.ServerSettings{}
		return json.Unmarshal(data, settings)
	})
	return settings, err
}

// UpsertServerSettings saves per-server flags.
func (s *Store) UpsertServerSettings(settings *asaman.ServerSettings) error {
	if settings == nil || settings.ServerName == "" {
		return asaman.E(asaman.KindValidationFailed, "server settings require a server name")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(settings)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketServerSettings).Put([]byte(settings.ServerName), data)
	})
}

// --- Job operations ---

// CreateJob persists a new job row.
func (s *Store) CreateJob(job *asaman.Job) error {
	if job == nil || job.ID == "" {
		return asaman.E(asaman.KindValidationFailed, "job requires an id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.ID)) != nil {
			return asaman.E(asaman.KindConflict, "job %s already exists", job.ID)
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

// JobUpdate is a partial update applied to a job row.
type JobUpdate struct {
	Status   *string
	Progress *int
	Message  *string
	Result   json.RawMessage
	Error    *asaman.JobError
}

// UpdateJob applies a partial update. Terminal jobs are immutable; an
// update against one returns PreconditionFailed.
func (s *Store) UpdateJob(id string, upd JobUpdate) (*asaman.Job, error) {
	var job asaman.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return asaman.E(asaman.KindNotFound, "job %s not found", id)
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if job.Terminal() {
			return asaman.E(asaman.KindPreconditionFailed, "job %s is %s and cannot change", id, job.Status)
		}
		if upd.Status != nil {
			job.Status = *upd.Status
		}
		if upd.Progress != nil {
			job.Progress = *upd.Progress
		}
		if upd.Message != nil {
			job.Message = *upd.Message
		}
		if upd.Result != nil {
			job.Result = upd.Result
		}
		if upd.Error != nil {
			job.Error = upd.Error
		}
		job.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob returns one job, or NotFound.
func (s *Store) GetJob(id string) (*asaman.Job, error) {
	var job asaman.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return asaman.E(asaman.KindNotFound, "job %s not found", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs() ([]*asaman.Job, error) {
	var jobs []*asaman.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job asaman.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

// PurgeJobs deletes terminal jobs whose last update is older than cutoff.
// Returns the number removed.
func (s *Store) PurgeJobs(cutoff time.Time) (int, error) {
	var purged int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var dead [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var job asaman.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Terminal() && job.UpdatedAt.Before(cutoff) {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		purged = len(dead)
		return nil
	})
	return purged, err
}
