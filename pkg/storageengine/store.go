package storageengine

import (
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/types"
	"github.com/google/btree"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketVolumes   = []byte("volumes")
	bucketTemplates = []byte("templates")
	bucketSnapshots = []byte("snapshots")
	bucketJobs      = []byte("import_jobs")
)

// volumesByTemplate is a btree-ordered secondary index from
// (template_id, volume_id) so "list volumes cloned from template T"
// and template-GC's reference count are range scans instead of a full
// bucket ForEach, unlike pkg/storage's entity stores which have no
// such fan-out query.
type templateVolumeEntry struct {
	templateID, volumeID string
}

func (e templateVolumeEntry) Less(than btree.Item) bool {
	o := than.(templateVolumeEntry)
	if e.templateID != o.templateID {
		return e.templateID < o.templateID
	}
	return e.volumeID < o.volumeID
}

// Store is the node-local bbolt database for volumes, templates,
// snapshots, and import jobs, mirroring pkg/storage.BoltStore's
// bucket-per-entity layout but scoped to one node instead of the
// cluster.
type Store struct {
	mu sync.Mutex
	db *bolt.DB

	byTemplate *btree.BTree
}

func NewStore(dataDir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "mvirt-storageengine.db"), 0600, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, err, "open storage engine db")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketVolumes, bucketTemplates, bucketSnapshots, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apierr.Wrap(apierr.Internal, err, "create storage engine buckets")
	}

	s := &Store{db: db, byTemplate: btree.New(16)}
	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			var vol types.Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			if vol.OriginTemplateID != "" {
				s.byTemplate.ReplaceOrInsert(templateVolumeEntry{vol.OriginTemplateID, vol.ID})
			}
			return nil
		})
	})
}

func (s *Store) Close() error { return s.db.Close() }

func putJSON(tx *bolt.Tx, bucket []byte, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "marshal entity")
	}
	return tx.Bucket(bucket).Put([]byte(id), data)
}

func getJSON(tx *bolt.Tx, bucket []byte, id string, v any, kind string) error {
	data := tx.Bucket(bucket).Get([]byte(id))
	if data == nil {
		return apierr.NotFoundf("%s %q not found", kind, id)
	}
	return json.Unmarshal(data, v)
}

// Volumes

func (s *Store) PutVolume(v *types.Volume) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error { return putJSON(tx, bucketVolumes, v.ID, v) })
	if err == nil && v.OriginTemplateID != "" {
		s.byTemplate.ReplaceOrInsert(templateVolumeEntry{v.OriginTemplateID, v.ID})
	}
	return err
}

func (s *Store) GetVolume(id string) (*types.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v types.Volume
	err := s.db.View(func(tx *bolt.Tx) error { return getJSON(tx, bucketVolumes, id, &v, "volume") })
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) ListVolumes() ([]*types.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var vols []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			var vol types.Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			vols = append(vols, &vol)
			return nil
		})
	})
	return vols, err
}

// VolumesByTemplate returns every volume's ID cloned from templateID,
// used by the template reconciler's GC check before deleting a base
// zvol. Range-scans the btree index instead of the bucket.
func (s *Store) VolumesByTemplate(templateID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	pivot := templateVolumeEntry{templateID: templateID}
	s.byTemplate.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		e := item.(templateVolumeEntry)
		if e.templateID != templateID {
			return false
		}
		ids = append(ids, e.volumeID)
		return true
	})
	return ids
}

func (s *Store) DeleteVolume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVolumes).Get([]byte(id))
		if data != nil {
			var vol types.Volume
			if err := json.Unmarshal(data, &vol); err == nil && vol.OriginTemplateID != "" {
				s.byTemplate.Delete(templateVolumeEntry{vol.OriginTemplateID, vol.ID})
			}
		}
		return tx.Bucket(bucketVolumes).Delete([]byte(id))
	})
}

// Templates

func (s *Store) PutTemplate(t *types.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error { return putJSON(tx, bucketTemplates, t.ID, t) })
}

func (s *Store) GetTemplate(id string) (*types.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t types.Template
	err := s.db.View(func(tx *bolt.Tx) error { return getJSON(tx, bucketTemplates, id, &t, "template") })
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTemplates() ([]*types.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tpls []*types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var t types.Template
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tpls = append(tpls, &t)
			return nil
		})
	})
	return tpls, err
}

func (s *Store) DeleteTemplate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketTemplates).Delete([]byte(id)) })
}

// Snapshots

func (s *Store) PutSnapshot(sn *types.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error { return putJSON(tx, bucketSnapshots, sn.ID, sn) })
}

func (s *Store) ListSnapshots(volumeID string) ([]*types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snaps []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var sn types.Snapshot
			if err := json.Unmarshal(v, &sn); err != nil {
				return err
			}
			if sn.VolumeID == volumeID {
				snaps = append(snaps, &sn)
			}
			return nil
		})
	})
	return snaps, err
}

func (s *Store) DeleteSnapshot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketSnapshots).Delete([]byte(id)) })
}

// Import jobs

func (s *Store) PutImportJob(j *types.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error { return putJSON(tx, bucketJobs, j.ID, j) })
}

func (s *Store) GetImportJob(id string) (*types.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var j types.ImportJob
	err := s.db.View(func(tx *bolt.Tx) error { return getJSON(tx, bucketJobs, id, &j, "import job") })
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) ListImportJobs() ([]*types.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*types.ImportJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var j types.ImportJob
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			jobs = append(jobs, &j)
			return nil
		})
	})
	return jobs, err
}
