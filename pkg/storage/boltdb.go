package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/orbital/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDesiredState  = []byte("desired_state")
	bucketConfigs       = []byte("configs")
	bucketRendered      = []byte("rendered")
	bucketDeleteGraph   = []byte("delete_graph")
	bucketWorkloadState = []byte("workload_states")
	bucketAgents        = []byte("agents")
)

// key under which the whole-map blobs live within their bucket; these buckets
// each hold exactly one JSON document rather than one key per entity, because
// the server always reads/writes the map as a unit (spec §4.5 commits the
// entire new_state and RenderedWorkloads together).
var blobKey = []byte("blob")

// BoltStore implements Store using an embedded BoltDB file, matching the
// teacher's bucket-per-entity, JSON-encoded-value convention.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the server's database file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "orbital.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDesiredState, bucketConfigs, bucketRendered, bucketDeleteGraph, bucketWorkloadState, bucketAgents} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
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

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(tx *bolt.Tx, bucket []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(blobKey, data)
}

func getJSON(tx *bolt.Tx, bucket []byte, v interface{}) error {
	data := tx.Bucket(bucket).Get(blobKey)
	if data == nil {
		return nil // leave v at its zero value; caller pre-initializes
	}
	return json.Unmarshal(data, v)
}

func (s *BoltStore) SaveDesiredState(desired map[string]types.WorkloadSpec, configs map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx, bucketDesiredState, desired); err != nil {
			return err
		}
		return putJSON(tx, bucketConfigs, configs)
	})
}

func (s *BoltStore) LoadDesiredState() (map[string]types.WorkloadSpec, map[string]string, error) {
	desired := map[string]types.WorkloadSpec{}
	configs := map[string]string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := getJSON(tx, bucketDesiredState, &desired); err != nil {
			return err
		}
		return getJSON(tx, bucketConfigs, &configs)
	})
	return desired, configs, err
}

func (s *BoltStore) SaveRendered(rendered map[string]types.WorkloadSpec) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketRendered, rendered)
	})
}

func (s *BoltStore) LoadRendered() (map[string]types.WorkloadSpec, error) {
	rendered := map[string]types.WorkloadSpec{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketRendered, &rendered)
	})
	return rendered, err
}

func (s *BoltStore) SaveDeleteGraph(graph map[string][]ReverseDependency) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDeleteGraph, graph)
	})
}

func (s *BoltStore) LoadDeleteGraph() (map[string][]ReverseDependency, error) {
	graph := map[string][]ReverseDependency{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketDeleteGraph, &graph)
	})
	return graph, err
}

func (s *BoltStore) SaveWorkloadStates(states map[string]types.ExecutionState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketWorkloadState, states)
	})
}

func (s *BoltStore) LoadWorkloadStates() (map[string]types.ExecutionState, error) {
	states := map[string]types.ExecutionState{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketWorkloadState, &states)
	})
	return states, err
}

func (s *BoltStore) SaveAgents(agents map[string]types.AgentAttributes) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAgents, agents)
	})
}

func (s *BoltStore) LoadAgents() (map[string]types.AgentAttributes, error) {
	agents := map[string]types.AgentAttributes{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketAgents, &agents)
	})
	return agents, err
}
