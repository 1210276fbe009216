// Package store implements the durable store on top of BoltDB: one
// bucket per entity, secondary-index buckets standing in for the
// unique constraints and lookups a relational schema would give for
// free, and every mutation wrapped in a single bbolt transaction.
package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAgents          = []byte("agents")
	bucketAgentsByAPIKey  = []byte("agents_by_api_key_hash") // index: hash -> agent_id
	bucketAuthEvents      = []byte("auth_events")
	bucketAuthEventsByUUID = []byte("auth_events_by_uuid") // index: event_uuid -> key (dedup)
	bucketAuthEventML     = []byte("auth_event_ml")
	bucketIPGeo           = []byte("ip_geo")
	bucketBlockingRules   = []byte("blocking_rules")
	bucketIPBlocks        = []byte("ip_blocks")
	bucketActiveBlockIdx  = []byte("ip_blocks_active_idx") // index: "ip|agent" -> block_id, only while active
	bucketBlockingActions = []byte("blocking_actions")
	bucketUFWState        = []byte("agent_ufw_state")
	bucketUFWCommands     = []byte("agent_ufw_commands")
	bucketUFWCommandsByUUID = []byte("agent_ufw_commands_by_uuid")
	bucketHeartbeats      = []byte("agent_heartbeats")
	bucketLogBatches      = []byte("agent_log_batches")
	bucketLogBatchesByUUID = []byte("agent_log_batches_by_uuid")
	bucketFail2banEvents  = []byte("fail2ban_events")
	bucketSettings        = []byte("system_settings")

	allBuckets = [][]byte{
		bucketAgents, bucketAgentsByAPIKey,
		bucketAuthEvents, bucketAuthEventsByUUID, bucketAuthEventML,
		bucketIPGeo, bucketBlockingRules,
		bucketIPBlocks, bucketActiveBlockIdx, bucketBlockingActions,
		bucketUFWState, bucketUFWCommands, bucketUFWCommandsByUUID,
		bucketHeartbeats, bucketLogBatches, bucketLogBatchesByUUID,
		bucketFail2banEvents, bucketSettings,
	}
)

// Store wraps a BoltDB database for SSH Guardian's durable state.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}
