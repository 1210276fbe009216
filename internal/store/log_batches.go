package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// AgentLogBatch records receipt of one batch of tailed auth-log lines.
// Keyed by batch_uuid so a retried upload (agent never received the
// 200, resends) is a no-op rather than double-ingesting the contained
// lines. Completed is false from the moment the row is reserved (before
// any line in the batch is processed) until CompleteLogBatch sets the
// real counts, so a second copy of the same batch_uuid delivered while
// the first is still being processed is recognized as in-flight rather
// than slipping past the absence check and being processed twice.
type AgentLogBatch struct {
	BatchUUID      string    `json:"batch_uuid"`
	AgentID        string    `json:"agent_id"`
	LineCount      int       `json:"line_count"`
	ParsedCount    int       `json:"parsed_count"`
	DroppedCount   int       `json:"dropped_count"`
	SourceFilename string    `json:"source_filename,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
	Completed      bool      `json:"completed"`
}

func logBatchKey(b *AgentLogBatch) []byte {
	return []byte(b.AgentID + "|" + b.ReceivedAt.UTC().Format(time.RFC3339Nano) + "|" + b.BatchUUID)
}

// InsertLogBatchIfAbsent records a batch's receipt unless its batch_uuid
// has already been seen, implementing idempotent replay. Returns
// (false, nil) for a duplicate — not an error, since the agent is
// expected to retry on connection failure.
func (s *Store) InsertLogBatchIfAbsent(b *AgentLogBatch) (created bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketLogBatchesByUUID)
		if idx.Get([]byte(b.BatchUUID)) != nil {
			return nil
		}
		if b.ReceivedAt.IsZero() {
			b.ReceivedAt = time.Now().UTC()
		}
		key := logBatchKey(b)
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketLogBatches).Put(key, data); err != nil {
			return err
		}
		created = true
		return idx.Put([]byte(b.BatchUUID), key)
	})
	return created, err
}

// CompleteLogBatch fills in the real parsed/dropped counts on a
// reserved batch row and marks it completed. Returns an error if the
// batch is unknown (it must have been reserved via
// InsertLogBatchIfAbsent first).
func (s *Store) CompleteLogBatch(batchUUID string, parsedCount, droppedCount int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketLogBatchesByUUID)
		key := idx.Get([]byte(batchUUID))
		if key == nil {
			return fmt.Errorf("log batch %s not found", batchUUID)
		}
		b := tx.Bucket(bucketLogBatches)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("log batch %s not found", batchUUID)
		}
		row := &AgentLogBatch{}
		if err := json.Unmarshal(data, row); err != nil {
			return err
		}
		row.ParsedCount = parsedCount
		row.DroppedCount = droppedCount
		row.Completed = true
		encoded, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put(key, encoded)
	})
}

// GetLogBatch returns a previously recorded batch by uuid, or nil.
func (s *Store) GetLogBatch(batchUUID string) (*AgentLogBatch, error) {
	var b *AgentLogBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketLogBatchesByUUID).Get([]byte(batchUUID))
		if key == nil {
			return nil
		}
		data := tx.Bucket(bucketLogBatches).Get(key)
		if data == nil {
			return nil
		}
		b = &AgentLogBatch{}
		return json.Unmarshal(data, b)
	})
	return b, err
}

// PruneLogBatchesOlderThan deletes batch receipt rows (and their uuid
// index entries) older than cutoff, as part of a periodic retention
// sweep. The underlying AuthEvents are retained independently; this only
// prunes the idempotency-tracking rows, which are no longer needed once
// an agent could not plausibly still be retrying that batch.
func (s *Store) PruneLogBatchesOlderThan(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogBatches)
		idx := tx.Bucket(bucketLogBatchesByUUID)
		c := b.Cursor()
		var toDelete []*AgentLogBatch
		var toDeleteKeys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			row := &AgentLogBatch{}
			if err := json.Unmarshal(v, row); err != nil {
				return err
			}
			if row.ReceivedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				toDeleteKeys = append(toDeleteKeys, key)
				toDelete = append(toDelete, row)
			}
		}
		for i, k := range toDeleteKeys {
			if err := b.Delete(k); err != nil {
				return err
			}
			if err := idx.Delete([]byte(toDelete[i].BatchUUID)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
