package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/interfaces"
	"github.com/ternarybob/pulse/internal/models"
)

// LedgerStorage implements the LedgerStorage interface on the raw Badger
// transaction layer. Entries are append-only under per-job sequence keys:
//
//	ledger:<jobID>:<seq>   JSON-encoded CreditEntry
//	ledgerseq:<jobID>      big-endian uint64 next sequence
//
// The sequence bump and the entry write share one transaction, so a
// crash never leaves a gap or a duplicate.
type LedgerStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewLedgerStorage creates a new LedgerStorage instance
func NewLedgerStorage(db *BadgerDB, logger arbor.ILogger) interfaces.LedgerStorage {
	return &LedgerStorage{
		db:     db,
		logger: logger,
	}
}

func ledgerPrefix(jobID string) []byte {
	return []byte("ledger:" + jobID + ":")
}

func ledgerSeqKey(jobID string) []byte {
	return []byte("ledgerseq:" + jobID)
}

func ledgerEntryKey(jobID string, seq uint64) []byte {
	key := ledgerPrefix(jobID)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// AppendEntry durably appends one credit entry for a job
func (s *LedgerStorage) AppendEntry(ctx context.Context, entry *models.CreditEntry) error {
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	if entry.JobID == "" {
		return fmt.Errorf("entry job ID is required")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal credit entry: %w", err)
	}

	err = s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		var seq uint64
		item, err := txn.Get(ledgerSeqKey(entry.JobID))
		if err == nil {
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					seq = binary.BigEndian.Uint64(val)
				}
				return nil
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(ledgerEntryKey(entry.JobID, seq), data); err != nil {
			return err
		}

		var next [8]byte
		binary.BigEndian.PutUint64(next[:], seq+1)
		return txn.Set(ledgerSeqKey(entry.JobID), next[:])
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", entry.JobID).Msg("BadgerDB: Failed to append credit entry")
		return fmt.Errorf("failed to append credit entry: %w", err)
	}

	s.logger.Trace().
		Str("job_id", entry.JobID).
		Float64("amount", entry.Amount).
		Msg("BadgerDB: Credit entry appended")

	return nil
}

// ListByJob returns a job's credit entries in append order
func (s *LedgerStorage) ListByJob(ctx context.Context, jobID string) ([]*models.CreditEntry, error) {
	var entries []*models.CreditEntry

	err := s.db.Store().Badger().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = ledgerPrefix(jobID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var entry models.CreditEntry
				if err := json.Unmarshal(val, &entry); err != nil {
					return fmt.Errorf("failed to unmarshal credit entry: %w", err)
				}
				entries = append(entries, &entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list credit entries: %w", err)
	}

	return entries, nil
}

// SumByJob returns the exact sum of a job's entries
func (s *LedgerStorage) SumByJob(ctx context.Context, jobID string) (float64, error) {
	entries, err := s.ListByJob(ctx, jobID)
	if err != nil {
		return 0, err
	}

	var sum float64
	for _, entry := range entries {
		sum += entry.Amount
	}
	return sum, nil
}
