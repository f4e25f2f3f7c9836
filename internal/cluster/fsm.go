package cluster

import (
	"fmt"
	"io"

	"github.com/arohanajit/Distributed-VectorDB/internal/storage"
	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// FSM applies committed vector writes to the local store in log order
type FSM struct {
	store  storage.Store
	logger *zap.Logger
}

// NewFSM creates the state machine driving store
func NewFSM(store storage.Store, logger *zap.Logger) *FSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSM{store: store, logger: logger}
}

// Apply returns nil or the error the store reported. The error travels back to
// the leader through ApplyFuture.Response; replicas apply the same entry and
// reach the same outcome.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if l.Type != raft.LogCommand {
		return nil
	}

	cmd, err := decodeCommand(l.Data)
	if err != nil {
		f.logger.Error("Skipping undecodable log entry",
			zap.Uint64("index", l.Index),
			zap.Error(err))
		return err
	}

	switch cmd.Op {
	case OpInsert:
		if len(cmd.Records) != 1 {
			return fmt.Errorf("insert carries %d records", len(cmd.Records))
		}
		err = f.store.Put(cmd.Records[0])
	case OpInsertBatch:
		err = f.store.PutBatch(cmd.Records)
	default:
		err = fmt.Errorf("unknown command %s", cmd.Op)
	}

	if err != nil {
		f.logger.Debug("Command rejected by store",
			zap.Uint64("index", l.Index),
			zap.Stringer("op", cmd.Op),
			zap.Error(err))
	}
	return err
}

// Snapshot captures every stored record
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{records: f.store.Records()}, nil
}

// Restore replaces the store content with a persisted snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var records []storage.VectorRecord
	dec := msgpack.NewDecoder(rc)
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&records); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if err := f.store.Replace(records); err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}

	f.logger.Info("Restored store from snapshot", zap.Int("records", len(records)))
	return nil
}

type fsmSnapshot struct {
	records []storage.VectorRecord
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := msgpack.NewEncoder(sink).Encode(s.records); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
