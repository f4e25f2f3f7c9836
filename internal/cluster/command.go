package cluster

import (
	"bytes"
	"fmt"

	"github.com/arohanajit/Distributed-VectorDB/internal/storage"
	"github.com/vmihailenco/msgpack/v5"
)

// Op identifies a replicated write
type Op uint8

const (
	OpInsert Op = iota + 1
	OpInsertBatch
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpInsertBatch:
		return "insertBatch"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Command is the payload of one raft log entry
type Command struct {
	Op      Op                     `msgpack:"op"`
	Records []storage.VectorRecord `msgpack:"records"`
}

// EncodeInsert builds the log entry for a single insert
func EncodeInsert(rec storage.VectorRecord) ([]byte, error) {
	return encodeCommand(Command{Op: OpInsert, Records: []storage.VectorRecord{rec}})
}

// EncodeInsertBatch builds one log entry carrying every record of a batch
func EncodeInsertBatch(recs []storage.VectorRecord) ([]byte, error) {
	return encodeCommand(Command{Op: OpInsertBatch, Records: recs})
}

func encodeCommand(cmd Command) ([]byte, error) {
	data, err := msgpack.Marshal(&cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s command: %w", cmd.Op, err)
	}
	return data, nil
}

func decodeCommand(data []byte) (Command, error) {
	var cmd Command
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// Scalar fields come back as int64/uint64/float64 rather than the
	// narrowest integer type
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&cmd); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	return cmd, nil
}
