package core

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// MessageKind tags a WorkerMessage the way the wire/disk envelope is framed:
// only the Batch variant is understood by the read path described in
// spec.md §3; every other kind is "not a batch".
type MessageKind uint8

const (
	MessageBatch MessageKind = iota
	MessageBatchRequest
	MessageBatchDigests
)

// Batch is an ordered sequence of raw client transactions.
type Batch struct {
	Transactions [][]byte
}

// WorkerMessage is the tagged envelope persisted under a batch digest and
// exchanged on the wire between workers. Only Kind == MessageBatch carries a
// populated Batch; the other variants exist so the read path has something
// concrete to reject.
type WorkerMessage struct {
	Kind    MessageKind
	Batch   Batch
	Request []byte // opaque payload for MessageBatchRequest / MessageBatchDigests
}

func init() {
	gob.Register(WorkerMessage{})
}

// EncodeWorkerMessage frames a message the same way for both the on-disk
// store value and the (out-of-scope) worker wire protocol, per spec.md §6.
func EncodeWorkerMessage(m WorkerMessage) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode worker message: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWorkerMessage reverses EncodeWorkerMessage.
func DecodeWorkerMessage(raw []byte) (WorkerMessage, error) {
	var m WorkerMessage
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&m); err != nil {
		return m, fmt.Errorf("decode worker message: %w", err)
	}
	return m, nil
}

// EncodeBatch is a convenience wrapper producing the envelope bytes for a
// batch value, the form a worker persists under a batch digest.
func EncodeBatch(txs [][]byte) ([]byte, error) {
	return EncodeWorkerMessage(WorkerMessage{Kind: MessageBatch, Batch: Batch{Transactions: txs}})
}

// AsBatch decodes raw store bytes and returns the transactions if (and only
// if) the envelope's Kind is MessageBatch. The second return value is false
// for any other variant or decode failure — the read path's "not a batch"
// case from spec.md §3.
func AsBatch(raw []byte) ([][]byte, bool) {
	m, err := DecodeWorkerMessage(raw)
	if err != nil || m.Kind != MessageBatch {
		return nil, false
	}
	return m.Batch.Transactions, true
}
