package core

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// storePathPollInterval is how often the pipeline checks for a worker store
// directory that does not exist yet (spec.md §4.D "Store discovery retry
// policy").
const storePathPollInterval = 500 * time.Millisecond

// orderedObject renders as a JSON object whose key order is the order
// entries were appended, not alphabetical key order — needed because the
// payload and transactions maps must preserve the source payload's ordering
// through serialization (spec.md §4.D step 1) and a plain Go map does not.
type orderedObject struct {
	keys []string
	vals []interface{}
}

func (o *orderedObject) add(key string, val interface{}) {
	o.keys = append(o.keys, key)
	o.vals = append(o.vals, val)
}

func (o orderedObject) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.vals[i])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type timeoutCertJSON struct {
	Round    uint64      `json:"round"`
	Timeouts [][2]string `json:"timeouts"`
}

type noVoteCertJSON struct {
	Round   uint64      `json:"round"`
	NoVotes [][2]string `json:"no_votes"`
}

// CertificateRecord is the JSON shape appended to cert_file and accumulated
// for output_file, field names per spec.md §6.
type CertificateRecord struct {
	Author       string           `json:"author"`
	Round        uint64           `json:"round"`
	ID           string           `json:"id"`
	Payload      orderedObject    `json:"payload"`
	Transactions orderedObject    `json:"transactions"`
	Parents      []string         `json:"parents"`
	Signature    string           `json:"signature"`
	TimeoutCert  *timeoutCertJSON `json:"timeout_cert"`
	NoVoteCert   *noVoteCertJSON  `json:"no_vote_cert"`
}

// OutputPipeline reconstructs the ordered transaction log from an ordered
// certificate stream (spec.md §4.D).
type OutputPipeline struct {
	storeBase  string
	outputFile string
	certFile   *os.File
	lg         *log.Logger
	metrics    *pipelineMetrics
	reg        prometheus.Registerer

	mu           sync.Mutex
	workerStores map[WorkerID]*Store

	records []CertificateRecord
}

// NewOutputPipeline opens certFilePath for append (creating it if absent)
// and prepares a pipeline that will write its final aggregate to
// outputFilePath when Run reaches the end of the certificate stream. storeBase is the primary's store path;
// worker w's store is resolved lazily at "{storeBase}-{w}".
func NewOutputPipeline(storeBase, certFilePath, outputFilePath string, lg *log.Logger, reg prometheus.Registerer) (*OutputPipeline, error) {
	if lg == nil {
		lg = log.New()
	}
	f, err := os.OpenFile(certFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open cert file: %w", err)
	}
	return &OutputPipeline{
		storeBase:    storeBase,
		outputFile:   outputFilePath,
		certFile:     f,
		lg:           lg,
		metrics:      newPipelineMetrics(reg),
		reg:          reg,
		workerStores: make(map[WorkerID]*Store),
	}, nil
}

// Close releases every worker store handle this pipeline opened and the
// cert_file handle. It does not write output_file; call Run to completion
// (or WriteAggregate directly) for that.
func (p *OutputPipeline) Close() error {
	p.mu.Lock()
	for _, s := range p.workerStores {
		s.Close()
	}
	p.mu.Unlock()
	return p.certFile.Close()
}

// Run consumes certs in order until the channel closes or ctx is cancelled,
// appending one JSON line per certificate to cert_file as it goes. When the
// channel closes it writes the full accumulated aggregate to output_file; if
// ctx is cancelled first it returns ctx.Err() without writing output_file.
// A write failure on
// cert_file is propagated and ends the run early (spec.md §4.D, §7 "IO
// errors on output files").
func (p *OutputPipeline) Run(ctx context.Context, certs <-chan Certificate) error {
	for {
		select {
		case cert, ok := <-certs:
			if !ok {
				return p.WriteAggregate()
			}
			if err := p.process(ctx, cert); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *OutputPipeline) process(ctx context.Context, cert Certificate) error {
	p.metrics.certificates.Inc()

	payload := orderedObject{}
	transactions := orderedObject{}
	for _, entry := range cert.Header.Payload {
		key := entry.Digest.String()
		payload.add(key, entry.WorkerID)

		hexTxs, status := p.resolveBatch(ctx, entry.Digest, entry.WorkerID)
		switch status {
		case batchOK:
			transactions.add(key, hexTxs)
		default:
			transactions.add(key, string(status))
		}
	}

	record := CertificateRecord{
		Author:       cert.Header.Author.Hex(),
		Round:        cert.Header.Round,
		ID:           cert.Header.ID.String(),
		Payload:      payload,
		Transactions: transactions,
		Parents:      digestsToStrings(cert.Header.Parents),
		Signature:    hex.EncodeToString(cert.Header.Signature),
		TimeoutCert:  toTimeoutCertJSON(cert.TimeoutCert),
		NoVoteCert:   toNoVoteCertJSON(cert.NoVoteCert),
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal certificate record: %w", err)
	}
	line = append(line, '\n')
	if _, err := p.certFile.Write(line); err != nil {
		return fmt.Errorf("write cert_file: %w", err)
	}

	p.mu.Lock()
	p.records = append(p.records, record)
	p.mu.Unlock()
	return nil
}

type batchStatus string

const (
	batchOK      batchStatus = ""
	batchMissing batchStatus = "missing"
	batchInvalid batchStatus = "invalid"
)

// resolveBatch fetches and decodes one batch, localizing any failure to a
// "missing"/"invalid" status rather than aborting the certificate (spec.md
// §4.D step 3-4, §7 "Pipeline data errors").
func (p *OutputPipeline) resolveBatch(ctx context.Context, digest Digest, worker WorkerID) ([]string, batchStatus) {
	val, err := p.awaitBatch(ctx, worker, digest)
	if err != nil {
		p.metrics.batchesMiss.Inc()
		return nil, batchMissing
	}

	txs, ok := AsBatch(val)
	if !ok {
		p.metrics.batchesBad.Inc()
		return nil, batchInvalid
	}
	p.metrics.batchesOK.Inc()
	return hexEncodeAll(txs), batchOK
}

// awaitBatch polls worker's store for digest, re-opening the read-only
// handle on every miss. A read-only badger handle is a snapshot of the
// engine state at the moment it was opened — it does not observe a write
// made through another handle against the same directory, so NotifyRead on
// it would block forever instead of converging (spec.md §4.B "a read-only
// caller SHOULD treat NotifyRead as a long-poll that may never complete").
// Re-opening is the one operation documented to pick up the writer's
// flushed state, so that is what closes the "missing-then-present" gap
// (spec.md §4.D step 3, §8 property 6) instead of a stale NotifyRead wait.
func (p *OutputPipeline) awaitBatch(ctx context.Context, worker WorkerID, digest Digest) ([]byte, error) {
	ticker := time.NewTicker(storePathPollInterval)
	defer ticker.Stop()
	key := digest.Bytes()

	for {
		if store, err := p.storeFor(ctx, worker); err == nil {
			if val, found, err := store.Read(key); err == nil && found {
				return val, nil
			}
		}
		select {
		case <-ticker.C:
			p.reopenStore(worker)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// storeFor returns the cached read-only handle for worker's store, opening
// it (after waiting for its directory to exist) on first use. Store
// discovery is unbounded — spec.md §4.D assumes workers may start after the
// primary and tolerates that by polling forever absent ctx cancellation.
func (p *OutputPipeline) storeFor(ctx context.Context, worker WorkerID) (*Store, error) {
	p.mu.Lock()
	if s, ok := p.workerStores[worker]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	path := fmt.Sprintf("%s-%d", p.storeBase, worker)
	if err := waitForStorePath(ctx, path); err != nil {
		return nil, err
	}

	s, err := NewReadOnlyStore(path, p.lg, p.reg)
	if err != nil {
		return nil, fmt.Errorf("open worker %d store at %s: %w", worker, path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.workerStores[worker]; ok {
		s.Close()
		return existing, nil
	}
	p.workerStores[worker] = s
	return s, nil
}

// reopenStore drops worker's cached read-only handle so the next storeFor
// call opens a fresh one, picking up any writes flushed since the last open.
func (p *OutputPipeline) reopenStore(worker WorkerID) {
	p.mu.Lock()
	s, ok := p.workerStores[worker]
	delete(p.workerStores, worker)
	p.mu.Unlock()
	if ok {
		if err := s.Close(); err != nil {
			p.lg.Debugf("output pipeline: close stale worker %d store: %v", worker, err)
		}
	}
}

// waitForStorePath blocks until path exists on disk or ctx is cancelled.
func waitForStorePath(ctx context.Context, path string) error {
	ticker := time.NewTicker(storePathPollInterval)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WriteAggregate serializes every record accumulated so far to output_file
// as a pretty-printed JSON array, overwriting any prior contents (spec.md
// §4.D step 6, §6 "ordered_batches2.json").
func (p *OutputPipeline) WriteAggregate() error {
	p.mu.Lock()
	records := p.records
	p.mu.Unlock()

	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("marshal aggregate: %w", err)
	}
	if err := os.WriteFile(p.outputFile, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write output_file: %w", err)
	}
	return nil
}

func digestsToStrings(ds []Digest) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

func hexEncodeAll(txs [][]byte) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = hex.EncodeToString(tx)
	}
	return out
}

func toTimeoutCertJSON(c *TimeoutCert) *timeoutCertJSON {
	if c == nil {
		return nil
	}
	pairs := make([][2]string, len(c.Timeouts))
	for i, t := range c.Timeouts {
		pairs[i] = [2]string{t.Author.Hex(), hex.EncodeToString(t.Signature)}
	}
	return &timeoutCertJSON{Round: c.Round, Timeouts: pairs}
}

func toNoVoteCertJSON(c *NoVoteCert) *noVoteCertJSON {
	if c == nil {
		return nil
	}
	pairs := make([][2]string, len(c.NoVotes))
	for i, v := range c.NoVotes {
		pairs[i] = [2]string{v.Author.Hex(), hex.EncodeToString(v.Signature)}
	}
	return &noVoteCertJSON{Round: c.Round, NoVotes: pairs}
}
