package core

import (
	"crypto/sha256"
	"fmt"
	"net"
	"strconv"

	"github.com/libp2p/go-libp2p"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	log "github.com/sirupsen/logrus"
)

// Worker is the minimal external-collaborator stand-in for spec.md §1's
// "Worker P2P replication protocol, batch gossip, client RPC" — explicitly
// out of scope. What remains in scope and is implemented here is the one
// thing the Store and Output Pipeline need a real producer for: persisting
// a batch under its content digest, and binding the worker_to_worker
// endpoint so the committee's network shape is genuinely exercised
// (grounded on core/network.go's libp2p host bootstrap, narrowed to host
// creation — no gossip topic, no NAT traversal, no peer discovery, since
// the replication protocol itself is out of scope).
type Worker struct {
	id    WorkerID
	store *Store
	host  libp2phost.Host
	lg    *log.Logger
}

// NewWorker opens a libp2p host listening on addrs.WorkerToWorker and binds
// it to store, which the worker will persist submitted batches into.
func NewWorker(id WorkerID, addrs WorkerAddresses, store *Store, lg *log.Logger) (*Worker, error) {
	if lg == nil {
		lg = log.New()
	}
	maddr, err := hostPortToMultiaddr(addrs.WorkerToWorker)
	if err != nil {
		return nil, fmt.Errorf("worker %d: worker_to_worker address: %w", id, err)
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(maddr))
	if err != nil {
		return nil, fmt.Errorf("worker %d: create host: %w", id, err)
	}
	lg.Infof("worker %d listening on %s (peer %s)", id, addrs.WorkerToWorker, h.ID())
	return &Worker{id: id, store: store, host: h, lg: lg}, nil
}

// ID returns the worker's identifier within its authority.
func (w *Worker) ID() WorkerID { return w.id }

// Submit seals txs into a single batch, persists it in this worker's store
// under the batch's content digest, and returns that digest for the
// caller (normally the Primary stand-in) to reference from a header
// payload entry. Batch assembly policy (size/delay batching, client RPC
// intake) is out of scope per spec.md §1; this is the simplest producer
// that gives the Store a real writer to exercise.
func (w *Worker) Submit(txs [][]byte) (Digest, error) {
	raw, err := EncodeBatch(txs)
	if err != nil {
		return Digest{}, fmt.Errorf("worker %d: encode batch: %w", w.id, err)
	}
	digest := Digest(sha256.Sum256(raw))
	w.store.Write(digest.Bytes(), raw)
	w.lg.Debugf("worker %d persisted batch %s (%d txs)", w.id, digest, len(txs))
	return digest, nil
}

// Close shuts down the worker's host. The worker's Store handle is owned by
// the caller and is not closed here.
func (w *Worker) Close() error {
	return w.host.Close()
}

// hostPortToMultiaddr converts a "host:port" committee endpoint into a
// libp2p TCP listen multiaddr. Hostnames that are not literal IPv4/IPv6
// addresses use the /dns/ protocol.
func hostPortToMultiaddr(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("split host:port: %w", err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return "", fmt.Errorf("port %q is not numeric", portStr)
	}

	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return fmt.Sprintf("/dns/%s/tcp/%s", host, portStr), nil
	case ip.To4() != nil:
		return fmt.Sprintf("/ip4/%s/tcp/%s", ip.String(), portStr), nil
	default:
		return fmt.Sprintf("/ip6/%s/tcp/%s", ip.String(), portStr), nil
	}
}
