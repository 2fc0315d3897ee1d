package core

import "github.com/prometheus/client_golang/prometheus"

// storeMetrics tracks command volume through one store actor. The original
// Rust store logs a debug/error line per command (original_source/store/src/
// lib.rs); this repo's actor logs only engine failures and instead exposes
// per-command counters, recovered from the same place spec.md §9 points at
// for dropped detail.
type storeMetrics struct {
	writes      prometheus.Counter
	reads       prometheus.Counter
	notifyHits  prometheus.Counter
	notifyWaits prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer, label string) *storeMetrics {
	m := &storeMetrics{
		writes: registerCounter(reg, prometheus.CounterOpts{
			Name:        "sailfish_store_writes_total",
			Help:        "Writes accepted by the store actor.",
			ConstLabels: prometheus.Labels{"store": label},
		}),
		reads: registerCounter(reg, prometheus.CounterOpts{
			Name:        "sailfish_store_reads_total",
			Help:        "Point reads served by the store actor.",
			ConstLabels: prometheus.Labels{"store": label},
		}),
		notifyHits: registerCounter(reg, prometheus.CounterOpts{
			Name:        "sailfish_store_notify_read_hits_total",
			Help:        "NotifyRead calls that returned immediately.",
			ConstLabels: prometheus.Labels{"store": label},
		}),
		notifyWaits: registerCounter(reg, prometheus.CounterOpts{
			Name:        "sailfish_store_notify_read_waits_total",
			Help:        "NotifyRead calls that registered a pending waiter.",
			ConstLabels: prometheus.Labels{"store": label},
		}),
	}
	return m
}

// registerCounter registers a counter against reg, or — if a counter with
// the same name and labels is already registered (a worker's read-only
// store is re-opened on every poll tick by both Primary and OutputPipeline,
// each re-deriving the same "store" label) — returns the already-registered
// one instead of panicking. reg may be nil, in which case the counter is
// created but never exposed, matching NewStore's "nil skips registration"
// convention.
func registerCounter(reg prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
		panic(err)
	}
	return c
}

// pipelineMetrics tracks the Output Pipeline's certificate/batch throughput.
type pipelineMetrics struct {
	certificates prometheus.Counter
	batchesOK    prometheus.Counter
	batchesMiss  prometheus.Counter
	batchesBad   prometheus.Counter
}

// newPipelineMetrics goes through registerCounter rather than a direct
// MustRegister, the same as newStoreMetrics: a process that ever constructs
// more than one OutputPipeline against the same registry (two pipelines in
// one test harness, say) would otherwise panic on the second call, since
// these names carry no per-instance label to disambiguate them.
func newPipelineMetrics(reg prometheus.Registerer) *pipelineMetrics {
	return &pipelineMetrics{
		certificates: registerCounter(reg, prometheus.CounterOpts{
			Name: "sailfish_pipeline_certificates_total",
			Help: "Certificates consumed by the output pipeline.",
		}),
		batchesOK: registerCounter(reg, prometheus.CounterOpts{
			Name: "sailfish_pipeline_batches_decoded_total",
			Help: "Batches successfully resolved and decoded.",
		}),
		batchesMiss: registerCounter(reg, prometheus.CounterOpts{
			Name: "sailfish_pipeline_batches_missing_total",
			Help: "Batches that could not be fetched from any store.",
		}),
		batchesBad: registerCounter(reg, prometheus.CounterOpts{
			Name: "sailfish_pipeline_batches_invalid_total",
			Help: "Batches fetched but not decodable as the Batch variant.",
		}),
	}
}
