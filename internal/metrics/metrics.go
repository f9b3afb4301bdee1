package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector the node exports. Components receive the
// Registry by pointer and record through its methods, so tests can assert
// on a private registry without touching process-global state.
type Registry struct {
	registry *prometheus.Registry

	ringVersion     prometheus.Gauge
	memberState     *prometheus.GaugeVec
	keysRemapped    prometheus.Counter
	conflictingRing prometheus.Counter

	quorumFailures *prometheus.CounterVec
	readRepairs    prometheus.Counter
	conflictReads  prometheus.Counter

	hintsQueued   prometheus.Counter
	hintsReplayed prometheus.Counter
	hintedApplies prometheus.Counter
	hintDepth     prometheus.Gauge

	repairRounds prometheus.Counter
	repairBytes  prometheus.Counter
	repairedKeys prometheus.Counter
}

// NewRegistry builds a registry with all node collectors registered.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.ringVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replikv_ring_version",
		Help: "Current ring snapshot version",
	})
	r.memberState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replikv_members",
		Help: "Member count by health state",
	}, []string{"state"})
	r.keysRemapped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replikv_keys_remapped_total",
		Help: "Keys whose primary owner changed across ring updates",
	})
	r.conflictingRing = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replikv_conflicting_ring_views_total",
		Help: "Gossip exchanges where equal ring versions had different checksums",
	})

	r.quorumFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replikv_quorum_failures_total",
		Help: "Requests that could not reach quorum",
	}, []string{"op"})
	r.readRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replikv_read_repairs_total",
		Help: "Stale replicas refreshed by the read path",
	})
	r.conflictReads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replikv_conflict_reads_total",
		Help: "Reads that surfaced concurrent siblings",
	})

	r.hintsQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replikv_hints_queued_total",
		Help: "Writes stored as hints for unreachable replicas",
	})
	r.hintsReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replikv_hints_replayed_total",
		Help: "Hints delivered to their target replica",
	})
	r.hintedApplies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replikv_hinted_writes_applied_total",
		Help: "Replayed hint writes accepted by this replica",
	})
	r.hintDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replikv_hint_queue_depth",
		Help: "Hints currently awaiting replay",
	})

	r.repairRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replikv_repair_rounds_total",
		Help: "Completed anti-entropy comparison rounds",
	})
	r.repairBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replikv_repair_bytes_total",
		Help: "Bytes transferred by anti-entropy repair",
	})
	r.repairedKeys = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replikv_repaired_keys_total",
		Help: "Records written by anti-entropy repair",
	})

	r.registry.MustRegister(
		r.ringVersion, r.memberState, r.keysRemapped, r.conflictingRing,
		r.quorumFailures, r.readRepairs, r.conflictReads,
		r.hintsQueued, r.hintsReplayed, r.hintedApplies, r.hintDepth,
		r.repairRounds, r.repairBytes, r.repairedKeys,
	)
	return r
}

// Prometheus exposes the underlying registry for the HTTP handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

func (r *Registry) SetRingVersion(v uint64) { r.ringVersion.Set(float64(v)) }
func (r *Registry) SetMemberCount(state string, n int) {
	r.memberState.WithLabelValues(state).Set(float64(n))
}
func (r *Registry) AddKeysRemapped(n int) { r.keysRemapped.Add(float64(n)) }
func (r *Registry) IncConflictingRing() { r.conflictingRing.Inc() }
func (r *Registry) IncQuorumFailure(op string) { r.quorumFailures.WithLabelValues(op).Inc() }
func (r *Registry) IncReadRepair() { r.readRepairs.Inc() }
func (r *Registry) IncConflictRead() { r.conflictReads.Inc() }
func (r *Registry) IncHintsQueued() { r.hintsQueued.Inc() }
func (r *Registry) IncHintsReplayed() { r.hintsReplayed.Inc() }
func (r *Registry) IncHintedApply() { r.hintedApplies.Inc() }
func (r *Registry) SetHintDepth(n int) { r.hintDepth.Set(float64(n)) }
func (r *Registry) IncRepairRound() { r.repairRounds.Inc() }
func (r *Registry) AddRepairBytes(n int) { r.repairBytes.Add(float64(n)) }
func (r *Registry) AddRepairedKeys(n int) { r.repairedKeys.Add(float64(n)) }
