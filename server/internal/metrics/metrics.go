package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	InterceptedResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "follow_export_intercepted_responses_total",
		Help: "Total intercepted api responses by route.",
	}, []string{"route"})
	ParseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "follow_export_parse_failures_total",
		Help: "Total intercepted responses dropped because they could not be parsed.",
	})

	BufferPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "follow_export_buffer_pending",
		Help: "Entries waiting in the ingestion buffer for a commit.",
	})
	BufferOverflow = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "follow_export_buffer_overflow_total",
		Help: "Total enqueues that left the buffer above its soft limit while the store was unavailable.",
	})
	CommittedEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "follow_export_committed_entries_total",
		Help: "Total entries upserted into the store.",
	})
	CommitFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "follow_export_commit_failures_total",
		Help: "Total failed commit transactions.",
	})

	SightedHandles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "follow_export_sighted_handles_total",
		Help: "Total handles assigned a sequence number across capture sessions.",
	})
	RejectedObservations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "follow_export_rejected_observations_total",
		Help: "Total observation batches rejected because a stream queue was full.",
	})
	Exports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "follow_export_exports_total",
		Help: "Total exports built by format.",
	}, []string{"format"})
	MissingRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "follow_export_missing_records_total",
		Help: "Total export rows emitted without a stored record.",
	})
)

func Register() {
	prometheus.MustRegister(
		InterceptedResponses, ParseFailures,
		BufferPending, BufferOverflow, CommittedEntries, CommitFailures,
		SightedHandles, RejectedObservations, Exports, MissingRecords,
	)
}
