package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decodedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gladix_pipeline_decoded_events_total",
		Help: "Frames decoded into events per channel kind.",
	}, []string{"kind"})
	decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gladix_pipeline_decode_errors_total",
		Help: "Malformed frames that forced a ring reset, per channel kind.",
	}, []string{"kind"})
	desyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gladix_pipeline_ring_desyncs_total",
		Help: "Ring desynchronizations detected by the consumer, per channel kind.",
	}, []string{"kind"})
	batchedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gladix_pipeline_batched_events_total",
		Help: "Events accepted into a pending batch per table.",
	}, []string{"table"})
	batchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gladix_pipeline_batches_flushed_total",
		Help: "Batches handed to the store writer per table.",
	}, []string{"table"})
)
