package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for fields flagged with generate_metrics and for expression
// evaluation overall. Registered on the default registry and exposed
// through the /metrics endpoint.
var (
	FieldWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flexd_field_instance_writes_total",
		Help: "Stored field values written, by model and field.",
	}, []string{"model", "field"})

	FieldEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flexd_field_evaluations_total",
		Help: "Evaluated field expression executions, by model and field.",
	}, []string{"model", "field"})

	RuleEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flexd_rule_evaluations_total",
		Help: "Model expression executions across all models.",
	})

	CloneOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flexd_model_clones_total",
		Help: "Model clone attempts, by outcome.",
	}, []string{"outcome"})
)
