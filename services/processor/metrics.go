package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checksumd_records_upserted_total",
		Help: "Checksum records written, by outcome.",
	}, []string{"outcome"})

	recordConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checksumd_record_conflicts_total",
		Help: "Upserts that replaced a genuinely different computed digest.",
	})

	malformedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checksumd_report_lines_malformed_total",
		Help: "Report lines skipped because they could not be parsed.",
	})

	orphanLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checksumd_report_lines_orphaned_total",
		Help: "Report lines with no matching manifest entry.",
	})

	tagsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checksumd_tags_applied_total",
		Help: "Object tag sets successfully applied.",
	})

	tagFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checksumd_tag_failures_total",
		Help: "Tagging attempts that exhausted the retry budget.",
	})
)
