package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SettlementsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_engine_settlements_created_total",
			Help: "Total number of settlements created",
		},
		[]string{"asset_type", "status"},
	)

	SettlementTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_engine_settlement_transitions_total",
			Help: "Total number of settlement state transitions by target status",
		},
		[]string{"to"},
	)

	IllegalTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_engine_illegal_transitions_total",
			Help: "Total number of rejected settlement transitions",
		},
		[]string{"operation"},
	)

	SettlementHoldsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_engine_settlement_holds_total",
			Help: "Total number of settlement hold changes and releases refused by a hold",
		},
		[]string{"action"},
	)

	TickTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_engine_tick_total",
			Help: "Total number of settlement sweeps",
		},
		[]string{"status"},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "commission_engine_tick_duration_seconds",
			Help:    "Duration of settlement sweeps",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
	)

	TickRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_engine_tick_records_total",
			Help: "Total number of settlements processed by sweeps",
		},
		[]string{"result"},
	)

	ClicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_engine_clicks_total",
			Help: "Total number of referral link clicks",
		},
		[]string{"result"},
	)

	ConversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_engine_conversions_total",
			Help: "Total number of conversion events",
		},
		[]string{"result"},
	)

	PayoutPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_engine_payout_publish_total",
			Help: "Total number of payout instructions published",
		},
		[]string{"publisher", "status"},
	)

	StoreQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_engine_store_queries_total",
			Help: "Total number of store queries",
		},
		[]string{"operation", "status"},
	)

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "commission_engine_store_query_duration_seconds",
			Help:    "Duration of store queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
		[]string{"operation"},
	)
)
