package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swaprelay_orders_created_total",
			Help: "Total number of orders whose maker escrow was locked",
		})
	bidsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swaprelay_bids_total",
			Help: "Total number of bids submitted, by result",
		}, []string{"result"})
	fillsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swaprelay_fills_total",
			Help: "Total number of fills committed to the ledger",
		})
	legsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swaprelay_legs_settled_total",
			Help: "Total number of HTLC legs withdrawn or refunded",
		}, []string{"side", "outcome"})
	reauctions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swaprelay_reauctions_total",
			Help: "Total number of auction rounds reopened after no bids or a resolver timeout",
		})
	chainTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swaprelay_chain_tx_total",
			Help: "Total number of chain transactions, by chain, kind and result",
		}, []string{"chain", "kind", "result"})
	chainRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swaprelay_chain_retries_total",
			Help: "Total number of retried chain calls",
		}, []string{"chain"})
	fatalErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swaprelay_fatal_errors_total",
			Help: "Total number of fatal errors that stopped an order",
		}, []string{"code"})
	storeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swaprelay_store_errors_total",
			Help: "Total number of failed store or signal bus writes",
		})
	activeOrders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swaprelay_active_orders",
			Help: "Number of orders held in memory",
		})
	confirmSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swaprelay_confirm_seconds",
			Help:    "Time from submission to confirmation of chain transactions",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"chain"})
)
