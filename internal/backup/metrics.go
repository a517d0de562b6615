package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mchcare_backups_total",
		Help: "Finished backups by status",
	}, []string{"status"})

	restoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mchcare_restores_total",
		Help: "Finished restores by status",
	}, []string{"status"})

	backupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mchcare_backup_duration_seconds",
		Help:    "Time from dump start to completed upload",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12), // 250ms to ~8.5m
	})

	backupSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mchcare_backup_size_bytes",
		Help:    "Size of uploaded backup artifacts",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
	})

	// cloudRetries counts repeated attempts after transient storage errors.
	cloudRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mchcare_cloud_retries_total",
		Help: "Storage calls retried after a transient error",
	}, []string{"op"})
)
