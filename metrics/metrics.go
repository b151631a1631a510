// Package metrics is the process-wide counters surface, grounded on the
// teacher's api.GlobalState/MetricsCollector pattern: a single mutable
// singleton updated by whichever component completes a unit of work, read
// back out as Prometheus text by package httpapi.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"
)

var start = time.Now()

var (
	jobsProcessed  uint64
	jobsFailed     uint64
	zapsSettled    uint64
	invoicesIssued uint64
)

// IncJobsProcessed records one Wasm job whose execution succeeded. A job
// whose execution returned an error is counted by IncJobsFailed instead,
// not here.
func IncJobsProcessed() { atomic.AddUint64(&jobsProcessed, 1) }

// IncJobsFailed records one job whose Wasm execution returned an error.
func IncJobsFailed() { atomic.AddUint64(&jobsFailed, 1) }

// IncZapsSettled records one Lightning zap credited to a balance.
func IncZapsSettled() { atomic.AddUint64(&zapsSettled, 1) }

// IncInvoicesIssued records one BOLT11 invoice created for a pending job
// or a zap pay request.
func IncInvoicesIssued() { atomic.AddUint64(&invoicesIssued, 1) }

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	JobsProcessed  uint64
	JobsFailed     uint64
	ZapsSettled    uint64
	InvoicesIssued uint64
	UptimeSeconds  int64
}

// Read takes a consistent-enough snapshot for display purposes; exact
// atomicity across fields is not required for a metrics endpoint.
func Read() Snapshot {
	return Snapshot{
		JobsProcessed:  atomic.LoadUint64(&jobsProcessed),
		JobsFailed:     atomic.LoadUint64(&jobsFailed),
		ZapsSettled:    atomic.LoadUint64(&zapsSettled),
		InvoicesIssued: atomic.LoadUint64(&invoicesIssued),
		UptimeSeconds:  int64(time.Since(start).Seconds()),
	}
}

// Prometheus renders the current snapshot in Prometheus text exposition
// format.
func Prometheus() string {
	s := Read()
	return fmt.Sprintf(`# HELP dvm_jobs_processed_total Jobs executed to completion
# TYPE dvm_jobs_processed_total counter
dvm_jobs_processed_total %d

# HELP dvm_jobs_failed_total Jobs whose Wasm execution returned an error
# TYPE dvm_jobs_failed_total counter
dvm_jobs_failed_total %d

# HELP dvm_zaps_settled_total Zaps credited to a balance
# TYPE dvm_zaps_settled_total counter
dvm_zaps_settled_total %d

# HELP dvm_invoices_issued_total BOLT11 invoices issued
# TYPE dvm_invoices_issued_total counter
dvm_invoices_issued_total %d

# HELP dvm_uptime_seconds Process uptime in seconds
# TYPE dvm_uptime_seconds gauge
dvm_uptime_seconds %d
`, s.JobsProcessed, s.JobsFailed, s.ZapsSettled, s.InvoicesIssued, s.UptimeSeconds)
}
