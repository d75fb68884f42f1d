package core

import (
	"sort"
	"time"

	"github.com/orrn/posqueue/internal/retry"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobPrinting  JobStatus = "printing"
	JobRetry     JobStatus = "retry"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Attempt is one failed send, kept for diagnostics.
type Attempt struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

type PrintJob struct {
	ID          string     `json:"id"`
	OrderID     string     `json:"orderId"`
	Destination string     `json:"destination"`
	Payload     []byte     `json:"printContent"`
	Status      JobStatus  `json:"status"`
	Priority    int        `json:"priority"`
	CreatedAt   time.Time  `json:"createdAt"`
	Retries     int        `json:"retries"`
	Attempts    []Attempt  `json:"attempts"`
	Seq         uint64     `json:"seq"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
}

func (j *PrintJob) slot() string {
	return j.OrderID + "\x00" + j.Destination
}

// PrintPriority puts kitchen tickets ahead of everything else.
func PrintPriority(dest string) int {
	if dest == DestinationKitchen {
		return 1
	}
	return 2
}

func jobLess(a, b *PrintJob) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

func insertJob(queue []*PrintJob, job *PrintJob) []*PrintJob {
	i := sort.Search(len(queue), func(i int) bool { return jobLess(job, queue[i]) })
	queue = append(queue, nil)
	copy(queue[i+1:], queue[i:])
	queue[i] = job
	return queue
}

func removeJob(queue []*PrintJob, id string) []*PrintJob {
	for i, j := range queue {
		if j.ID == id {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

func findJob(queue []*PrintJob, id string) *PrintJob {
	for _, j := range queue {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// nextJob returns the first queued job of the first destination that has one,
// skipping jobs whose order already has a ticket printing at that destination.
func nextJob(queues map[string][]*PrintJob, busy map[string]bool) *PrintJob {
	dests := make([]string, 0, len(queues))
	for d := range queues {
		dests = append(dests, d)
	}
	sort.Strings(dests)

	for _, d := range dests {
		for _, j := range queues[d] {
			if j.Status == JobQueued && !busy[j.slot()] {
				return j
			}
		}
	}
	return nil
}

// pendingJobs counts queued and retry jobs across all destinations.
func pendingJobs(queues map[string][]*PrintJob) int {
	n := 0
	for _, q := range queues {
		for _, j := range q {
			if j.Status == JobQueued || j.Status == JobRetry {
				n++
			}
		}
	}
	return n
}

// applyPrintFailure logs the attempt and reports whether the job is terminal.
func applyPrintFailure(j *PrintJob, cause error, policy retry.Policy, now time.Time) bool {
	j.Retries++
	j.Attempts = append(j.Attempts, Attempt{Timestamp: now, Error: cause.Error()})
	if policy.Exhausted(j.Retries) {
		j.Status = JobFailed
		j.FailedAt = &now
		return true
	}
	j.Status = JobRetry
	return false
}

// resetForReprint clears the failure history of a terminal job.
func resetForReprint(j *PrintJob, seq uint64) {
	j.Status = JobQueued
	j.Retries = 0
	j.Attempts = nil
	j.FailedAt = nil
	j.Seq = seq
}
