package events

import "time"

const (
	TopicQueueUpdated   = "queue:updated"
	TopicSyncStarted    = "sync:started"
	TopicSyncCompleted  = "sync:completed"
	TopicSyncFailed     = "sync:failed"
	TopicPrintQueued    = "print:queued"
	TopicPrintSucceeded = "print:succeeded"
	TopicPrintRetrying  = "print:retrying"
	TopicPrintFailed    = "print:failed"
	TopicPrintScheduler = "print:scheduler"
	TopicNotification   = "notification"
	TopicOrderCreated   = "order:created"
	TopicOrderUpdated   = "order:updated"
	TopicRecordsChanged = "records:changed"
)

// AllTopics lists every topic, for observers that want the full stream.
var AllTopics = []string{
	TopicQueueUpdated,
	TopicSyncStarted,
	TopicSyncCompleted,
	TopicSyncFailed,
	TopicPrintQueued,
	TopicPrintSucceeded,
	TopicPrintRetrying,
	TopicPrintFailed,
	TopicPrintScheduler,
	TopicNotification,
	TopicOrderCreated,
	TopicOrderUpdated,
	TopicRecordsChanged,
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Detail    string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type SyncStarted struct {
	QueueLength int `json:"queueLength"`
}

type SyncCompleted struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
	Remaining int `json:"remaining"`
}

type SyncFailed struct {
	ItemID  string `json:"itemId"`
	Type    string `json:"item"`
	Retries int    `json:"retries"`
	Error   string `json:"error"`
}

type PrintJobEvent struct {
	JobID       string `json:"jobId"`
	OrderID     string `json:"orderId"`
	Destination string `json:"destination"`
	Retries     int    `json:"retries"`
	Error       string `json:"error,omitempty"`
}

type PrintQueued struct {
	OrderID string   `json:"orderId"`
	JobIDs  []string `json:"jobIds"`
}

type SchedulerState struct {
	Running bool `json:"running"`
}

type RecordsChanged struct {
	Type   string `json:"type"`
	Count  int    `json:"count"`
	Source string `json:"source"`
}
