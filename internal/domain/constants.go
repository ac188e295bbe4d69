package domain

// JobStatus is the lifecycle state of a job
type JobStatus string

// Job status constants
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ItemStatus is the processing state of a single line item
type ItemStatus string

// Item status constants
const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// IsTerminal reports whether the item has finished processing
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed
}

// NotificationStatus records the outcome of the completion webhook
type NotificationStatus string

// Notification status constants
const (
	NotificationPending       NotificationStatus = "pending"
	NotificationSent          NotificationStatus = "sent"
	NotificationFailed        NotificationStatus = "failed"
	NotificationNotConfigured NotificationStatus = "not_configured"
)
