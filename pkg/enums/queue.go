package enums

// QueueStatus tracks the lifecycle of a queue item.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusDeadLetter QueueStatus = "dead_letter"
)

func (s QueueStatus) String() string {
	return string(s)
}

// QueueKind discriminates the logical queue an item belongs to. Each kind is
// dispatched to the handler registered for it.
type QueueKind string

const (
	KindOutboxEvent      QueueKind = "outbox_event"
	KindPushNotification QueueKind = "push_notification"
	KindImportJob        QueueKind = "import_job"
	KindSearchIndex      QueueKind = "search_index"
)

func (k QueueKind) String() string {
	return string(k)
}

// KnownKinds lists the kinds this deployment reports queue depth for.
func KnownKinds() []QueueKind {
	return []QueueKind{
		KindOutboxEvent,
		KindPushNotification,
		KindImportJob,
		KindSearchIndex,
	}
}
