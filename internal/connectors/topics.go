package connectors

const (
	TopicStreaming  = "stream.active"
	TopicConnStatus = "conn.status"
	TopicLastError  = "conn.error"
	TopicSignals    = "stream.signals"
	TopicChannel    = "channel.event"
)

// SignalTopics are the topics an observer subscribes to for the three published signals.
var SignalTopics = []string{TopicStreaming, TopicConnStatus, TopicLastError}
