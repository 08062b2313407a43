package protocol

// Topic identifies a logical message namespace. Each topic owns an action
// table and, server side, a subscription registry.
type Topic string

const (
	TopicRecord     Topic = "R"
	TopicEvent      Topic = "E"
	TopicRPC        Topic = "P"
	TopicPresence   Topic = "U"
	TopicMonitoring Topic = "M"

	// Listen-pattern topics reuse the registry machinery with rebound
	// subscribe/unsubscribe codes.
	TopicRecordListenPatterns Topic = "RL"
	TopicEventListenPatterns  Topic = "EL"
)

var allTopics = map[Topic]struct{}{
	TopicRecord:               {},
	TopicEvent:                {},
	TopicRPC:                  {},
	TopicPresence:             {},
	TopicMonitoring:           {},
	TopicRecordListenPatterns: {},
	TopicEventListenPatterns:  {},
}

func (t Topic) Valid() bool {
	_, ok := allTopics[t]
	return ok
}

// Topics returns every topic that carries a subscription registry.
func Topics() []Topic {
	return []Topic{
		TopicRecord,
		TopicEvent,
		TopicRPC,
		TopicPresence,
		TopicMonitoring,
		TopicRecordListenPatterns,
		TopicEventListenPatterns,
	}
}
