package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor (matches pkg/middleware keys)
	FieldUserID = "user_id"

	// Service
	FieldService = "service"

	// Sync engine
	FieldEvent          = "event"
	FieldConversationID = "conversation_id"
	FieldMessageID      = "message_id"
	FieldCorrelationID  = "correlation_id"
	FieldSubscriber     = "subscriber"
	FieldAttempt        = "attempt"
	FieldEndpoint       = "endpoint"
	FieldTopic          = "topic"
)
