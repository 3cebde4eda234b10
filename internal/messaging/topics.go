package messaging

// Topic constants for coordinator event publishing
const (
	// Core mining workflow topics
	TopicSolutions  = "mining.solutions"   // accepted solutions (HOT PATH)
	TopicBatches    = "mining.batches"     // batch completion accounting
	TopicTemplates  = "mining.templates"   // template activation/preemption
	TopicExhausted  = "mining.exhausted"   // nonce spaces searched without a solution
	TopicSubmission = "mining.submissions" // node submission outcomes

	// Fleet monitoring topics
	TopicWorkerStatus = "workers.status" // lifecycle transitions and departures
	TopicWorkerStats  = "workers.stats"  // hashrate and device telemetry
)
