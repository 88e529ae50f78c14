package observability

import "go.opentelemetry.io/otel/attribute"

// Pipeline semantic convention attributes.
var (
	AttrGameID     = attribute.Key("promoguard.game.id")
	AttrSource     = attribute.Key("promoguard.source.id")
	AttrEventType  = attribute.Key("promoguard.event.type")
	AttrEventID    = attribute.Key("promoguard.event.id")
	AttrStatus     = attribute.Key("promoguard.consensus.status")
	AttrConfidence = attribute.Key("promoguard.consensus.confidence")

	AttrPromotionID  = attribute.Key("promoguard.promotion.id")
	AttrValidationID = attribute.Key("promoguard.validation.id")
	AttrIsValid      = attribute.Key("promoguard.validation.is_valid")

	AttrWorkflowStatus = attribute.Key("promoguard.workflow.status")
	AttrRetryAttempt   = attribute.Key("promoguard.workflow.attempt")
)

// SourceFetch creates attributes for one provider fetch.
func SourceFetch(source, gameID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSource.String(source),
		AttrGameID.String(gameID),
	}
}

// ConsensusEvaluation creates attributes for a consensus run.
func ConsensusEvaluation(gameID, status string, confidence float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrGameID.String(gameID),
		AttrStatus.String(status),
		AttrConfidence.Float64(confidence),
	}
}

// TriggerValidation creates attributes for one trigger validation.
func TriggerValidation(promotionID, gameID string, isValid bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPromotionID.String(promotionID),
		AttrGameID.String(gameID),
		AttrIsValid.Bool(isValid),
	}
}

// WorkflowExecution creates attributes for one event execution.
func WorkflowExecution(eventID, status string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventID.String(eventID),
		AttrWorkflowStatus.String(status),
		AttrRetryAttempt.Int(attempt),
	}
}
