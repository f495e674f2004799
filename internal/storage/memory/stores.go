package memory

// Stores bundles linked in-memory stores: deleting a model cascades to its
// predictions and the watermark query only considers active models.
type Stores struct {
	Observations *ObservationStore
	Models       *ActiveModelStore
	Predictions  *PredictionStore
	WebhookLogs  *WebhookLogStore
	Archive      *OutcomeArchive
}

// NewStores creates an empty linked set of stores.
func NewStores() *Stores {
	preds := NewPredictionStore()
	return &Stores{
		Observations: NewObservationStore(),
		Models:       NewActiveModelStore(preds),
		Predictions:  preds,
		WebhookLogs:  NewWebhookLogStore(),
		Archive:      NewOutcomeArchive(),
	}
}
