package store

import "time"

// StoreWebhookEvent appends a raw webhook delivery to the archive,
// before any derived job is enqueued. Used for replay and debugging; rows are never mutated.
func (s *Store) StoreWebhookEvent(eventType, deliveryID string, rawBody []byte, jobID *int64) (int64, error) {
	res, err := s.conn.Exec(`
		INSERT INTO webhook_event (event_type, delivery_id, raw_body, job_id, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(delivery_id) DO NOTHING`,
		eventType, deliveryID, rawBody, jobID, jobID != nil, time.Now().UTC(),
	)
	if err != nil {
		return 0, wrapStorage("store_webhook_event", err)
	}
	return res.LastInsertId()
}

// LinkWebhookJob patches the job_id onto an already-archived delivery
// once dispatch decides to enqueue a job for it. A no-op if the
// delivery row isn't found (e.g. it was never archived due to a prior
// storage error).
func (s *Store) LinkWebhookJob(deliveryID string, jobID int64) error {
	_, err := s.conn.Exec(`
		UPDATE webhook_event SET job_id = ?, processed = 1 WHERE delivery_id = ?`,
		jobID, deliveryID,
	)
	if err != nil {
		return wrapStorage("link_webhook_job", err)
	}
	return nil
}

// GetWebhookEvent loads an archived delivery by delivery id, for replay.
func (s *Store) GetWebhookEvent(deliveryID string) (*WebhookEvent, error) {
	var e WebhookEvent
	var jobID *int64
	row := s.conn.QueryRow(`SELECT id, event_type, delivery_id, raw_body, job_id, processed, created_at
		FROM webhook_event WHERE delivery_id = ?`, deliveryID)
	if err := row.Scan(&e.ID, &e.EventType, &e.DeliveryID, &e.RawBody, &jobID, &e.Processed, &e.CreatedAt); err != nil {
		return nil, wrapStorage("get_webhook_event", err)
	}
	e.JobID = jobID
	return &e, nil
}
