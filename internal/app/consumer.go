package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/crowdfunding-service/internal/domain"
)

// ActivityRecorder persists activity entries.
type ActivityRecorder interface {
	AppendActivity(ctx context.Context, entry domain.ActivityEntry) error
}

// ActivityConsumer turns published campaign events into activity log entries.
type ActivityConsumer struct {
	repo ActivityRecorder
}

func NewActivityConsumer(repo ActivityRecorder) *ActivityConsumer {
	return &ActivityConsumer{repo: repo}
}

// activityPayload accepts both DonationEvent (user) and CampaignEvent (actor).
type activityPayload struct {
	EventID    uuid.UUID `json:"event_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	User       string    `json:"user"`
	Actor      string    `json:"actor"`
	Amount     int64     `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ActivityRoutingKeys lists the routing keys the consumer binds to.
func ActivityRoutingKeys() []string {
	return []string{
		domain.EventCampaignCreated,
		domain.EventDonationRecorded,
		domain.EventFundsWithdrawn,
		domain.EventContributionRefunded,
		domain.EventCampaignOutcomeMet,
		domain.EventCampaignOutcomeUnmet,
	}
}

// Bindings returns one handler per routing key, ready for Consumer.ConsumeWithBindings.
func (c *ActivityConsumer) Bindings() map[string]func([]byte) bool {
	bindings := make(map[string]func([]byte) bool)
	for _, key := range ActivityRoutingKeys() {
		routingKey := key
		bindings[routingKey] = func(body []byte) bool {
			return c.HandleMessage(routingKey, body)
		}
	}
	return bindings
}

// HandleMessage records one event. Malformed payloads are acknowledged and
// dropped; storage failures ask for redelivery.
func (c *ActivityConsumer) HandleMessage(routingKey string, body []byte) bool {
	var payload activityPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Printf("level=warn component=activity_consumer msg=\"failed to unmarshal payload\" routing_key=%s err=%v", routingKey, err)
		return true
	}
	if payload.EventID == uuid.Nil || payload.CampaignID == uuid.Nil {
		log.Printf("level=warn component=activity_consumer msg=\"missing identifiers\" routing_key=%s", routingKey)
		return true
	}

	actor := payload.Actor
	if actor == "" {
		actor = payload.User
	}
	occurredAt := payload.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	entry := domain.ActivityEntry{
		EventID:    payload.EventID,
		CampaignID: payload.CampaignID,
		EventType:  routingKey,
		Actor:      actor,
		Amount:     payload.Amount,
		OccurredAt: occurredAt,
	}
	if err := c.repo.AppendActivity(ctx, entry); err != nil {
		log.Printf("level=error component=activity_consumer msg=\"append failed\" event_id=%s campaign_id=%s err=%v", entry.EventID, entry.CampaignID, err)
		return false
	}
	return true
}
