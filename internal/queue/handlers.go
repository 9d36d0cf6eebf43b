package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"postflow/internal/domain"
	"postflow/internal/publisher"
	"postflow/internal/registry"
)

// Payload shapes, one per item kind. Dispatch decodes the matching shape so
// a malformed payload fails validation instead of reaching a collaborator.

type PublishPayload struct {
	Content      json.RawMessage `json:"content"`
	Destinations []string        `json:"destinations"`
}

type ScheduleCreatePayload struct {
	Name          string                   `json:"name"`
	Description   string                   `json:"description,omitempty"`
	ScheduledTime time.Time                `json:"scheduled_time"`
	Timezone      string                   `json:"timezone,omitempty"`
	Recurrence    *domain.RecurringPattern `json:"recurrence,omitempty"`
	Destinations  []string                 `json:"destinations"`
	Audience      json.RawMessage          `json:"audience,omitempty"`
	Content       json.RawMessage          `json:"content"`
	Priority      int                      `json:"priority,omitempty"`
}

type UpdatePayload struct {
	Destination string          `json:"destination"`
	ExternalID  string          `json:"external_id"`
	Content     json.RawMessage `json:"content"`
}

type DeletePayload struct {
	Destination string `json:"destination"`
	ExternalID  string `json:"external_id"`
}

type AnalyticsSyncPayload struct {
	Destination string   `json:"destination"`
	ExternalIDs []string `json:"external_ids"`
}

type ContentAdaptationPayload struct {
	Destination string          `json:"destination"`
	Content     json.RawMessage `json:"content"`
}

type BulkOperation struct {
	Type     domain.QueueItemType `json:"type"`
	Payload  json.RawMessage      `json:"payload"`
	Priority int                  `json:"priority,omitempty"`
}

type BulkOperationPayload struct {
	Operations []BulkOperation `json:"operations"`
}

// AdaptFunc formats content for one destination family.
type AdaptFunc func(ctx context.Context, content json.RawMessage, destination string) (json.RawMessage, error)

// SyncFunc pulls analytics for previously published posts.
type SyncFunc func(ctx context.Context, destination string, externalIDs []string) (json.RawMessage, error)

// Handlers wires the queue item kinds to their collaborators. Adapt and
// SyncAnalytics are optional; items of those kinds fail terminally when the
// collaborator is absent.
type Handlers struct {
	Publisher     publisher.Publisher
	Schedules     *registry.Registry
	Queues        *Manager
	Adapt         AdaptFunc
	SyncAnalytics SyncFunc
}

// Map returns the dispatch table for a Processor.
func (h *Handlers) Map() map[domain.QueueItemType]Handler {
	return map[domain.QueueItemType]Handler{
		domain.ItemPublish:           HandlerFunc(h.handlePublish),
		domain.ItemScheduleCreate:    HandlerFunc(h.handleScheduleCreate),
		domain.ItemUpdate:            HandlerFunc(h.handleUpdate),
		domain.ItemDelete:            HandlerFunc(h.handleDelete),
		domain.ItemAnalyticsSync:     HandlerFunc(h.handleAnalyticsSync),
		domain.ItemContentAdaptation: HandlerFunc(h.handleContentAdaptation),
		domain.ItemBulkOperation:     HandlerFunc(h.handleBulkOperation),
	}
}

func (h *Handlers) handlePublish(ctx context.Context, it domain.QueueItem) (json.RawMessage, error) {
	var p PublishPayload
	if err := json.Unmarshal(it.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: publish payload: %v", domain.ErrInvalidArgument, err)
	}
	if len(p.Destinations) == 0 {
		return nil, fmt.Errorf("%w: publish payload has no destinations", domain.ErrInvalidArgument)
	}

	res := h.Publisher.PublishToDestinations(ctx, p.Content, p.Destinations)
	result, _ := json.Marshal(res.Results)
	if !res.Success {
		var failed []string
		for _, dr := range res.Results {
			if !dr.Success {
				failed = append(failed, dr.Destination)
			}
		}
		return result, domain.NewDestinationError(strings.Join(failed, ","), domain.ClassDestination,
			errors.New(res.ErrorSummary()))
	}
	return result, nil
}

func (h *Handlers) handleScheduleCreate(ctx context.Context, it domain.QueueItem) (json.RawMessage, error) {
	var p ScheduleCreatePayload
	if err := json.Unmarshal(it.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: schedule_create payload: %v", domain.ErrInvalidArgument, err)
	}
	sch, err := h.Schedules.Create(ctx, registry.CreateOptions{
		Name:          p.Name,
		Description:   p.Description,
		ScheduledTime: p.ScheduledTime,
		Timezone:      p.Timezone,
		Recurrence:    p.Recurrence,
		Destinations:  p.Destinations,
		Audience:      p.Audience,
		Content:       p.Content,
		Priority:      p.Priority,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"schedule_id": sch.ID})
}

func (h *Handlers) handleUpdate(ctx context.Context, it domain.QueueItem) (json.RawMessage, error) {
	var p UpdatePayload
	if err := json.Unmarshal(it.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: update payload: %v", domain.ErrInvalidArgument, err)
	}
	dest, ok := h.Publisher.Destination(p.Destination)
	if !ok {
		return nil, domain.NewDestinationError(p.Destination, domain.ClassNotFound, errors.New("unknown destination"))
	}
	if err := dest.Update(ctx, p.ExternalID, p.Content); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *Handlers) handleDelete(ctx context.Context, it domain.QueueItem) (json.RawMessage, error) {
	var p DeletePayload
	if err := json.Unmarshal(it.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: delete payload: %v", domain.ErrInvalidArgument, err)
	}
	dest, ok := h.Publisher.Destination(p.Destination)
	if !ok {
		return nil, domain.NewDestinationError(p.Destination, domain.ClassNotFound, errors.New("unknown destination"))
	}
	if err := dest.Delete(ctx, p.ExternalID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *Handlers) handleAnalyticsSync(ctx context.Context, it domain.QueueItem) (json.RawMessage, error) {
	if h.SyncAnalytics == nil {
		return nil, fmt.Errorf("%w: no analytics collaborator configured", domain.ErrInvalidArgument)
	}
	var p AnalyticsSyncPayload
	if err := json.Unmarshal(it.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: analytics_sync payload: %v", domain.ErrInvalidArgument, err)
	}
	return h.SyncAnalytics(ctx, p.Destination, p.ExternalIDs)
}

func (h *Handlers) handleContentAdaptation(ctx context.Context, it domain.QueueItem) (json.RawMessage, error) {
	if h.Adapt == nil {
		return nil, fmt.Errorf("%w: no content adapter configured", domain.ErrInvalidArgument)
	}
	var p ContentAdaptationPayload
	if err := json.Unmarshal(it.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: content_adaptation payload: %v", domain.ErrInvalidArgument, err)
	}
	return h.Adapt(ctx, p.Content, p.Destination)
}

// handleBulkOperation expands a bulk item into independent child items on
// the same queue. The children carry no dependencies on each other; the
// bulk item completes as soon as they are admitted.
func (h *Handlers) handleBulkOperation(ctx context.Context, it domain.QueueItem) (json.RawMessage, error) {
	var p BulkOperationPayload
	if err := json.Unmarshal(it.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: bulk_operation payload: %v", domain.ErrInvalidArgument, err)
	}
	if len(p.Operations) == 0 {
		return nil, fmt.Errorf("%w: bulk operation has no operations", domain.ErrInvalidArgument)
	}

	ids := make([]string, 0, len(p.Operations))
	for _, op := range p.Operations {
		id, err := h.Queues.AddToQueue(ctx, it.QueueID, op.Type, op.Payload, AddOptions{Priority: op.Priority})
		if err != nil {
			return nil, fmt.Errorf("enqueue bulk child: %w", err)
		}
		ids = append(ids, id)
	}
	return json.Marshal(map[string][]string{"item_ids": ids})
}
