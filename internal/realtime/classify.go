package realtime

import (
	"encoding/json"
	"strings"

	"ordersync/internal/models"

	"github.com/tidwall/gjson"
)

// Order lifecycle events must reach the screen before anything else; courier
// position pings can wait out a full drain cycle.
var defaultPriorities = map[string]models.Priority{
	"order.created":        models.PriorityHigh,
	"order.status_changed": models.PriorityHigh,
	"order.cancelled":      models.PriorityHigh,
	"order.updated":        models.PriorityNormal,
	"menu.item_updated":    models.PriorityNormal,
	"menu.item_removed":    models.PriorityNormal,
	"courier.status":       models.PriorityNormal,
	"courier.location":     models.PriorityLow,
}

func (c *Channel) classify(eventType string) models.Priority {
	if p, ok := c.priorities[eventType]; ok {
		return p
	}
	return models.PriorityNormal
}

// Fields probed, in order, to identify which entity an event is about.
var keyFields = []string{"id", "order_id", "courier_id", "item_id"}

// resourceKey extracts the entity identifier from an event payload. Events
// without one coalesce per event type instead of per entity.
func resourceKey(data json.RawMessage) string {
	for _, field := range keyFields {
		if v := gjson.GetBytes(data, field); v.Exists() {
			return v.String()
		}
	}
	return ""
}

// eventFamily is the segment before the first dot, e.g. "order" for
// "order.status_changed". Handlers subscribe per family.
func eventFamily(eventType string) string {
	family, _, _ := strings.Cut(eventType, ".")
	return family
}
