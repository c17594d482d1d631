package models

import "time"

// Resource type tags used by the queue and the realtime channel.
const (
	ResourceOrders   = "orders"
	ResourceMenu     = "menu"
	ResourceCouriers = "couriers"
)

// Order statuses as reported by the ordering API.
const (
	OrderCreated   = "created"
	OrderAccepted  = "accepted"
	OrderPreparing = "preparing"
	OrderReady     = "ready"
	OrderPickedUp  = "picked_up"
	OrderDelivered = "delivered"
	OrderCancelled = "cancelled"
)

// OrderItem is one line of an order.
type OrderItem struct {
	MenuItemID string   `json:"menu_item_id"`
	Name       string   `json:"name"`
	Quantity   int      `json:"quantity"`
	Price      float64  `json:"price"`
	Modifiers  []string `json:"modifiers,omitempty"`
}

// Order is a customer order as rendered by the apps.
type Order struct {
	ID           string      `json:"id"`
	RestaurantID string      `json:"restaurant_id"`
	CustomerID   string      `json:"customer_id"`
	CourierID    string      `json:"courier_id,omitempty"`
	Items        []OrderItem `json:"items"`
	Total        float64     `json:"total"`
	Status       string      `json:"status"`
	Comment      string      `json:"comment,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// MenuItem is a catalog entry managed from the admin console.
type MenuItem struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       float64   `json:"price"`
	Category    string    `json:"category,omitempty"`
	Available   bool      `json:"available"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Courier is a delivery agent's presence and last reported position.
type Courier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Online    bool      `json:"online"`
	Lat       float64   `json:"lat,omitempty"`
	Lon       float64   `json:"lon,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}
