package models

// Wire message types carried on the ride tracking channel.
const (
	MsgLocationUpdate    = "location_update"
	MsgRideStatusUpdate  = "ride_status_update"
	MsgDriverLocation    = "driver_location"
	MsgPassengerLocation = "passenger_location"
	MsgNotification      = "notification"
)

// Inbound is a client message. Coordinates are pointers so a missing field
// can be told apart from zero.
type Inbound struct {
	Type      string   `json:"type"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	RideID    int64    `json:"ride_id"`
	Status    string   `json:"status,omitempty"`
}

type LocationEvent struct {
	Type      string  `json:"type"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RideID    int64   `json:"ride_id"`
}

type StatusEvent struct {
	Type   string `json:"type"`
	RideID int64  `json:"ride_id"`
	Status string `json:"status"`
}

type NotificationKind string

const (
	NotifyRideRequest   NotificationKind = "ride_request"
	NotifyRideAccepted  NotificationKind = "ride_accepted"
	NotifyDriverArrived NotificationKind = "driver_arrived"
	NotifyRideCompleted NotificationKind = "ride_completed"
	NotifyPayment       NotificationKind = "payment"
	NotifySystem        NotificationKind = "system"
)

// Notification is the structured notify call handed to the notification
// collaborator.
type Notification struct {
	RecipientUserID int64            `json:"recipient_user_id"`
	RecipientRole   Role             `json:"recipient_role"`
	Kind            NotificationKind `json:"kind"`
	Title           string           `json:"title"`
	Message         string           `json:"message"`
	Payload         map[string]any   `json:"payload,omitempty"`
}

// NotificationEvent is a Notification as pushed down a tracking connection.
type NotificationEvent struct {
	Type    string           `json:"type"`
	Kind    NotificationKind `json:"kind"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
	Data    map[string]any   `json:"data,omitempty"`
}
