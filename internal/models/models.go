package models

import "time"

// Tier is the quota classification of a user.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierPremium   Tier = "premium"
)

// WorkKind is the unit of work the quota gate is asked to admit.
type WorkKind string

const (
	WorkChatMessage  WorkKind = "chat_message"
	WorkNotification WorkKind = "notification"
)

type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusDelivered NotificationStatus = "delivered"
	StatusInAppOnly NotificationStatus = "in_app_only"
)

// Final reports whether no further transition is allowed from s.
func (s NotificationStatus) Final() bool {
	return s == StatusDelivered || s == StatusInAppOnly
}

// Content is the opaque message produced by the content collaborator.
type Content struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// DispatchTask is the body of one durable task. It is what the periodic
// job enqueues and what the dispatch webhook receives.
type DispatchTask struct {
	NotificationID string    `json:"notificationId" binding:"required"`
	UserID         string    `json:"userId" binding:"required"`
	WindowType     string    `json:"windowType" binding:"required"`
	LocalDate      string    `json:"localDate"`
	Payload        Content   `json:"notificationPayload"`
	QuotaFlag      bool      `json:"quotaFlag"`
	Tier           Tier      `json:"tier"`
	Recurring      bool      `json:"recurring"`
	TZOffset       int       `json:"tzOffsetMinutes"`
	ScheduledFor   time.Time `json:"scheduledFor"`
}

type NotificationRecord struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user_id"`
	Type      string             `json:"type"`
	Payload   Content            `json:"payload"`
	Status    NotificationStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type DeviceRegistration struct {
	Token                 string    `json:"token"`
	UserID                string    `json:"user_id"`
	Platform              string    `json:"platform"`
	NotificationsEnabled  bool      `json:"notifications_enabled"`
	BadgeCount            int       `json:"badge_count"`
	TimeZoneOffsetMinutes *int      `json:"tz_offset_minutes,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

type RegisterDeviceRequest struct {
	Token                 string `json:"token" binding:"required"`
	Platform              string `json:"platform"`
	NotificationsEnabled  *bool  `json:"notifications_enabled"`
	TimeZoneOffsetMinutes *int   `json:"tz_offset_minutes"`
}

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message"`
}

type DispatchResponse struct {
	NotificationID string             `json:"notification_id"`
	Status         NotificationStatus `json:"status"`
	Sent           int                `json:"sent"`
	Failed         int                `json:"failed"`
	Removed        int                `json:"removed"`
	Duplicate      bool               `json:"duplicate"`
	NextAt         *time.Time         `json:"next_at,omitempty"`
}

type AdmitResponse struct {
	Tier    Tier          `json:"tier"`
	Verdict string        `json:"verdict"`
	Reason  string        `json:"reason,omitempty"`
	Delayed time.Duration `json:"delayed_ns,omitempty"`
}
