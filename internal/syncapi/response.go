// Package syncapi holds the wire shapes of a sync delta as far as the ingestion engine inspects them.
package syncapi

// Response is one delta payload returned by the remote authority.
type Response struct {
	NextBatch   string       `json:"next_batch"`
	ToDevice    *ToDevice    `json:"to_device,omitempty"`
	Rooms       *Rooms       `json:"rooms,omitempty"`
	AccountData *AccountData `json:"account_data,omitempty"`
	Groups      *Groups      `json:"groups,omitempty"`
}

// HasToDevice reports whether the payload carries at least one to-device message.
func (r *Response) HasToDevice() bool {
	return r != nil && r.ToDevice != nil && len(r.ToDevice.Events) > 0
}

// Event is a client-format event as delivered inside a delta.
type Event struct {
	EventID        string         `json:"event_id,omitempty"`
	RoomID         string         `json:"room_id,omitempty"`
	Type           string         `json:"type"`
	StateKey       *string        `json:"state_key,omitempty"`
	Sender         string         `json:"sender,omitempty"`
	OriginServerTS int64          `json:"origin_server_ts,omitempty"`
	Content        map[string]any `json:"content,omitempty"`
	Unsigned       map[string]any `json:"unsigned,omitempty"`
	Redacts        string         `json:"redacts,omitempty"`
}

// IsState reports whether the event carries a state key.
func (e Event) IsState() bool {
	return e.StateKey != nil
}

// ToDevice carries device-addressed messages, typically key material.
type ToDevice struct {
	Events []Event `json:"events"`
}

// Rooms groups per-room updates by the session's membership.
type Rooms struct {
	Join   map[string]JoinedRoom  `json:"join,omitempty"`
	Invite map[string]InvitedRoom `json:"invite,omitempty"`
	Leave  map[string]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom is the update for a room the session is joined to.
type JoinedRoom struct {
	State               StateEvents         `json:"state"`
	Timeline            Timeline            `json:"timeline"`
	AccountData         AccountData         `json:"account_data"`
	UnreadNotifications UnreadNotifications `json:"unread_notifications"`
}

// InvitedRoom is the stripped state of a room the session is invited to.
type InvitedRoom struct {
	InviteState StateEvents `json:"invite_state"`
}

// LeftRoom is the final update for a room the session left.
type LeftRoom struct {
	State    StateEvents `json:"state"`
	Timeline Timeline    `json:"timeline"`
}

// StateEvents wraps a state event list.
type StateEvents struct {
	Events []Event `json:"events"`
}

// Timeline is the slice of new timeline events for a room.
type Timeline struct {
	Events    []Event `json:"events"`
	Limited   bool    `json:"limited,omitempty"`
	PrevBatch string  `json:"prev_batch,omitempty"`
}

// UnreadNotifications carries the server computed counters.
type UnreadNotifications struct {
	NotificationCount *int64 `json:"notification_count,omitempty"`
	HighlightCount    *int64 `json:"highlight_count,omitempty"`
}

// AccountData is a list of typed account data events.
type AccountData struct {
	Events []Event `json:"events"`
}

// Groups groups community updates by membership.
type Groups struct {
	Join   map[string]JoinedGroup  `json:"join,omitempty"`
	Invite map[string]InvitedGroup `json:"invite,omitempty"`
	Leave  map[string]LeftGroup    `json:"leave,omitempty"`
}

// JoinedGroup is an empty marker for a joined community.
type JoinedGroup struct{}

// InvitedGroup describes a pending community invite.
type InvitedGroup struct {
	Inviter string        `json:"inviter,omitempty"`
	Profile *GroupProfile `json:"profile,omitempty"`
}

// LeftGroup is an empty marker for a left community.
type LeftGroup struct{}

// GroupProfile is the display profile sent with an invite.
type GroupProfile struct {
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}
