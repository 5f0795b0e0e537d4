package matrix

import "fmt"

// PresenceState is the advertised availability of a user.
type PresenceState string

const (
	PresenceOnline      PresenceState = "online"
	PresenceUnavailable PresenceState = "unavailable"
	PresenceOffline     PresenceState = "offline"
)

// RequestError is a failed request against the network, carrying the
// HTTP-style status code the transport uses to classify transience.
type RequestError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed with code %d: %s", e.Code, e.Message)
}

// User is a federated-network user as seen through the directory.
type User struct {
	ID          string
	DisplayName string
}

// MessageContent is the payload of a room message event.
type MessageContent struct {
	MsgType string
	Body    string
}

// MessageEvent is a single event delivered to a room listener.
type MessageEvent struct {
	Type    string
	Sender  string
	Content MessageContent
}

// StateEvent is one entry of a room's state, as included in invites.
type StateEvent struct {
	Type     string
	Sender   string
	StateKey string
	Content  map[string]string
}

// InviteState is the room state snapshot accompanying an invite.
type InviteState struct {
	Events []StateEvent
}

// PresenceEvent announces a change of a user's presence.
type PresenceEvent struct {
	UserID   string
	Presence PresenceState
}

// ToDeviceEvent is an event sent directly to a user's devices, outside any
// room.
type ToDeviceEvent struct {
	Type    string
	Sender  string
	Content map[string]string
}

// Listener callback types. Callbacks run synchronously on the event
// delivery path and must not block.
type (
	MessageListener  func(room Room, event *MessageEvent)
	InviteListener   func(roomID string, state InviteState)
	PresenceListener func(event *PresenceEvent)
	ToDeviceListener func(event *ToDeviceEvent)
)

// Event type constants used on the wire.
const (
	EventTypeMessage   = "m.room.message"
	EventTypeMember    = "m.room.member"
	EventTypeJoinRules = "m.room.join_rules"
	EventTypeToDevice  = "m.to_device_message"

	MsgTypeText = "m.text"

	MembershipInvite = "invite"
	MembershipJoin   = "join"

	JoinRuleInvite = "invite"
	JoinRulePublic = "public"
)

// Room is one broadcast channel the client participates in.
type Room interface {
	// ID returns the opaque room identifier.
	ID() string

	// Aliases lists the human-readable aliases the room is known under,
	// including the canonical one.
	Aliases() []string

	// SendText publishes a single text blob to the room.
	SendText(text string) error

	// InviteUser invites a user into the room.
	InviteUser(userID string) error

	// JoinedMembers lists the users currently joined. With forceResync the
	// membership is fetched fresh instead of served from cache.
	JoinedMembers(forceResync bool) ([]User, error)

	// AddAlias publishes an additional alias for the room on the client's
	// own server.
	AddAlias(alias string) error

	// InviteOnly reports whether the room requires an invite to join.
	InviteOnly() bool

	// SetInviteOnly overrides the locally cached join rule, used when the
	// room state is known from an invite before the first sync.
	SetInviteOnly(inviteOnly bool)

	// OnMessage attaches a message listener to the room.
	OnMessage(listener MessageListener)

	// HasListeners reports whether any message listener is attached.
	HasListeners() bool
}

// Client is the transport's handle on the federated network. All methods
// are safe for concurrent use.
type Client interface {
	// HomeserverURL returns the URL of the client's own server.
	HomeserverURL() string

	// UserID returns the authenticated user id, empty before login.
	UserID() string

	// AccessToken returns the session token, empty before login.
	AccessToken() string

	// Login authenticates an existing account.
	Login(username, password string) error

	// Register creates and authenticates a new account.
	Register(username, password string) error

	// SetCredentials resumes a previous session and probes its validity.
	SetCredentials(userID, accessToken string) error

	// SetDisplayName publishes the display name of the logged-in user.
	SetDisplayName(name string) error

	// GetUser returns directory data for a user id.
	GetUser(userID string) User

	// SearchUserDirectory finds users whose id contains the term.
	SearchUserDirectory(term string) []User

	// JoinRoom joins a room by id or full alias.
	JoinRoom(aliasOrID string) (Room, error)

	// CreateRoom creates a room, optionally aliased, inviting the given
	// users.
	CreateRoom(name string, invitees []string, public bool) (Room, error)

	// Rooms returns all rooms the client is currently joined to, keyed by
	// room id.
	Rooms() map[string]Room

	// Room returns a joined room by id.
	Room(id string) (Room, bool)

	// AccountData reads the account-wide value stored under key.
	AccountData(key string) map[string][]string

	// SetAccountData replaces the account-wide value stored under key.
	SetAccountData(key string, value map[string][]string) error

	// SetPresence announces the client's own presence state.
	SetPresence(state PresenceState) error

	// SendToDevice delivers an event directly to users' devices, keyed by
	// user id.
	SendToDevice(eventType string, contents map[string]string) error

	// OnInvite registers a listener for room invites.
	OnInvite(listener InviteListener)

	// OnPresence registers a listener for presence events.
	OnPresence(listener PresenceListener)

	// OnToDevice registers a listener for device-directed events.
	OnToDevice(listener ToDeviceListener)

	// Stop releases the session and detaches all listeners.
	Stop()
}
