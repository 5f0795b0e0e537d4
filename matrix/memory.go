package matrix

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Hub is an in-process federation of homeservers. Every MemoryClient
// attached to the hub shares one room, presence and account-data space,
// which is enough to exercise the full transport without a network.
type Hub struct {
	mu sync.Mutex

	accounts     map[string]map[string]string // server name -> username -> password
	tokens       map[string]string            // user id -> access token
	displayNames map[string]string
	presence     map[string]PresenceState
	accountData  map[string]map[string]map[string][]string // user id -> key -> value

	rooms   map[string]*hubRoom
	aliases map[string]string // full alias -> room id
	clients []*MemoryClient

	roomCounter int
}

// hubRoom is the shared state of one room.
type hubRoom struct {
	id         string
	aliases    []string
	inviteOnly bool
	members    map[string]bool
	invited    map[string]bool
}

// NewHub creates an empty in-memory federation.
func NewHub() *Hub {
	return &Hub{
		accounts:     make(map[string]map[string]string),
		tokens:       make(map[string]string),
		displayNames: make(map[string]string),
		presence:     make(map[string]PresenceState),
		accountData:  make(map[string]map[string]map[string][]string),
		rooms:        make(map[string]*hubRoom),
		aliases:      make(map[string]string),
	}
}

// Client creates a new unauthenticated client homed on the given server
// URL, e.g. "https://one.example".
func (h *Hub) Client(serverURL string) *MemoryClient {
	parsed, err := url.Parse(serverURL)
	serverName := serverURL
	if err == nil && parsed.Host != "" {
		serverName = parsed.Host
	}
	c := &MemoryClient{
		hub:          h,
		serverURL:    serverURL,
		serverName:   serverName,
		msgListeners: make(map[string][]MessageListener),
		roomViews:    make(map[string]*memoryRoom),
	}
	h.mu.Lock()
	h.clients = append(h.clients, c)
	h.mu.Unlock()
	return c
}

func (h *Hub) resolveRoomLocked(aliasOrID string) (*hubRoom, bool) {
	if strings.HasPrefix(aliasOrID, "#") {
		id, ok := h.aliases[aliasOrID]
		if !ok {
			return nil, false
		}
		aliasOrID = id
	}
	room, ok := h.rooms[aliasOrID]
	return room, ok
}

// MemoryClient implements Client against a Hub.
type MemoryClient struct {
	hub        *Hub
	serverURL  string
	serverName string

	mu      sync.Mutex
	userID  string
	token   string
	stopped bool

	msgListeners      map[string][]MessageListener
	inviteListeners   []InviteListener
	presenceListeners []PresenceListener
	toDeviceListeners []ToDeviceListener
	roomViews         map[string]*memoryRoom
}

// HomeserverURL implements Client.
func (c *MemoryClient) HomeserverURL() string { return c.serverURL }

// UserID implements Client.
func (c *MemoryClient) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// AccessToken implements Client.
func (c *MemoryClient) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Login implements Client.
func (c *MemoryClient) Login(username, password string) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	server := h.accounts[c.serverName]
	stored, ok := server[username]
	if !ok || stored != password {
		return &RequestError{Code: 403, Message: "invalid credentials"}
	}
	userID := fmt.Sprintf("@%s:%s", username, c.serverName)
	token := uuid.NewString()
	h.tokens[userID] = token

	c.mu.Lock()
	c.userID = userID
	c.token = token
	c.mu.Unlock()
	return nil
}

// Register implements Client.
func (c *MemoryClient) Register(username, password string) error {
	h := c.hub
	h.mu.Lock()
	server := h.accounts[c.serverName]
	if server == nil {
		server = make(map[string]string)
		h.accounts[c.serverName] = server
	}
	if _, taken := server[username]; taken {
		h.mu.Unlock()
		return &RequestError{Code: 400, Message: "username taken"}
	}
	server[username] = password
	h.mu.Unlock()

	return c.Login(username, password)
}

// SetCredentials implements Client.
func (c *MemoryClient) SetCredentials(userID, accessToken string) error {
	h := c.hub
	h.mu.Lock()
	valid := accessToken != "" && h.tokens[userID] == accessToken
	h.mu.Unlock()
	if !valid {
		return &RequestError{Code: 401, Message: "unknown access token"}
	}
	c.mu.Lock()
	c.userID = userID
	c.token = accessToken
	c.mu.Unlock()
	return nil
}

// SetDisplayName implements Client.
func (c *MemoryClient) SetDisplayName(name string) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	h.displayNames[c.UserID()] = name
	return nil
}

// GetUser implements Client.
func (c *MemoryClient) GetUser(userID string) User {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	return User{ID: userID, DisplayName: h.displayNames[userID]}
}

// SearchUserDirectory implements Client.
func (c *MemoryClient) SearchUserDirectory(term string) []User {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	var users []User
	for userID := range h.tokens {
		if strings.Contains(userID, term) {
			users = append(users, User{ID: userID, DisplayName: h.displayNames[userID]})
		}
	}
	return users
}

// JoinRoom implements Client.
func (c *MemoryClient) JoinRoom(aliasOrID string) (Room, error) {
	h := c.hub
	h.mu.Lock()
	room, ok := h.resolveRoomLocked(aliasOrID)
	if !ok {
		h.mu.Unlock()
		return nil, &RequestError{Code: 404, Message: "room not found: " + aliasOrID}
	}
	userID := c.UserID()
	if room.inviteOnly && !room.members[userID] && !room.invited[userID] {
		h.mu.Unlock()
		return nil, &RequestError{Code: 403, Message: "room requires invite"}
	}
	room.members[userID] = true
	delete(room.invited, userID)
	h.mu.Unlock()

	return c.viewOf(room), nil
}

// CreateRoom implements Client.
func (c *MemoryClient) CreateRoom(name string, invitees []string, public bool) (Room, error) {
	h := c.hub
	userID := c.UserID()

	h.mu.Lock()
	var aliases []string
	if name != "" {
		alias := fmt.Sprintf("#%s:%s", name, c.serverName)
		if _, taken := h.aliases[alias]; taken {
			h.mu.Unlock()
			return nil, &RequestError{Code: 409, Message: "alias taken: " + alias}
		}
		aliases = append(aliases, alias)
	}

	h.roomCounter++
	room := &hubRoom{
		id:         fmt.Sprintf("!room%d:%s", h.roomCounter, c.serverName),
		aliases:    aliases,
		inviteOnly: !public,
		members:    map[string]bool{userID: true},
		invited:    make(map[string]bool),
	}
	h.rooms[room.id] = room
	for _, alias := range aliases {
		h.aliases[alias] = room.id
	}
	for _, invitee := range invitees {
		room.invited[invitee] = true
	}
	h.mu.Unlock()

	for _, invitee := range invitees {
		h.deliverInvite(room, userID, invitee)
	}
	return c.viewOf(room), nil
}

// Rooms implements Client.
func (c *MemoryClient) Rooms() map[string]Room {
	h := c.hub
	userID := c.UserID()

	h.mu.Lock()
	joined := make([]*hubRoom, 0, len(h.rooms))
	for _, room := range h.rooms {
		if room.members[userID] {
			joined = append(joined, room)
		}
	}
	h.mu.Unlock()

	rooms := make(map[string]Room, len(joined))
	for _, room := range joined {
		rooms[room.id] = c.viewOf(room)
	}
	return rooms
}

// Room implements Client.
func (c *MemoryClient) Room(id string) (Room, bool) {
	h := c.hub
	h.mu.Lock()
	room, ok := h.rooms[id]
	joined := ok && room.members[c.UserID()]
	h.mu.Unlock()
	if !joined {
		return nil, false
	}
	return c.viewOf(room), true
}

// AccountData implements Client.
func (c *MemoryClient) AccountData(key string) map[string][]string {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	stored := h.accountData[c.UserID()][key]
	value := make(map[string][]string, len(stored))
	for k, v := range stored {
		value[k] = append([]string(nil), v...)
	}
	return value
}

// SetAccountData implements Client.
func (c *MemoryClient) SetAccountData(key string, value map[string][]string) error {
	copied := make(map[string][]string, len(value))
	for k, v := range value {
		copied[k] = append([]string(nil), v...)
	}

	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	userID := c.UserID()
	if h.accountData[userID] == nil {
		h.accountData[userID] = make(map[string]map[string][]string)
	}
	h.accountData[userID][key] = copied
	return nil
}

// SetPresence implements Client.
func (c *MemoryClient) SetPresence(state PresenceState) error {
	h := c.hub
	userID := c.UserID()

	h.mu.Lock()
	h.presence[userID] = state
	listeners := h.presenceListenersLocked()
	h.mu.Unlock()

	event := &PresenceEvent{UserID: userID, Presence: state}
	for _, listener := range listeners {
		listener(event)
	}
	return nil
}

// SendToDevice implements Client.
func (c *MemoryClient) SendToDevice(eventType string, contents map[string]string) error {
	h := c.hub
	sender := c.UserID()

	type delivery struct {
		listener ToDeviceListener
		event    *ToDeviceEvent
	}
	var deliveries []delivery

	h.mu.Lock()
	for _, client := range h.clients {
		client.mu.Lock()
		body, ok := contents[client.userID]
		if ok && !client.stopped {
			event := &ToDeviceEvent{
				Type:    eventType,
				Sender:  sender,
				Content: map[string]string{"body": body},
			}
			for _, listener := range client.toDeviceListeners {
				deliveries = append(deliveries, delivery{listener, event})
			}
		}
		client.mu.Unlock()
	}
	h.mu.Unlock()

	for _, d := range deliveries {
		d.listener(d.event)
	}
	return nil
}

// OnInvite implements Client.
func (c *MemoryClient) OnInvite(listener InviteListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inviteListeners = append(c.inviteListeners, listener)
}

// OnPresence implements Client.
func (c *MemoryClient) OnPresence(listener PresenceListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceListeners = append(c.presenceListeners, listener)
}

// OnToDevice implements Client.
func (c *MemoryClient) OnToDevice(listener ToDeviceListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toDeviceListeners = append(c.toDeviceListeners, listener)
}

// Stop implements Client.
func (c *MemoryClient) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.msgListeners = make(map[string][]MessageListener)
	c.inviteListeners = nil
	c.presenceListeners = nil
	c.toDeviceListeners = nil
}

func (c *MemoryClient) viewOf(room *hubRoom) *memoryRoom {
	c.mu.Lock()
	defer c.mu.Unlock()
	if view, ok := c.roomViews[room.id]; ok {
		return view
	}
	view := &memoryRoom{client: c, room: room}
	c.roomViews[room.id] = view
	return view
}

// presenceListenersLocked snapshots presence listeners of every live
// client. Hub lock must be held.
func (h *Hub) presenceListenersLocked() []PresenceListener {
	var listeners []PresenceListener
	for _, client := range h.clients {
		client.mu.Lock()
		if !client.stopped {
			listeners = append(listeners, client.presenceListeners...)
		}
		client.mu.Unlock()
	}
	return listeners
}

// deliverInvite fans an invite for room out to the invitee's clients with a
// state snapshot the way a homeserver would assemble it.
func (h *Hub) deliverInvite(room *hubRoom, inviter, invitee string) {
	h.mu.Lock()
	state := InviteState{
		Events: []StateEvent{
			{
				Type:     EventTypeMember,
				Sender:   inviter,
				StateKey: invitee,
				Content:  map[string]string{"membership": MembershipInvite},
			},
			{
				Type:     EventTypeMember,
				Sender:   inviter,
				StateKey: inviter,
				Content: map[string]string{
					"membership":  MembershipJoin,
					"displayname": h.displayNames[inviter],
				},
			},
			{
				Type:   EventTypeJoinRules,
				Sender: inviter,
				Content: map[string]string{
					"join_rule": joinRuleOf(room.inviteOnly),
				},
			},
		},
	}

	type delivery struct {
		listener InviteListener
	}
	var deliveries []delivery
	for _, client := range h.clients {
		client.mu.Lock()
		if client.userID == invitee && !client.stopped {
			for _, listener := range client.inviteListeners {
				deliveries = append(deliveries, delivery{listener})
			}
		}
		client.mu.Unlock()
	}
	h.mu.Unlock()

	for _, d := range deliveries {
		d.listener(room.id, state)
	}
}

func joinRuleOf(inviteOnly bool) string {
	if inviteOnly {
		return JoinRuleInvite
	}
	return JoinRulePublic
}

// memoryRoom is one client's view of a shared room.
type memoryRoom struct {
	client *MemoryClient
	room   *hubRoom

	mu                sync.Mutex
	inviteOnlyLocal   bool
	inviteOnlyIsLocal bool
}

// ID implements Room.
func (r *memoryRoom) ID() string { return r.room.id }

// Aliases implements Room.
func (r *memoryRoom) Aliases() []string {
	h := r.client.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), r.room.aliases...)
}

// SendText implements Room.
func (r *memoryRoom) SendText(text string) error {
	h := r.client.hub
	sender := r.client.UserID()

	type delivery struct {
		listener MessageListener
		view     Room
	}
	var deliveries []delivery

	h.mu.Lock()
	if !r.room.members[sender] {
		h.mu.Unlock()
		return &RequestError{Code: 403, Message: "not a member of room " + r.room.id}
	}
	members := make([]string, 0, len(r.room.members))
	for member := range r.room.members {
		members = append(members, member)
	}
	clients := append([]*MemoryClient(nil), h.clients...)
	h.mu.Unlock()

	event := &MessageEvent{
		Type:    EventTypeMessage,
		Sender:  sender,
		Content: MessageContent{MsgType: MsgTypeText, Body: text},
	}

	for _, client := range clients {
		client.mu.Lock()
		if client.stopped || !containsString(members, client.userID) {
			client.mu.Unlock()
			continue
		}
		listeners := append([]MessageListener(nil), client.msgListeners[r.room.id]...)
		client.mu.Unlock()
		if len(listeners) == 0 {
			continue
		}
		view := client.viewOf(r.room)
		for _, listener := range listeners {
			deliveries = append(deliveries, delivery{listener, view})
		}
	}

	for _, d := range deliveries {
		d.listener(d.view, event)
	}
	return nil
}

// InviteUser implements Room.
func (r *memoryRoom) InviteUser(userID string) error {
	h := r.client.hub
	inviter := r.client.UserID()

	h.mu.Lock()
	if !r.room.members[inviter] {
		h.mu.Unlock()
		return &RequestError{Code: 403, Message: "not a member of room " + r.room.id}
	}
	if r.room.members[userID] {
		h.mu.Unlock()
		return nil
	}
	r.room.invited[userID] = true
	h.mu.Unlock()

	h.deliverInvite(r.room, inviter, userID)
	return nil
}

// JoinedMembers implements Room.
func (r *memoryRoom) JoinedMembers(forceResync bool) ([]User, error) {
	_ = forceResync // hub membership is always current
	h := r.client.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	members := make([]User, 0, len(r.room.members))
	for member := range r.room.members {
		members = append(members, User{ID: member, DisplayName: h.displayNames[member]})
	}
	return members, nil
}

// AddAlias implements Room.
func (r *memoryRoom) AddAlias(alias string) error {
	h := r.client.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, taken := h.aliases[alias]; taken && existing != r.room.id {
		return &RequestError{Code: 409, Message: "alias taken: " + alias}
	}
	h.aliases[alias] = r.room.id
	if !containsString(r.room.aliases, alias) {
		r.room.aliases = append(r.room.aliases, alias)
	}
	return nil
}

// InviteOnly implements Room.
func (r *memoryRoom) InviteOnly() bool {
	r.mu.Lock()
	if r.inviteOnlyIsLocal {
		local := r.inviteOnlyLocal
		r.mu.Unlock()
		return local
	}
	r.mu.Unlock()

	h := r.client.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	return r.room.inviteOnly
}

// SetInviteOnly implements Room.
func (r *memoryRoom) SetInviteOnly(inviteOnly bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inviteOnlyLocal = inviteOnly
	r.inviteOnlyIsLocal = true
}

// OnMessage implements Room.
func (r *memoryRoom) OnMessage(listener MessageListener) {
	c := r.client
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgListeners[r.room.id] = append(c.msgListeners[r.room.id], listener)
	logrus.WithFields(logrus.Fields{
		"function": "OnMessage",
		"room_id":  r.room.id,
		"user_id":  c.userID,
	}).Debug("Attached room message listener")
}

// HasListeners implements Room.
func (r *memoryRoom) HasListeners() bool {
	c := r.client
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgListeners[r.room.id]) > 0
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
