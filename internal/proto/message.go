package proto

// Inbound is a client request on the structured transport. One JSON object
// per WebSocket message; Type selects the operation and the remaining fields
// are filled as that operation needs them.
type Inbound struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Room     string `json:"room,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Inbound message types.
const (
	TypeRegister = "register"
	TypeLogin    = "login"
	TypeJoin     = "join"
	TypeLeave    = "leave"
	TypeMessage  = "message"
	TypeRooms    = "rooms"
	TypeWho      = "who"
)

// Server push types.
const (
	TypeSystem  = "system"
	TypeHistory = "history"
)

// System notice event names.
const (
	EventWelcome    = "welcome"
	EventError      = "error"
	EventRegistered = "registered"
	EventLogin      = "login"
	EventJoined     = "joined"
	EventLeft       = "left"
	EventPM         = "pm"
)

// System is a server-pushed notice.
type System struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Text  string `json:"text"`
}

// History replays recent room messages as pre-rendered lines.
type History struct {
	Type  string   `json:"type"`
	Lines []string `json:"lines"`
}

// Message is a room chat message pushed to clients.
type Message struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Rooms lists live room names.
type Rooms struct {
	Type  string   `json:"type"`
	Rooms []string `json:"rooms"`
}

// Who lists the members of the requester's current room.
type Who struct {
	Type  string   `json:"type"`
	Room  string   `json:"room"`
	Users []string `json:"users"`
}
