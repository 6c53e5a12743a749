package world

import "strings"

// Vec2 is a generic 2D float pair used for positions and sizes.
type Vec2 struct {
	X, Y float32
}

// GameTable is the top-level container of one play session's world state.
// At most one is active per process; destroyed wholesale on table-close.
type GameTable struct {
	TableID uint64
	Name    string
	Boards  map[uint64]*Board
}

// NewGameTable builds an empty table ready to accept boards.
func NewGameTable(tableID uint64, name string) *GameTable {
	return &GameTable{
		TableID: tableID,
		Name:    name,
		Boards:  make(map[uint64]*Board),
	}
}

// Board owns a map image and the Markers/Fog placed on it.
type Board struct {
	BoardID uint64
	Name    string
	Size    Vec2
	Grid    Grid
	Image   []byte

	Markers map[uint64]*Marker
	Fog     map[uint64]*Fog
}

// NewBoard builds a board with empty marker/fog maps.
func NewBoard(boardID uint64, name string, size Vec2) *Board {
	return &Board{
		BoardID: boardID,
		Name:    name,
		Size:    size,
		Markers: make(map[uint64]*Marker),
		Fog:     make(map[uint64]*Fog),
	}
}

// MarkerOwner captures whether a non-GM player may move a marker.
type MarkerOwner struct {
	OwnerUserID         string
	AllowAllPlayersMove bool
	Locked              bool
}

// Marker is a token placed on a board.
type Marker struct {
	MarkerID uint64
	BoardID  uint64
	Pos      Vec2
	Size     Vec2
	Visible  bool
	Moving   bool
	Owner    MarkerOwner
	Image    []byte
}

// CanMove reports whether actorUserID may move this marker, given whether
// the actor is the GM. GM authority always wins.
func (m *Marker) CanMove(actorUserID string, actorIsGM bool) bool {
	if actorIsGM {
		return true
	}
	if m.Owner.Locked {
		return false
	}
	return m.Owner.OwnerUserID == actorUserID || m.Owner.AllowAllPlayersMove
}

// Fog is a GM-authoritative concealment rectangle on a board.
type Fog struct {
	FogID   uint64
	BoardID uint64
	Pos     Vec2
	Size    Vec2
	Visible bool
}

// Grid is GM-authoritative display/snap configuration for a board.
type Grid struct {
	Offset     Vec2
	CellSize   float32
	IsHex      bool
	SnapToGrid bool
	Visible    bool
	Opacity    float32
}

// MessageKind classifies ChatMessage content.
type MessageKind uint8

const (
	MessageText MessageKind = iota
	MessageImage
	MessageLink
)

// ChatMessage is one entry in a ChatGroup's history.
type ChatMessage struct {
	MsgID        uint64
	SenderUserID string
	DisplayName  string
	Kind         MessageKind
	Content      string
	TimestampSec int64

	// ReplyToMsgID is 0 when this message is not a reply.
	ReplyToMsgID uint64
	Deleted      bool
}

// GeneralGroupID is the reserved id of the always-present broadcast group.
const GeneralGroupID uint64 = 1

// ChatGroup is either the reserved General group (broadcast, empty
// Participants) or an ad-hoc group addressed to a fixed participant set.
type ChatGroup struct {
	GroupID      uint64
	Name         string
	Participants map[string]struct{}
	OwnerUserID  string
	Messages     []ChatMessage
	Unread       uint32
}

// IsGeneral reports whether this is the reserved broadcast group.
func (g *ChatGroup) IsGeneral() bool {
	return g.GroupID == GeneralGroupID
}

// ClassifyContent infers a MessageKind from raw chat text, the way the
// original client sniffed URL prefixes and image extensions before
// rendering. It performs no network access.
func ClassifyContent(content string) MessageKind {
	if hasImageExt(content) {
		return MessageImage
	}
	if looksLikeURL(content) {
		return MessageLink
	}
	return MessageText
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

var imageExts = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp"}

func hasImageExt(s string) bool {
	// Tolerate a trailing query string, e.g. "...png?raw=1".
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	s = strings.ToLower(s)
	for _, e := range imageExts {
		if strings.HasSuffix(s, e) {
			return true
		}
	}
	return false
}
