// Package chat implements the Chat Manager: the General broadcast group,
// ad-hoc groups addressed by a stable hash of their participant set,
// slash-command expansion, and the reply-preview/edit/delete/reaction
// features carried over from the original implementation.
package chat

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rustyguts/runic/internal/world"
)

const maxMsgOwners = 10000
const replyPreviewMaxLen = 100

// Delivery describes who a ChatMessage must be sent to.
type Delivery int

const (
	DeliveryBroadcast Delivery = iota
	DeliveryTargeted
)

// ReplyPreview is a truncated summary of a prior message, for rendering
// "replying to ..." UI without resending the whole message.
type ReplyPreview struct {
	MsgID    uint64
	Username string
	Message  string
	Deleted  bool
}

type storedMessage struct {
	msgID     uint64
	senderID  string
	username  string
	content   string
	groupID   uint64
	deleted   bool
}

// ReactionInfo aggregates the users who reacted to a message with a given
// emoji.
type ReactionInfo struct {
	Emoji string
	Users []string
}

type reaction struct {
	userID string
	emoji  string
}

// Manager owns all ChatGroups for one table, including the reserved
// General group, and the bounded message-ownership/reaction/preview store
// backing edit, delete, and reaction authorization.
type Manager struct {
	groups map[uint64]*world.ChatGroup

	msgOwners    map[uint64]string // msgId -> senderUserId, for edit/delete auth
	msgOwnerKeys []uint64          // eviction order

	msgStore    map[uint64]*storedMessage
	msgStoreKeys []uint64

	reactions map[uint64][]reaction
}

// New creates a Manager with the General group already present.
func New() *Manager {
	m := &Manager{
		groups:    make(map[uint64]*world.ChatGroup),
		msgOwners: make(map[uint64]string),
		msgStore:  make(map[uint64]*storedMessage),
		reactions: make(map[uint64][]reaction),
	}
	m.groups[world.GeneralGroupID] = &world.ChatGroup{
		GroupID:      world.GeneralGroupID,
		Name:         "General",
		Participants: map[string]struct{}{},
	}
	return m
}

// StableGroupID derives a deterministic 64-bit id from a sorted
// participant set, so any peer proposing the same set arrives at the same
// group id without coordination. Uses FNV-1a, matching the bit-mixing
// style of a simple non-cryptographic stable hash.
func StableGroupID(participants []string) uint64 {
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)

	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, p := range sorted {
		for i := 0; i < len(p); i++ {
			h ^= uint64(p[i])
			h *= prime64
		}
		h ^= uint64('\x1f') // separator byte between participant names
		h *= prime64
	}
	if h == world.GeneralGroupID {
		// Vanishingly unlikely, but General's id is reserved.
		h++
	}
	return h
}

// CreateOrUpdateGroup creates a new ad-hoc group for the given participant
// set, or — if a group with that exact participant set already exists —
// renames it instead, since participants are the primary key modulo
// General.
func (m *Manager) CreateOrUpdateGroup(name string, participants []string, ownerUserID string) *world.ChatGroup {
	groupID := StableGroupID(participants)
	if g, ok := m.groups[groupID]; ok {
		g.Name = name
		return g
	}
	set := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		set[p] = struct{}{}
	}
	g := &world.ChatGroup{
		GroupID:      groupID,
		Name:         name,
		Participants: set,
		OwnerUserID:  ownerUserID,
	}
	m.groups[groupID] = g
	return g
}

// DeleteGroup removes an ad-hoc group. Deleting General is always
// forbidden.
func (m *Manager) DeleteGroup(groupID uint64) error {
	if groupID == world.GeneralGroupID {
		return fmt.Errorf("chat: General group cannot be deleted")
	}
	delete(m.groups, groupID)
	return nil
}

// Group returns the group by id, or nil if unknown.
func (m *Manager) Group(groupID uint64) *world.ChatGroup {
	return m.groups[groupID]
}

// Groups returns every known group, General included, for bootstrapping a
// newly connected peer with current chat-group metadata.
func (m *Manager) Groups() []*world.ChatGroup {
	out := make([]*world.ChatGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	return out
}

// DeliveryFor reports how a message addressed to groupID must be sent.
func (m *Manager) DeliveryFor(groupID uint64) Delivery {
	g, ok := m.groups[groupID]
	if !ok || g.IsGeneral() || len(g.Participants) == 0 {
		return DeliveryBroadcast
	}
	return DeliveryTargeted
}

// AppendMessage appends msg to groupID's history (the owning component
// calls this both for a locally authored send, optimistically, and for a
// decoded remote message), and records it for reply-preview/edit/delete
// lookups.
func (m *Manager) AppendMessage(groupID uint64, msg world.ChatMessage, focused bool) error {
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("chat: unknown group %d", groupID)
	}
	g.Messages = append(g.Messages, msg)
	if !focused {
		g.Unread++
	}

	m.msgOwners[msg.MsgID] = msg.SenderUserID
	m.msgOwnerKeys = append(m.msgOwnerKeys, msg.MsgID)
	for len(m.msgOwnerKeys) > maxMsgOwners {
		delete(m.msgOwners, m.msgOwnerKeys[0])
		m.msgOwnerKeys = m.msgOwnerKeys[1:]
	}

	m.msgStore[msg.MsgID] = &storedMessage{
		msgID: msg.MsgID, senderID: msg.SenderUserID, username: msg.DisplayName,
		content: msg.Content, groupID: groupID,
	}
	m.msgStoreKeys = append(m.msgStoreKeys, msg.MsgID)
	for len(m.msgStoreKeys) > maxMsgOwners {
		evictID := m.msgStoreKeys[0]
		delete(m.msgStore, evictID)
		m.msgStoreKeys = m.msgStoreKeys[1:]
	}
	return nil
}

// MessageOwner returns the senderUserId that authored msgID, for edit/
// delete authorization.
func (m *Manager) MessageOwner(msgID uint64) (string, bool) {
	id, ok := m.msgOwners[msgID]
	return id, ok
}

// EditMessage updates stored content for msgID if actorUserID owns it.
func (m *Manager) EditMessage(msgID uint64, actorUserID, newContent string) error {
	owner, ok := m.msgOwners[msgID]
	if !ok || owner != actorUserID {
		return fmt.Errorf("chat: actor %q may not edit message %d", actorUserID, msgID)
	}
	s, ok := m.msgStore[msgID]
	if !ok {
		return nil
	}
	s.content = newContent
	if g, ok := m.groups[s.groupID]; ok {
		for i := range g.Messages {
			if g.Messages[i].MsgID == msgID {
				g.Messages[i].Content = newContent
			}
		}
	}
	return nil
}

// DeleteMessage tombstones msgID (content cleared, Deleted set) so reply
// previews referencing it still render, if actorUserID owns it or is the
// GM.
func (m *Manager) DeleteMessage(msgID uint64, actorUserID string, actorIsGM bool) error {
	owner, ok := m.msgOwners[msgID]
	if !ok {
		return fmt.Errorf("chat: unknown message %d", msgID)
	}
	if owner != actorUserID && !actorIsGM {
		return fmt.Errorf("chat: actor %q may not delete message %d", actorUserID, msgID)
	}
	if s, ok := m.msgStore[msgID]; ok {
		s.deleted = true
		s.content = ""
		if g, ok := m.groups[s.groupID]; ok {
			for i := range g.Messages {
				if g.Messages[i].MsgID == msgID {
					g.Messages[i].Deleted = true
					g.Messages[i].Content = ""
				}
			}
		}
	}
	return nil
}

// Preview returns a truncated reply preview for msgID, or nil if unknown.
func (m *Manager) Preview(msgID uint64) *ReplyPreview {
	s, ok := m.msgStore[msgID]
	if !ok {
		return nil
	}
	content := s.content
	if len(content) > replyPreviewMaxLen {
		content = content[:replyPreviewMaxLen] + "..."
	}
	return &ReplyPreview{MsgID: s.msgID, Username: s.username, Message: content, Deleted: s.deleted}
}

// AddReaction records userID's emoji reaction on msgID. Returns false if
// that exact (user, emoji) reaction already exists.
func (m *Manager) AddReaction(msgID uint64, userID, emoji string) bool {
	for _, rx := range m.reactions[msgID] {
		if rx.userID == userID && rx.emoji == emoji {
			return false
		}
	}
	m.reactions[msgID] = append(m.reactions[msgID], reaction{userID: userID, emoji: emoji})
	return true
}

// RemoveReaction removes userID's emoji reaction from msgID. Returns false
// if it did not exist.
func (m *Manager) RemoveReaction(msgID uint64, userID, emoji string) bool {
	rxs := m.reactions[msgID]
	for i, rx := range rxs {
		if rx.userID == userID && rx.emoji == emoji {
			m.reactions[msgID] = append(rxs[:i], rxs[i+1:]...)
			if len(m.reactions[msgID]) == 0 {
				delete(m.reactions, msgID)
			}
			return true
		}
	}
	return false
}

// Reactions returns aggregated reaction info for msgID, one entry per
// distinct emoji.
func (m *Manager) Reactions(msgID uint64) []ReactionInfo {
	rxs := m.reactions[msgID]
	if len(rxs) == 0 {
		return nil
	}
	byEmoji := make(map[string][]string)
	var order []string
	for _, rx := range rxs {
		if _, seen := byEmoji[rx.emoji]; !seen {
			order = append(order, rx.emoji)
		}
		byEmoji[rx.emoji] = append(byEmoji[rx.emoji], rx.userID)
	}
	out := make([]ReactionInfo, 0, len(order))
	for _, emoji := range order {
		out = append(out, ReactionInfo{Emoji: emoji, Users: byEmoji[emoji]})
	}
	return out
}

// ExpandSlashCommand parses a locally-entered chat line for a recognized
// slash command and, if matched, returns the system-rendered result text
// to send as a normal ChatMessage authored by "System". The second return
// value is false when text is not a recognized command (callers should
// send text unmodified in that case).
func ExpandSlashCommand(text string, roll func(n, sides int, modifier int) (result int, rolls []int)) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/roll ") && text != "/roll" {
		return "", false
	}
	expr := strings.TrimSpace(strings.TrimPrefix(text, "/roll"))
	n, sides, modifier, err := parseDiceExpr(expr)
	if err != nil {
		return fmt.Sprintf("invalid roll expression %q: %v", expr, err), true
	}
	result, rolls := roll(n, sides, modifier)
	parts := make([]string, len(rolls))
	for i, r := range rolls {
		parts[i] = strconv.Itoa(r)
	}
	sign := "+"
	if modifier < 0 {
		sign = "-"
	}
	modStr := ""
	if modifier != 0 {
		modStr = fmt.Sprintf(" %s %d", sign, abs(modifier))
	}
	return fmt.Sprintf("rolled %dd%d%s: [%s] = %d", n, sides, modStr, strings.Join(parts, ", "), result), true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// parseDiceExpr parses "NdM+K" / "NdM-K" / "NdM" into its components.
func parseDiceExpr(expr string) (n, sides, modifier int, err error) {
	body := expr
	modifier = 0
	if i := strings.IndexAny(body, "+-"); i > 0 {
		sign := 1
		if body[i] == '-' {
			sign = -1
		}
		k, perr := strconv.Atoi(strings.TrimSpace(body[i+1:]))
		if perr != nil {
			return 0, 0, 0, fmt.Errorf("bad modifier: %w", perr)
		}
		modifier = sign * k
		body = body[:i]
	}

	dIdx := strings.IndexByte(body, 'd')
	if dIdx < 0 {
		dIdx = strings.IndexByte(body, 'D')
	}
	if dIdx < 0 {
		return 0, 0, 0, fmt.Errorf("missing 'd' separator")
	}
	nPart := strings.TrimSpace(body[:dIdx])
	mPart := strings.TrimSpace(body[dIdx+1:])
	if nPart == "" {
		n = 1
	} else {
		n, err = strconv.Atoi(nPart)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("bad dice count: %w", err)
		}
	}
	sides, err = strconv.Atoi(mPart)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad die size: %w", err)
	}
	if n <= 0 || sides <= 0 {
		return 0, 0, 0, fmt.Errorf("dice count and sides must be positive")
	}
	return n, sides, modifier, nil
}
