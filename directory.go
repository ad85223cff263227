package chatsync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Directory resolves conversations and owns their last-message and unread
// denormalization.
type Directory struct {
	remote RemoteStore
	log    zerolog.Logger
	opts   Options

	mu      sync.RWMutex
	members map[string][]string
}

// NewDirectory creates a directory over remote.
func NewDirectory(remote RemoteStore, opts ...Option) *Directory {
	o := buildOptions(opts)
	return &Directory{
		remote:  remote,
		log:     o.Logger.With().Str("component", "directory").Logger(),
		opts:    o,
		members: make(map[string][]string),
	}
}

func participantsQuery(userID string) Query {
	return Query{Collection: CollectionConversations}.Where("participants", OpArrayContains, userID)
}

// FindOrCreate returns the one-to-one conversation of userA and userB,
// creating it when none exists. The search and the create are not atomic, so
// two devices racing can both create one; the earliest created match wins
// on every later lookup.
func (d *Directory) FindOrCreate(ctx context.Context, userA, userB string) (*Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, fmt.Errorf("find or create conversation: need two distinct users, got %q and %q", userA, userB)
	}
	docs, err := d.remote.Query(ctx, participantsQuery(userA))
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	var matches []*Conversation
	for _, doc := range docs {
		c, err := ParseConversation(doc)
		if err != nil {
			d.log.Warn().Err(err).Str("conversation_id", doc.ID).Msg("skipping malformed conversation")
			continue
		}
		if c.isDirectPair(userA, userB) {
			matches = append(matches, c)
		}
	}
	if len(matches) > 0 {
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
				return matches[i].ID < matches[j].ID
			}
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		})
		if len(matches) > 1 {
			d.log.Warn().Str("user_a", userA).Str("user_b", userB).Int("count", len(matches)).
				Msg("duplicate one-to-one conversations")
		}
		d.remember(matches[0])
		return matches[0], nil
	}

	return d.create(ctx, userA, union([]string{userA, userB}, nil), false, "")
}

// CreateGroup creates a group conversation of creator and members.
func (d *Directory) CreateGroup(ctx context.Context, creator string, members []string, name string) (*Conversation, error) {
	participants := union(members, []string{creator})
	if creator == "" || len(participants) < 2 {
		return nil, fmt.Errorf("create group: need a creator and at least one other member")
	}
	return d.create(ctx, creator, participants, true, name)
}

func (d *Directory) create(ctx context.Context, creator string, participants []string, group bool, name string) (*Conversation, error) {
	c := &Conversation{
		ID:           uuid.NewString(),
		Participants: participants,
		IsGroup:      group,
		Name:         name,
		CreatedBy:    creator,
		CreatedAt:    d.opts.Now().UTC(),
	}
	data := map[string]any{
		"participants": stringsToAny(participants),
		"isGroup":      group,
		"createdBy":    creator,
		"createdAt":    ServerTimestamp(),
		"unreadBy":     []any{},
	}
	if name != "" {
		data["name"] = name
	}
	if err := d.remote.Set(ctx, CollectionConversations, c.ID, data, false); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	d.log.Debug().Str("conversation_id", c.ID).Bool("group", group).Msg("conversation created")
	d.remember(c)
	return c, nil
}

// Get reads a conversation.
func (d *Directory) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	doc, err := d.remote.Get(ctx, CollectionConversations, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}
	c, err := ParseConversation(*doc)
	if err != nil {
		return nil, err
	}
	d.remember(c)
	return c, nil
}

// Participants returns the members of a conversation, reading it once and
// serving later calls from memory.
func (d *Directory) Participants(ctx context.Context, conversationID string) ([]string, error) {
	d.mu.RLock()
	members, ok := d.members[conversationID]
	d.mu.RUnlock()
	if ok {
		return append([]string(nil), members...), nil
	}
	c, err := d.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return c.Participants, nil
}

func (d *Directory) remember(c *Conversation) {
	d.mu.Lock()
	d.members[c.ID] = append([]string(nil), c.Participants...)
	d.mu.Unlock()
}

// LastMessageWrite builds the last-message update of a conversation. The
// unread set is every participant except the sender.
func (d *Directory) LastMessageWrite(conversationID string, m *Message, senderID string, participants []string) Write {
	return Write{
		Kind:       WriteUpdate,
		Collection: CollectionConversations,
		ID:         conversationID,
		Data: map[string]any{
			"lastMessageText":   previewText(m),
			"lastMessageAt":     m.CreatedAt.UTC(),
			"lastMessageSender": senderID,
			"lastMessageId":     m.ID,
			"unreadBy":          stringsToAny(without(participants, senderID)),
			"updatedAt":         ServerTimestamp(),
		},
	}
}

// LastMessageWriteFor is LastMessageWrite unless the conversation already
// shows a later message, as after resending an old failed one. The update
// then only marks the recipients unread and the preview stays. A failed read
// falls back to LastMessageWrite.
func (d *Directory) LastMessageWriteFor(ctx context.Context, conversationID string, m *Message, senderID string, participants []string) Write {
	w := d.LastMessageWrite(conversationID, m, senderID, participants)
	c, err := d.Get(ctx, conversationID)
	if err != nil {
		d.log.Debug().Err(err).Str("conversation_id", conversationID).Msg("last message unknown, overwriting")
		return w
	}
	if !c.LastMessageAt.IsZero() && m.CreatedAt.Before(c.LastMessageAt) {
		w.Data = map[string]any{
			"unreadBy":  ArrayUnion(stringsToAny(without(participants, senderID))...),
			"updatedAt": ServerTimestamp(),
		}
	}
	return w
}

// UpdateLastMessage writes the last-message metadata of a conversation.
func (d *Directory) UpdateLastMessage(ctx context.Context, conversationID string, m *Message, senderID string, participants []string) error {
	w := d.LastMessageWrite(conversationID, m, senderID, participants)
	if err := d.remote.Update(ctx, w.Collection, w.ID, w.Data); err != nil {
		return fmt.Errorf("update last message of %s: %w", conversationID, err)
	}
	return nil
}

// MarkRead clears userID from the unread set and stamps their read time.
func (d *Directory) MarkRead(ctx context.Context, conversationID, userID string) error {
	err := d.remote.Update(ctx, CollectionConversations, conversationID, map[string]any{
		"unreadBy":             ArrayRemove(userID),
		"lastReadAt." + userID: ServerTimestamp(),
	})
	if err != nil {
		return fmt.Errorf("mark %s read: %w", conversationID, err)
	}
	return nil
}

// Inbox lists userID's conversations, most recent activity first.
func (d *Directory) Inbox(ctx context.Context, userID string) ([]*Conversation, error) {
	q := participantsQuery(userID)
	q.OrderBy, q.Descending = "lastMessageAt", true
	docs, err := d.remote.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	out := make([]*Conversation, 0, len(docs))
	for _, doc := range docs {
		c, err := ParseConversation(doc)
		if err != nil {
			d.log.Warn().Err(err).Str("conversation_id", doc.ID).Msg("skipping malformed conversation")
			continue
		}
		d.remember(c)
		out = append(out, c)
	}
	return out, nil
}

// Watch streams userID's inbox. fn receives the full ordered list after
// every change.
func (d *Directory) Watch(ctx context.Context, userID string, fn func([]*Conversation)) (Subscription, error) {
	convs := make(map[string]*Conversation)
	return d.remote.Subscribe(ctx, participantsQuery(userID), func(ch Change) {
		if ch.Kind == ChangeRemoved {
			delete(convs, ch.Doc.ID)
		} else {
			c, err := ParseConversation(ch.Doc)
			if err != nil {
				d.log.Warn().Err(err).Str("conversation_id", ch.Doc.ID).Msg("dropping malformed conversation change")
				return
			}
			d.remember(c)
			convs[c.ID] = c
		}
		list := make([]*Conversation, 0, len(convs))
		for _, c := range convs {
			list = append(list, c)
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].LastMessageAt.Equal(list[j].LastMessageAt) {
				return list[i].ID < list[j].ID
			}
			return list[i].LastMessageAt.After(list[j].LastMessageAt)
		})
		fn(list)
	})
}

func previewText(m *Message) string {
	if m.DeletedForEveryone {
		return ""
	}
	if m.Content != "" || m.Type == TypeText || m.Type == "" {
		return m.Content
	}
	return "[" + string(m.Type) + "]"
}
