package chatsync

import "reflect"

type mergeOutcome string

const (
	outcomeInserted  mergeOutcome = "inserted"
	outcomeUpdated   mergeOutcome = "updated"
	outcomeUnchanged mergeOutcome = "unchanged"
)

// mergeMessage folds incoming into local, which may be nil. It is the single
// merge rule for both write paths (optimistic local insert and remote echo):
//
//   - identity fields and creation time never change once known,
//   - status only advances (see MessageStatus.Advance),
//   - reader and hide sets grow by union, deletion for everyone is sticky,
//   - content and reactions are last-writer-wins when incoming carries them.
//
// Applying the same incoming twice, or local and remote in either order,
// yields the same message.
func mergeMessage(local, incoming *Message) (*Message, mergeOutcome) {
	if local == nil {
		m := incoming.Clone()
		m.ReadBy = union(m.ReadBy, nil)
		m.HiddenFor = union(m.HiddenFor, nil)
		if m.DeletedForEveryone {
			m.Content, m.MediaURL = "", ""
		}
		return m, outcomeInserted
	}

	m := local.Clone()
	if m.ConversationID == "" {
		m.ConversationID = incoming.ConversationID
	}
	if m.SenderID == "" {
		m.SenderID = incoming.SenderID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = incoming.CreatedAt
	}
	m.Status = local.Status.Advance(incoming.Status)
	if !m.Status.Pending() && m.Status != StatusFailed {
		m.LastError = ""
	}

	if incoming.Content != "" {
		m.Content = incoming.Content
	}
	if incoming.Type != "" {
		m.Type = incoming.Type
	}
	if incoming.MediaURL != "" {
		m.MediaURL = incoming.MediaURL
	}
	if incoming.Reactions != nil {
		m.Reactions = incoming.Clone().Reactions
	}
	m.ReadBy = union(m.ReadBy, incoming.ReadBy)
	m.HiddenFor = union(m.HiddenFor, incoming.HiddenFor)
	m.DeletedForEveryone = m.DeletedForEveryone || incoming.DeletedForEveryone
	if m.DeletedForEveryone {
		m.Content, m.MediaURL = "", ""
	}

	if reflect.DeepEqual(normalized(m), normalized(local)) {
		return m, outcomeUnchanged
	}
	return m, outcomeUpdated
}

// normalized maps empty and nil collections to one form for comparison.
func normalized(m *Message) Message {
	c := *m.Clone()
	if len(c.ReadBy) == 0 {
		c.ReadBy = nil
	}
	if len(c.HiddenFor) == 0 {
		c.HiddenFor = nil
	}
	if len(c.Reactions) == 0 {
		c.Reactions = nil
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c
}
