package chatsync

// ParseMessage decodes a message document. Any shape mismatch yields a
// malformed error; the caller drops the record.
func ParseMessage(doc Document) (*Message, error) {
	const op = "parse message"
	d := doc.Data
	if d == nil {
		return nil, malformed(op, "empty document")
	}
	id := doc.ID
	if id == "" {
		id = asString(d["id"])
	}
	m := &Message{
		ID:                 id,
		ConversationID:     asString(d["conversationId"]),
		SenderID:           asString(d["senderId"]),
		Content:            asString(d["content"]),
		Type:               MessageType(asString(d["type"])),
		MediaURL:           asString(d["mediaUrl"]),
		Status:             MessageStatus(asString(d["status"])),
		DeletedForEveryone: asBool(d["deletedForEveryone"]),
	}
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" {
		return nil, malformed(op, "missing id, conversationId or senderId")
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	if !m.Type.valid() {
		return nil, malformed(op, "unknown type "+string(m.Type))
	}
	if !m.Status.Valid() && m.Status != "" {
		return nil, malformed(op, "unknown status "+string(m.Status))
	}
	// A document in the store was sent, whatever its writer recorded.
	if m.Status.rank() < StatusSent.rank() {
		m.Status = StatusSent
	}
	created, ok := asTime(d["createdAt"])
	if !ok {
		return nil, malformed(op, "bad createdAt")
	}
	m.CreatedAt = created.UTC()

	var okR, okH, okX bool
	if m.ReadBy, okR = asStrings(d["readBy"]); !okR {
		return nil, malformed(op, "bad readBy")
	}
	if m.HiddenFor, okH = asStrings(d["hiddenFor"]); !okH {
		return nil, malformed(op, "bad hiddenFor")
	}
	if m.Reactions, okX = asStringsMap(d["reactions"]); !okX {
		return nil, malformed(op, "bad reactions")
	}
	m.ReadBy = union(m.ReadBy, nil)
	m.HiddenFor = union(m.HiddenFor, nil)
	return m, nil
}

// ParseConversation decodes a conversation document.
func ParseConversation(doc Document) (*Conversation, error) {
	const op = "parse conversation"
	d := doc.Data
	if d == nil || doc.ID == "" {
		return nil, malformed(op, "empty document")
	}
	participants, ok := asStrings(d["participants"])
	if !ok || len(participants) == 0 {
		return nil, malformed(op, "bad participants")
	}
	unread, ok := asStrings(d["unreadBy"])
	if !ok {
		return nil, malformed(op, "bad unreadBy")
	}
	c := &Conversation{
		ID:                doc.ID,
		Participants:      participants,
		IsGroup:           asBool(d["isGroup"]),
		Name:              asString(d["name"]),
		CreatedBy:         asString(d["createdBy"]),
		LastMessageText:   asString(d["lastMessageText"]),
		LastMessageSender: asString(d["lastMessageSender"]),
		LastMessageID:     asString(d["lastMessageId"]),
		UnreadBy:          unread,
		LastReadAt:        asTimeMap(d["lastReadAt"]),
	}
	c.CreatedAt, _ = asTime(d["createdAt"])
	c.LastMessageAt, _ = asTime(d["lastMessageAt"])
	return c, nil
}

// ParsePresence decodes a presence document.
func ParsePresence(doc Document) (*Presence, error) {
	d := doc.Data
	if d == nil || doc.ID == "" {
		return nil, malformed("parse presence", "empty document")
	}
	p := &Presence{UserID: doc.ID, Online: asBool(d["online"])}
	p.LastHeartbeat, _ = asTime(d["lastHeartbeat"])
	p.LastSeen, _ = asTime(d["lastSeen"])
	return p, nil
}

// ParseTyping decodes a typing document.
func ParseTyping(doc Document) (*TypingRecord, error) {
	d := doc.Data
	if d == nil || doc.ID == "" {
		return nil, malformed("parse typing", "empty document")
	}
	users, ok := asStrings(d["users"])
	if !ok {
		return nil, malformed("parse typing", "bad users")
	}
	return &TypingRecord{
		ConversationID: doc.ID,
		Users:          users,
		UpdatedAt:      asTimeMap(d["updatedAt"]),
	}, nil
}
