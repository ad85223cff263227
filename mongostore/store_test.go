package mongostore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/prismer-ai/chatsync"
)

func TestUpdateDoc(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	got := updateDoc(map[string]any{
		"lastMessageText":    "hi",
		"lastMessageAt":      at,
		"unreadBy":           []string{"bob"},
		"updatedAt":          chatsync.ServerTimestamp(),
		"users":              chatsync.ArrayUnion("alice"),
		"hiddenFor":          chatsync.ArrayRemove("carol"),
		"updatedAt.alice":    chatsync.DeleteField(),
		"reactions.heart":    chatsync.ArrayUnion("dave", "erin"),
		"lastReadAt.bob":     chatsync.ServerTimestamp(),
		"deletedForEveryone": true,
	})

	assert.Equal(t, bson.M{
		"lastMessageText":    "hi",
		"lastMessageAt":      at,
		"unreadBy":           bson.A{"bob"},
		"deletedForEveryone": true,
	}, got["$set"])
	assert.Equal(t, bson.M{updatedAtField: true, "updatedAt": true, "lastReadAt.bob": true}, got["$currentDate"])
	assert.Equal(t, bson.M{
		"users":           bson.M{"$each": bson.A{"alice"}},
		"reactions.heart": bson.M{"$each": bson.A{"dave", "erin"}},
	}, got["$addToSet"])
	assert.Equal(t, bson.M{"hiddenFor": bson.M{"$in": bson.A{"carol"}}}, got["$pull"])
	assert.Equal(t, bson.M{"updatedAt.alice": ""}, got["$unset"])
}

func TestUpdateDoc_OmitsEmptyOperators(t *testing.T) {
	got := updateDoc(map[string]any{"content": "x"})
	assert.Len(t, got, 2)
	assert.Contains(t, got, "$set")
	assert.Contains(t, got, "$currentDate")
}

func TestReplacementDoc(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	got := replacementDoc(map[string]any{
		"participants": []string{"a", "b"},
		"createdAt":    chatsync.ServerTimestamp(),
		"unreadBy":     chatsync.ArrayUnion("b"),
		"gone":         chatsync.DeleteField(),
	}, now)
	assert.Equal(t, now, got["createdAt"])
	assert.Equal(t, now, got[updatedAtField])
	assert.Equal(t, []any{"a", "b"}, got["participants"])
	assert.Equal(t, []any{"b"}, got["unreadBy"])
	assert.NotContains(t, got, "gone")
}

func TestFromBSON(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	doc := fromBSON("messages", bson.M{
		"_id":          "m1",
		updatedAtField: primitive.NewDateTimeFromTime(at),
		"createdAt":    primitive.NewDateTimeFromTime(at),
		"readBy":       bson.A{"bob"},
		"count":        int32(3),
		"reactions":    bson.M{"heart": bson.A{"carol"}},
		"meta":         bson.D{{Key: "n", Value: int64(7)}},
	})
	assert.Equal(t, "m1", doc.ID)
	assert.Equal(t, "messages", doc.Collection)
	assert.True(t, at.Equal(doc.UpdateTime))
	assert.NotContains(t, doc.Data, "_id")
	assert.NotContains(t, doc.Data, updatedAtField)
	assert.Equal(t, at, doc.Data["createdAt"])
	assert.Equal(t, []any{"bob"}, doc.Data["readBy"])
	assert.Equal(t, float64(3), doc.Data["count"])
	assert.Equal(t, map[string]any{"heart": []any{"carol"}}, doc.Data["reactions"])
	assert.Equal(t, map[string]any{"n": float64(7)}, doc.Data["meta"])

	m, err := chatsync.ParseMessage(fromBSON("messages", bson.M{
		"_id":            "m2",
		"conversationId": "c1",
		"senderId":       "alice",
		"content":        "hello",
		"createdAt":      primitive.NewDateTimeFromTime(at),
		"readBy":         bson.A{"bob"},
	}))
	require.NoError(t, err)
	assert.Equal(t, chatsync.StatusSent, m.Status)
	assert.Equal(t, []string{"bob"}, m.ReadBy)
}

func TestFilterAndSort(t *testing.T) {
	q := chatsync.Query{Collection: "conversations", OrderBy: "lastMessageAt", Descending: true}.
		Where("participants", chatsync.OpArrayContains, "alice")
	assert.Equal(t, bson.D{{Key: "participants", Value: "alice"}}, filterFor(q))
	assert.Equal(t, bson.D{{Key: "lastMessageAt", Value: -1}, {Key: "_id", Value: 1}}, sortFor(q))
	assert.Equal(t, bson.D{{Key: "_id", Value: 1}}, sortFor(chatsync.Query{Collection: "x"}))
}

func TestTranslate(t *testing.T) {
	q := chatsync.Query{Collection: "messages"}.Where("conversationId", chatsync.OpEqual, "c1")
	known := map[string]bool{}
	ev := func(op, id, conv string) changeEvent {
		e := changeEvent{OperationType: op}
		e.DocumentKey.ID = id
		if conv != "" {
			e.FullDocument = bson.M{"_id": id, "conversationId": conv}
		}
		return e
	}

	tests := []struct {
		name string
		ev   changeEvent
		kind chatsync.ChangeKind
		ok   bool
	}{
		{"insert outside query", ev("insert", "m0", "c2"), "", false},
		{"insert matching", ev("insert", "m1", "c1"), chatsync.ChangeAdded, true},
		{"update matching", ev("update", "m1", "c1"), chatsync.ChangeModified, true},
		{"moved out", ev("replace", "m1", "c2"), chatsync.ChangeRemoved, true},
		{"moved back", ev("update", "m1", "c1"), chatsync.ChangeAdded, true},
		{"lookup missed", ev("update", "m1", ""), "", false},
		{"delete known", ev("delete", "m1", ""), chatsync.ChangeRemoved, true},
		{"delete unknown", ev("delete", "m9", ""), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, ok := translate(q, tt.ev, known)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.kind, ch.Kind)
				assert.Equal(t, tt.ev.DocumentKey.ID, ch.Doc.ID)
			}
		})
	}
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError("get", nil))
	assert.True(t, chatsync.IsNotFound(mapError("get", mongo.ErrNoDocuments)))
	assert.True(t, errors.Is(mapError("get", context.Canceled), context.Canceled))
	assert.True(t, chatsync.IsPermission(mapError("update", mongo.CommandError{Code: 13, Message: "not authorized"})))
	assert.True(t, chatsync.IsMalformed(mapError("update", mongo.CommandError{Code: 2, Message: "bad value"})))
	assert.True(t, chatsync.IsTransient(mapError("update", errors.New("socket closed"))))
}
