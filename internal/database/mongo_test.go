package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("get room", func(mt *mtest.T) {
		repo := newMongoRepository(mt.Client, mt.DB)
		ns := mt.DB.Name() + "." + roomsCollection

		mt.AddMockResponses(mtest.CreateCursorResponse(1, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "r1"},
			{Key: "isGroup", Value: false},
			{Key: "participants", Value: bson.A{"a", "b"}},
			{Key: "unreadCounts", Value: bson.D{{Key: "b", Value: 2}}},
		}))

		room, err := repo.GetRoom(context.Background(), "r1")
		require.NoError(mt, err)
		assert.Equal(mt, []string{"a", "b"}, room.Participants)
		assert.Equal(mt, 2, room.UnreadCounts["b"], "expected unread counter to decode")
		assert.Equal(mt, 0, room.UnreadCounts["a"], "expected missing counter to default to zero")
	})

	mt.Run("missing room", func(mt *mtest.T) {
		repo := newMongoRepository(mt.Client, mt.DB)
		ns := mt.DB.Name() + "." + roomsCollection

		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		_, err := repo.GetRoom(context.Background(), "missing")
		assert.ErrorIs(mt, err, ErrNotFound, "expected not found, got %v", err)
	})

	mt.Run("mark messages read", func(mt *mtest.T) {
		repo := newMongoRepository(mt.Client, mt.DB)

		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 2},
			bson.E{Key: "nModified", Value: 2},
		))

		n, err := repo.MarkMessagesRead(context.Background(), "r1", "b")
		require.NoError(mt, err)
		assert.Equal(mt, 2, n, "expected modified count to be reported")
	})

	mt.Run("room update failure after insert", func(mt *mtest.T) {
		repo := newMongoRepository(mt.Client, mt.DB)
		ns := mt.DB.Name() + "." + roomsCollection

		mt.AddMockResponses(
			mtest.CreateCursorResponse(1, ns, mtest.FirstBatch, bson.D{
				{Key: "_id", Value: "r1"},
				{Key: "participants", Value: bson.A{"a", "b"}},
			}),
			mtest.CreateSuccessResponse(),
			mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Message: "bad value", Name: "BadValue"}),
		)

		_, err := repo.SaveMessage(context.Background(), CreateMessageParams{RoomId: "r1", SenderId: "a", Content: "hello"})
		require.Error(mt, err, "expected partial failure to be reported")
		assert.Contains(mt, err.Error(), "update room after message", "expected error to name the failed step")
	})
}
