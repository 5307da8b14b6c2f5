package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection         = "users"
	roomsCollection         = "rooms"
	messagesCollection      = "messages"
	notificationsCollection = "notifications"
)

type userDoc struct {
	Id       string `bson:"_id"`
	Username string `bson:"username"`
	Name     string `bson:"name,omitempty"`
	Avatar   string `bson:"avatar,omitempty"`
}

type roomDoc struct {
	Id           string              `bson:"_id"`
	Name         string              `bson:"name,omitempty"`
	IsGroup      bool                `bson:"isGroup"`
	Participants []string            `bson:"participants"`
	LastMessage  *primitive.ObjectID `bson:"lastMessage,omitempty"`
	UnreadCounts map[string]int      `bson:"unreadCounts"`
	CreatedAt    time.Time           `bson:"createdAt"`
	UpdatedAt    time.Time           `bson:"updatedAt"`
}

type attachmentDoc struct {
	Data        []byte `bson:"data,omitempty"`
	Url         string `bson:"url,omitempty"`
	ContentType string `bson:"contentType"`
	Type        string `bson:"type"`
	Name        string `bson:"name"`
	Size        int64  `bson:"size"`
}

type messageDoc struct {
	Id          primitive.ObjectID `bson:"_id"`
	Room        string             `bson:"room"`
	Sender      string             `bson:"sender"`
	Content     string             `bson:"content"`
	Attachments []attachmentDoc    `bson:"attachments"`
	MessageType string             `bson:"messageType"`
	ReadBy      []string           `bson:"readBy"`
	CreatedAt   time.Time          `bson:"createdAt"`
}

type notificationDoc struct {
	Id        primitive.ObjectID `bson:"_id"`
	Recipient string             `bson:"recipient"`
	Sender    string             `bson:"sender"`
	Type      string             `bson:"type"`
	Message   string             `bson:"message"`
	Link      string             `bson:"link,omitempty"`
	Read      bool               `bson:"read"`
	CreatedAt time.Time          `bson:"createdAt"`
}

// MongoRepository stores rooms as documents carrying an unreadCounts map.
// Saving a message is two writes: a failure of the room update leaves the
// message persisted and is reported to the caller.
type MongoRepository struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

func NewMongoRepository(ctx context.Context, uri, database string) (*MongoRepository, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	return newMongoRepository(client, client.Database(database)), nil
}

func newMongoRepository(client *mongo.Client, db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		client: client,
		db:     db,
		now:    func() time.Time { return time.Now().UTC().Round(time.Millisecond) },
	}
}

// EnsureIndexes creates the indexes the queries below rely on.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.db.Collection(roomsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "participants", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("rooms index: %w", err)
	}

	_, err = m.db.Collection(messagesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("messages index: %w", err)
	}

	_, err = m.db.Collection(notificationsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "recipient", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("notifications index: %w", err)
	}
	return nil
}

func (m *MongoRepository) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoRepository) GetUser(ctx context.Context, id string) (User, error) {
	var doc userDoc
	err := m.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return User{}, fmt.Errorf("user %q: %w", id, ErrNotFound)
		}
		return User{}, fmt.Errorf("find user: %w", err)
	}

	return User{Id: doc.Id, Username: doc.Username, Name: doc.Name, Avatar: doc.Avatar}, nil
}

func (m *MongoRepository) GetRoom(ctx context.Context, id string) (Room, error) {
	var doc roomDoc
	err := m.db.Collection(roomsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Room{}, fmt.Errorf("room %q: %w", id, ErrNotFound)
		}
		return Room{}, fmt.Errorf("find room: %w", err)
	}
	return doc.toRoom(), nil
}

func (d roomDoc) toRoom() Room {
	r := Room{
		Id:           d.Id,
		Name:         d.Name,
		IsGroup:      d.IsGroup,
		Participants: d.Participants,
		UnreadCounts: d.UnreadCounts,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if r.UnreadCounts == nil {
		r.UnreadCounts = make(map[string]int)
	}
	if d.LastMessage != nil {
		r.LastMessageId = d.LastMessage.Hex()
	}
	return r
}

func (m *MongoRepository) ListRoomsForUser(ctx context.Context, userId string) ([]Room, error) {
	cur, err := m.db.Collection(roomsCollection).Find(ctx,
		bson.M{"participants": userId},
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find rooms: %w", err)
	}

	var docs []roomDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}

	rooms := make([]Room, 0, len(docs))
	for _, d := range docs {
		rooms = append(rooms, d.toRoom())
	}
	return rooms, nil
}

func (m *MongoRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	n, err := m.db.Collection(usersCollection).CountDocuments(ctx, bson.M{"_id": bson.M{"$in": params.Participants}})
	if err != nil {
		return Room{}, fmt.Errorf("count participants: %w", err)
	}
	if int(n) != len(params.Participants) {
		return Room{}, fmt.Errorf("participants: %w", ErrNotFound)
	}

	now := m.now()
	doc := roomDoc{
		Id:           params.Id,
		Name:         params.Name,
		IsGroup:      len(params.Participants) > 2,
		Participants: params.Participants,
		UnreadCounts: make(map[string]int),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, p := range params.Participants {
		doc.UnreadCounts[p] = 0
	}

	if _, err := m.db.Collection(roomsCollection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Room{}, fmt.Errorf("room %q: %w", params.Id, ErrConflict)
		}
		return Room{}, fmt.Errorf("insert room: %w", err)
	}
	return doc.toRoom(), nil
}

func (m *MongoRepository) SaveMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	room, err := m.GetRoom(ctx, params.RoomId)
	if err != nil {
		return Message{}, err
	}

	doc := messageDoc{
		Id:          primitive.NewObjectID(),
		Room:        params.RoomId,
		Sender:      params.SenderId,
		Content:     params.Content,
		MessageType: params.MessageType,
		Attachments: make([]attachmentDoc, 0, len(params.Attachments)),
		ReadBy:      []string{},
		CreatedAt:   m.now(),
	}
	for _, a := range params.Attachments {
		doc.Attachments = append(doc.Attachments, attachmentDoc(a))
	}

	if _, err := m.db.Collection(messagesCollection).InsertOne(ctx, doc); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	inc := bson.M{}
	for _, p := range room.Participants {
		if p != params.SenderId {
			inc["unreadCounts."+p] = 1
		}
	}
	update := bson.M{"$set": bson.M{"lastMessage": doc.Id, "updatedAt": doc.CreatedAt}}
	if len(inc) > 0 {
		update["$inc"] = inc
	}

	if _, err := m.db.Collection(roomsCollection).UpdateOne(ctx, bson.M{"_id": room.Id}, update); err != nil {
		return Message{}, fmt.Errorf("update room after message %s: %w", doc.Id.Hex(), err)
	}

	return doc.toMessage(), nil
}

func (d messageDoc) toMessage() Message {
	msg := Message{
		Id:          d.Id.Hex(),
		RoomId:      d.Room,
		SenderId:    d.Sender,
		Content:     d.Content,
		MessageType: d.MessageType,
		ReadBy:      d.ReadBy,
		CreatedAt:   d.CreatedAt,
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	for _, a := range d.Attachments {
		msg.Attachments = append(msg.Attachments, Attachment(a))
	}
	return msg
}

func (m *MongoRepository) ResetUnread(ctx context.Context, roomId, userId string) error {
	key := "unreadCounts." + userId
	_, err := m.db.Collection(roomsCollection).UpdateOne(ctx,
		bson.M{"_id": roomId, key: bson.M{"$gt": 0}},
		bson.M{"$set": bson.M{key: 0}},
	)
	if err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

func (m *MongoRepository) MarkMessagesRead(ctx context.Context, roomId, userId string) (int, error) {
	res, err := m.db.Collection(messagesCollection).UpdateMany(ctx,
		bson.M{
			"room":   roomId,
			"sender": bson.M{"$ne": userId},
			"readBy": bson.M{"$ne": userId},
		},
		bson.M{"$addToSet": bson.M{"readBy": userId}},
	)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return int(res.ModifiedCount), nil
}

func (m *MongoRepository) ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, error) {
	filter := bson.M{"room": params.RoomId}
	if !params.Before.IsZero() {
		filter["createdAt"] = bson.M{"$lt": params.Before}
	}

	cur, err := m.db.Collection(messagesCollection).Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: -1}}).
			SetLimit(int64(pageSize(params.Limit))),
	)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	messages := make([]Message, len(docs))
	for i, d := range docs {
		// reverse into chronological order
		messages[len(docs)-1-i] = d.toMessage()
	}
	return messages, nil
}

func (m *MongoRepository) CreateNotification(ctx context.Context, params CreateNotificationParams) (Notification, error) {
	doc := notificationDoc{
		Id:        primitive.NewObjectID(),
		Recipient: params.RecipientId,
		Sender:    params.SenderId,
		Type:      params.Type,
		Message:   params.Message,
		Link:      params.Link,
		CreatedAt: m.now(),
	}

	if _, err := m.db.Collection(notificationsCollection).InsertOne(ctx, doc); err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return doc.toNotification(), nil
}

func (d notificationDoc) toNotification() Notification {
	return Notification{
		Id:          d.Id.Hex(),
		RecipientId: d.Recipient,
		SenderId:    d.Sender,
		Type:        d.Type,
		Message:     d.Message,
		Link:        d.Link,
		Read:        d.Read,
		CreatedAt:   d.CreatedAt,
	}
}

func (m *MongoRepository) ListNotifications(ctx context.Context, recipientId string, limit int) ([]Notification, error) {
	cur, err := m.db.Collection(notificationsCollection).Find(ctx,
		bson.M{"recipient": recipientId},
		options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: -1}}).
			SetLimit(int64(pageSize(limit))),
	)
	if err != nil {
		return nil, fmt.Errorf("find notifications: %w", err)
	}

	var docs []notificationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}

	out := make([]Notification, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toNotification())
	}
	return out, nil
}
