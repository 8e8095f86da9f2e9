package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
)

type gatewayFixture struct {
	hub   *Hub
	users *mocks.UserRepositoryMock
	convs *mocks.ConversationRepositoryMock
	msgs  *mocks.MessageRepositoryMock
	g     *Gateway
}

func newGatewayFixture() *gatewayFixture {
	f := &gatewayFixture{
		hub:   NewHub(),
		users: new(mocks.UserRepositoryMock),
		convs: new(mocks.ConversationRepositoryMock),
		msgs:  new(mocks.MessageRepositoryMock),
	}
	f.g = NewGateway(f.hub, f.users, f.convs, f.msgs, nil, zap.NewNop())
	return f
}

func clientEvent(t *testing.T, name string, id int64, payload any) models.ClientEvent {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return models.ClientEvent{Event: name, ID: id, Data: data}
}

func lastAck(t *testing.T, events []models.ServerEvent) models.Ack {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, models.EventAck, last.Event)
	ack, ok := last.Data.(models.Ack)
	require.True(t, ok)
	return ack
}

func TestRegisterPushesInitialState(t *testing.T) {
	f := newGatewayFixture()
	c := newTestClient()
	bystander := newTestClient()
	f.hub.Register(c)
	f.hub.Register(bystander)

	f.users.On("SetOnline", mock.Anything, 42).Return(nil).Once()
	f.convs.On("ListViewsForUser", mock.Anything, 42).Return([]models.ConversationView{}, nil).Once()
	f.msgs.On("UnreadSnapshot", mock.Anything, 42).Return(models.UnreadSnapshot{ByConversation: map[int]int{}}, nil).Once()

	f.g.Dispatch(context.Background(), c, clientEvent(t, models.EventRegister, 0, models.RegisterPayload{UserID: 42}))

	assert.Equal(t, 42, c.userID)
	assert.Equal(t,
		[]string{models.EventConversationList, models.EventUnreadCount, models.EventUserOnline},
		eventNames(drain(c)))

	// userOnline goes to everyone, even unidentified connections.
	bystanderEvents := drain(bystander)
	require.Len(t, bystanderEvents, 1)
	assert.Equal(t, models.EventUserOnline, bystanderEvents[0].Event)

	f.users.AssertExpectations(t)
	f.convs.AssertExpectations(t)
	f.msgs.AssertExpectations(t)
}

func TestRegisterPublishesPresence(t *testing.T) {
	f := newGatewayFixture()
	publisher := new(mocks.PublisherMock)
	f.g = NewGateway(f.hub, f.users, f.convs, f.msgs, publisher, zap.NewNop())
	c := newTestClient()
	f.hub.Register(c)

	f.users.On("SetOnline", mock.Anything, 7).Return(nil).Once()
	f.convs.On("ListViewsForUser", mock.Anything, 7).Return([]models.ConversationView{}, nil).Once()
	f.msgs.On("UnreadSnapshot", mock.Anything, 7).Return(models.UnreadSnapshot{}, nil).Once()
	publisher.On("Publish", mock.Anything, "presence.online", mock.Anything).Return(nil).Once()

	f.g.Dispatch(context.Background(), c, clientEvent(t, models.EventRegister, 0, models.RegisterPayload{UserID: 7}))

	publisher.AssertExpectations(t)
}

func TestSendMessageFirstContact(t *testing.T) {
	f := newGatewayFixture()
	sender := newTestClient()
	receiver := newTestClient()
	f.hub.Register(sender)
	f.hub.Register(receiver)
	f.hub.BindUser(sender, 1)
	f.hub.BindUser(receiver, 2)
	f.hub.JoinConversation(sender, 7)
	f.hub.JoinConversation(receiver, 7)

	conv := models.Conversation{ID: 7}
	view := models.ConversationView{Conversation: conv}
	msg := models.Message{ID: 100, ConversationID: 7, SenderID: 1, Body: "hi"}
	receiverID := 2
	msg.ReceiverID = &receiverID

	f.convs.On("GetOrCreateDirect", mock.Anything, 1, 2).Return(conv, true, nil).Once()
	f.convs.On("GetConversationView", mock.Anything, 7).Return(view, nil).Once()
	f.msgs.On("CreateMessage", mock.Anything, mock.Anything).Return(msg, nil).Once()
	f.convs.On("Touch", mock.Anything, 7).Return(nil).Once()
	f.users.On("GetUser", mock.Anything, 1).Return(models.User{ID: 1, Name: "alice"}, nil).Once()
	f.convs.On("ParticipantIDs", mock.Anything, 7).Return([]int{1, 2}, nil).Once()
	f.msgs.On("UnreadSnapshot", mock.Anything, 2).Return(models.UnreadSnapshot{TotalUnread: 1, ByConversation: map[int]int{7: 1}}, nil).Once()
	f.convs.On("ListViewsForUser", mock.Anything, 1).Return([]models.ConversationView{view}, nil).Once()
	f.convs.On("ListViewsForUser", mock.Anything, 2).Return([]models.ConversationView{view}, nil).Once()

	f.g.Dispatch(context.Background(), sender, clientEvent(t, models.EventSendMessage, 9,
		models.SendMessagePayload{SenderID: 1, ReceiverID: 2, Text: "hi"}))

	senderEvents := drain(sender)
	assert.Equal(t,
		[]string{models.EventNewConversation, models.EventNewMessage, models.EventConversationList, models.EventAck},
		eventNames(senderEvents))

	ack := lastAck(t, senderEvents)
	assert.True(t, ack.Success)
	require.NotNil(t, ack.Message)
	assert.Equal(t, 100, ack.Message.ID)
	require.NotNil(t, ack.Message.Sender)
	assert.Equal(t, "alice", ack.Message.Sender.Name)

	assert.Equal(t,
		[]string{models.EventNewConversation, models.EventNewMessage, models.EventUnreadCount, models.EventConversationList},
		eventNames(drain(receiver)))

	f.convs.AssertExpectations(t)
	f.msgs.AssertExpectations(t)
	f.users.AssertExpectations(t)
}

func TestSendMessageStoreFailureAcksError(t *testing.T) {
	f := newGatewayFixture()
	sender := newTestClient()
	f.hub.Register(sender)
	f.hub.BindUser(sender, 1)
	f.hub.JoinConversation(sender, 5)

	conv := models.Conversation{ID: 5}
	f.convs.On("GetConversation", mock.Anything, 5).Return(conv, nil).Once()
	f.convs.On("GetConversationView", mock.Anything, 5).Return(models.ConversationView{Conversation: conv}, nil).Once()
	f.msgs.On("CreateMessage", mock.Anything, mock.Anything).Return(models.Message{}, assert.AnError).Once()

	f.g.Dispatch(context.Background(), sender, clientEvent(t, models.EventSendMessage, 4,
		models.SendMessagePayload{ConversationID: 5, SenderID: 1, Text: "hi"}))

	events := drain(sender)
	require.Len(t, events, 1)
	ack := lastAck(t, events)
	assert.False(t, ack.Success)
	assert.NotEmpty(t, ack.Error)

	f.msgs.AssertExpectations(t)
}

func TestSendMessageValidation(t *testing.T) {
	f := newGatewayFixture()
	c := newTestClient()
	f.hub.Register(c)

	f.g.Dispatch(context.Background(), c, clientEvent(t, models.EventSendMessage, 1,
		models.SendMessagePayload{ConversationID: 5, Text: "hi"}))
	ack := lastAck(t, drain(c))
	assert.False(t, ack.Success)

	f.g.Dispatch(context.Background(), c, clientEvent(t, models.EventSendMessage, 2,
		models.SendMessagePayload{SenderID: 1, Text: "hi"}))
	ack = lastAck(t, drain(c))
	assert.False(t, ack.Success)
}

func TestGetMessagesMarksReadForIdentifiedConnection(t *testing.T) {
	f := newGatewayFixture()
	c := newTestClient()
	f.hub.Register(c)
	f.hub.BindUser(c, 42)

	history := []models.Message{
		{ID: 1, ConversationID: 5, SenderID: 1, Body: "a"},
		{ID: 2, ConversationID: 5, SenderID: 2, Body: "b"},
	}
	f.msgs.On("ListByConversation", mock.Anything, 5).Return(history, nil).Once()
	f.users.On("BulkUsers", mock.Anything, []int{1, 2}).Return([]models.User{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}}, nil).Once()
	f.msgs.On("MarkConversationRead", mock.Anything, 5, 42).Return(nil).Once()
	f.msgs.On("UnreadSnapshot", mock.Anything, 42).Return(models.UnreadSnapshot{}, nil).Once()

	f.g.Dispatch(context.Background(), c, clientEvent(t, models.EventGetMessages, 3,
		models.GetMessagesPayload{ConversationID: 5}))

	events := drain(c)
	assert.Equal(t, []string{models.EventUnreadCount, models.EventAck}, eventNames(events))
	ack := lastAck(t, events)
	assert.True(t, ack.Success)
	require.Len(t, ack.Messages, 2)
	require.NotNil(t, ack.Messages[0].Sender)
	assert.Equal(t, "a", ack.Messages[0].Sender.Name)

	f.msgs.AssertExpectations(t)
}

func TestGetMessagesAnonymousSkipsMarkRead(t *testing.T) {
	f := newGatewayFixture()
	c := newTestClient()
	f.hub.Register(c)

	f.msgs.On("ListByConversation", mock.Anything, 5).Return([]models.Message{}, nil).Once()
	f.users.On("BulkUsers", mock.Anything, []int{}).Return([]models.User{}, nil).Once()

	f.g.Dispatch(context.Background(), c, clientEvent(t, models.EventGetMessages, 3,
		models.GetMessagesPayload{ConversationID: 5}))

	ack := lastAck(t, drain(c))
	assert.True(t, ack.Success)
	f.msgs.AssertNotCalled(t, "MarkConversationRead", mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkAsReadIsFireAndForget(t *testing.T) {
	f := newGatewayFixture()
	c := newTestClient()
	f.hub.Register(c)
	f.hub.BindUser(c, 42)

	f.msgs.On("MarkConversationRead", mock.Anything, 5, 42).Return(nil).Once()
	f.msgs.On("UnreadSnapshot", mock.Anything, 42).Return(models.UnreadSnapshot{}, nil).Once()

	f.g.Dispatch(context.Background(), c, clientEvent(t, models.EventMarkAsRead, 0,
		models.MarkAsReadPayload{ConversationID: 5, UserID: 42}))

	assert.Equal(t, []string{models.EventUnreadCount}, eventNames(drain(c)))
	f.msgs.AssertExpectations(t)
}

func TestMarkAsReadStoreErrorStaysSilent(t *testing.T) {
	f := newGatewayFixture()
	c := newTestClient()
	f.hub.Register(c)
	f.hub.BindUser(c, 42)

	f.msgs.On("MarkConversationRead", mock.Anything, 5, 42).Return(assert.AnError).Once()

	f.g.Dispatch(context.Background(), c, clientEvent(t, models.EventMarkAsRead, 0,
		models.MarkAsReadPayload{ConversationID: 5, UserID: 42}))

	assert.Empty(t, drain(c))
	f.msgs.AssertExpectations(t)
}

func TestCreateGroupNotifiesEveryMember(t *testing.T) {
	f := newGatewayFixture()
	creator := newTestClient()
	member := newTestClient()
	f.hub.Register(creator)
	f.hub.Register(member)
	f.hub.BindUser(creator, 1)
	f.hub.BindUser(member, 2)

	conv := models.Conversation{ID: 11, IsGroup: true}
	view := models.ConversationView{
		Conversation: conv,
		Participants: []models.User{{ID: 1}, {ID: 2}, {ID: 3}},
	}
	f.convs.On("CreateGroup", mock.Anything, "team", 1, []int{2, 3}).Return(conv, nil).Once()
	f.convs.On("GetConversationView", mock.Anything, 11).Return(view, nil).Once()
	f.convs.On("ListViewsForUser", mock.Anything, mock.Anything).Return([]models.ConversationView{view}, nil)

	f.g.Dispatch(context.Background(), creator, clientEvent(t, models.EventCreateGroup, 6,
		models.CreateGroupPayload{Name: "team", Participants: []int{2, 3}, CreatedBy: 1}))

	creatorEvents := drain(creator)
	assert.Equal(t,
		[]string{models.EventConversationList, models.EventGroupCreated, models.EventAck},
		eventNames(creatorEvents))
	ack := lastAck(t, creatorEvents)
	assert.True(t, ack.Success)
	require.NotNil(t, ack.Conversation)
	assert.Equal(t, 11, ack.Conversation.ID)

	assert.Equal(t,
		[]string{models.EventConversationList, models.EventGroupCreated},
		eventNames(drain(member)))

	f.convs.AssertExpectations(t)
}

func TestTypingExcludesSender(t *testing.T) {
	f := newGatewayFixture()
	sender := newTestClient()
	other := newTestClient()
	f.hub.Register(sender)
	f.hub.Register(other)
	f.hub.JoinConversation(sender, 3)
	f.hub.JoinConversation(other, 3)

	f.g.Dispatch(context.Background(), sender, clientEvent(t, models.EventTyping, 0,
		models.TypingPayload{ConversationID: 3, SenderID: 1}))

	assert.Empty(t, drain(sender))
	events := drain(other)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTyping, events[0].Event)
}

func TestDisconnectNotifiesConversationPeersOnly(t *testing.T) {
	f := newGatewayFixture()
	leaving := newTestClient()
	peer := newTestClient()
	stranger := newTestClient()
	f.hub.Register(peer)
	f.hub.Register(stranger)
	f.hub.BindUser(peer, 2)
	f.hub.BindUser(stranger, 3)
	leaving.userID = 1

	f.users.On("SetOffline", mock.Anything, 1, mock.Anything).Return(nil).Once()
	f.convs.On("PeerIDs", mock.Anything, 1).Return([]int{2}, nil).Once()

	f.g.HandleDisconnect(context.Background(), leaving)

	peerEvents := drain(peer)
	require.Len(t, peerEvents, 1)
	assert.Equal(t, models.EventUserOffline, peerEvents[0].Event)
	assert.Empty(t, drain(stranger))

	f.users.AssertExpectations(t)
	f.convs.AssertExpectations(t)
}

func TestDisconnectBeforeRegisterIsSilent(t *testing.T) {
	f := newGatewayFixture()
	c := newTestClient()

	f.g.HandleDisconnect(context.Background(), c)

	f.users.AssertNotCalled(t, "SetOffline", mock.Anything, mock.Anything, mock.Anything)
	f.convs.AssertNotCalled(t, "PeerIDs", mock.Anything, mock.Anything)
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	f := newGatewayFixture()
	c := newTestClient()
	f.hub.Register(c)

	// No expectations set: the mock panics inside the handler and the
	// dispatcher must contain it.
	require.NotPanics(t, func() {
		f.g.Dispatch(context.Background(), c, clientEvent(t, models.EventGetMessages, 0,
			models.GetMessagesPayload{ConversationID: 5}))
	})
	assert.Empty(t, drain(c))
}
