package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/divinesense-router/ai/router"
)

type mockRouter struct {
	mock.Mock
}

func (m *mockRouter) Route(ctx context.Context, utterance, sessionID string) (*router.RoutingResult, error) {
	args := m.Called(ctx, utterance, sessionID)
	res, _ := args.Get(0).(*router.RoutingResult)
	return res, args.Error(1)
}

func (m *mockRouter) ResetSession(ctx context.Context, sessionID string) (bool, error) {
	args := m.Called(ctx, sessionID)
	return args.Bool(0), args.Error(1)
}

type sentMessage struct {
	chatID  string
	text    string
	replyTo string
}

// fakeBotAPI answers getMe and records sendMessage calls.
type fakeBotAPI struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Router","username":"router_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		fmt.Fprint(w, `{"ok":true,"result":[]}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		_ = r.ParseForm()
		f.mu.Lock()
		f.sent = append(f.sent, sentMessage{
			chatID:  r.FormValue("chat_id"),
			text:    r.FormValue("text"),
			replyTo: r.FormValue("reply_to_message_id"),
		})
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":100,"date":0,"chat":{"id":42,"type":"private"}}}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBotAPI) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func newTestChannel(t *testing.T, r Router) (*Channel, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	ch, err := New(Config{
		BotToken:    "TEST",
		APIEndpoint: srv.URL + "/bot%s/%s",
		HTTPClient:  srv.Client(),
	}, r)
	require.NoError(t, err)
	return ch, api
}

func textUpdate(text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: 9},
		Chat:      &tgbotapi.Chat{ID: 42, Type: "private"},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(strings.Fields(text)[0])}}
	}
	return tgbotapi.Update{UpdateID: 1, Message: msg}
}

func TestNew(t *testing.T) {
	ch, _ := newTestChannel(t, &mockRouter{})
	assert.Equal(t, "router_bot", ch.Username())

	_, err := New(Config{}, &mockRouter{})
	assert.Error(t, err)
}

func TestHandleUpdate_RoutesText(t *testing.T) {
	r := &mockRouter{}
	r.On("Route", mock.Anything, "add milk to my shopping list", "telegram:42").
		Return(&router.RoutingResult{Text: "Added milk to your shopping list.", Status: router.StatusCompleted}, nil)
	ch, api := newTestChannel(t, r)

	require.NoError(t, ch.HandleUpdate(context.Background(), textUpdate("add milk to my shopping list")))

	sent := api.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, sentMessage{chatID: "42", text: "Added milk to your shopping list.", replyTo: "7"}, sent[0])
	r.AssertExpectations(t)
}

func TestHandleUpdate_Commands(t *testing.T) {
	r := &mockRouter{}
	r.On("ResetSession", mock.Anything, "telegram:42").Return(true, nil).Once()
	ch, api := newTestChannel(t, r)

	require.NoError(t, ch.HandleUpdate(context.Background(), textUpdate("/start")))
	require.NoError(t, ch.HandleUpdate(context.Background(), textUpdate("/reset")))

	sent := api.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, greetingText, sent[0].text)
	assert.Equal(t, resetText, sent[1].text)
	r.AssertExpectations(t)
	r.AssertNotCalled(t, "Route", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleUpdate_Fallbacks(t *testing.T) {
	r := &mockRouter{}
	r.On("Route", mock.Anything, "hello", "telegram:42").Return(nil, errors.New("session busy"))
	ch, api := newTestChannel(t, r)

	require.NoError(t, ch.HandleUpdate(context.Background(), textUpdate("hello")))
	// A photo without caption has no text.
	require.NoError(t, ch.HandleUpdate(context.Background(), textUpdate("")))

	sent := api.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, unavailableText, sent[0].text)
	assert.Equal(t, textOnlyText, sent[1].text)

	err := ch.HandleUpdate(context.Background(), tgbotapi.Update{UpdateID: 2})
	assert.ErrorIs(t, err, ErrInvalidUpdate)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ch, _ := newTestChannel(t, &mockRouter{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, ch.Run(ctx))
}
