package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"gossiphub/internal/models"
	"gossiphub/internal/realtime"
	"gossiphub/internal/repositories"
)

func TestNotification_PushesToLiveRecipient(t *testing.T) {
	store := repositories.NewMemoryStore()
	out := &fakeOut{}
	ch := fakeChannel{got: make(chan *models.Notification, 1)}
	svc := NewNotificationService(store, out, newPresence("bob"), zap.NewNop(), ch)

	n, err := svc.Create(context.Background(), CreateNotificationInput{Recipient: "bob", Sender: "alice", Type: models.NotifySystem, Content: "welcome"})
	if err != nil {
		t.Fatal(err)
	}
	pushed := out.events(realtime.EventNotificationReceived)
	if len(pushed) != 1 || pushed[0].target != "bob" || pushed[0].payload.(NotificationPayload).Notification.ID != n.ID {
		t.Fatalf("pushed = %+v", pushed)
	}
	select {
	case <-ch.got:
		t.Error("live recipient should not go to offline channels")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNotification_OfflineUsesChannels(t *testing.T) {
	store := repositories.NewMemoryStore()
	_ = store.SetTarget(context.Background(), &models.NotificationTarget{UserID: "bob", Email: "bob@example.com"})
	out := &fakeOut{}
	ch := fakeChannel{got: make(chan *models.Notification, 1)}
	svc := NewNotificationService(store, out, newPresence(), zap.NewNop(), ch)

	n, err := svc.Create(context.Background(), CreateNotificationInput{Recipient: "bob", Type: models.NotifyMissedCall, Content: "missed"})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch.got:
		if got.ID != n.ID {
			t.Errorf("forwarded %s, want %s", got.ID, n.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("offline channel not used")
	}
	if len(out.events(realtime.EventNotificationReceived)) != 0 {
		t.Error("offline recipient got a push")
	}
}

func TestNotification_Validation(t *testing.T) {
	svc := NewNotificationService(repositories.NewMemoryStore(), &fakeOut{}, newPresence(), zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateNotificationInput{Recipient: "bob", Type: "SPAM", Content: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad type err = %v", err)
	}
	if _, err := svc.Create(ctx, CreateNotificationInput{Recipient: "bob", Type: models.NotifySystem}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty content err = %v", err)
	}
	if _, err := svc.Create(ctx, CreateNotificationInput{Type: models.NotifySystem, Content: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("no recipient err = %v", err)
	}
}

func TestNotification_ReadAndDelete(t *testing.T) {
	svc := NewNotificationService(repositories.NewMemoryStore(), &fakeOut{}, newPresence(), zap.NewNop())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		n, _ := svc.Create(ctx, CreateNotificationInput{Recipient: "bob", Type: models.NotifySystem, Content: fmt.Sprintf("n%d", i)})
		ids = append(ids, n.ID)
	}

	if _, err := svc.MarkRead(ctx, "alice", ids[0]); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign mark read err = %v", err)
	}
	if n, err := svc.MarkRead(ctx, "bob", ids[0]); err != nil || n != 1 {
		t.Errorf("MarkRead = %d, %v", n, err)
	}
	if n, err := svc.MarkRead(ctx, "bob", ""); err != nil || n != 2 {
		t.Errorf("MarkRead all = %d, %v, want 2", n, err)
	}
	if err := svc.Delete(ctx, "bob", ids[1]); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, "bob", ids[1]); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}

	list, _ := svc.List(ctx, "bob")
	if len(list) != 2 {
		t.Fatalf("list = %d, want 2", len(list))
	}
	for _, n := range list {
		if !n.IsRead {
			t.Errorf("%s not read", n.ID)
		}
	}
}

func TestEmail_NotificationMessage(t *testing.T) {
	n := &models.Notification{Type: models.NotifyMissedCall, Content: "Missed call from <alice>", CreatedAt: time.Now()}
	m := notificationMessage("noreply@example.com", "bob@example.com", n)

	if got := m.GetHeader("Subject"); len(got) != 1 || got[0] != "You missed a call" {
		t.Errorf("Subject = %v", got)
	}
	if got := m.GetHeader("To"); len(got) != 1 || got[0] != "bob@example.com" {
		t.Errorf("To = %v", got)
	}

	var sb strings.Builder
	if _, err := m.WriteTo(&sb); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sb.String(), "&lt;alice&gt;") {
		t.Error("content should be html-escaped")
	}
}

type recordingMailer struct {
	to []string
}

func (r *recordingMailer) SendNotificationEmail(to string, _ *models.Notification) error {
	r.to = append(r.to, to)
	return nil
}

func TestEmailChannel_SkipsMissingAddress(t *testing.T) {
	mailer := &recordingMailer{}
	ch := EmailChannel{Mailer: mailer}
	n := &models.Notification{Content: "x"}

	ch.Deliver(context.Background(), &models.NotificationTarget{UserID: "bob"}, n)
	ch.Deliver(context.Background(), &models.NotificationTarget{UserID: "bob", Email: "bob@example.com"}, n)
	if len(mailer.to) != 1 || mailer.to[0] != "bob@example.com" {
		t.Errorf("sent to %v", mailer.to)
	}
}

func TestTelegram_DeliversToChat(t *testing.T) {
	var mu sync.Mutex
	var chats []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"hub","username":"hub_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			r.ParseForm()
			mu.Lock()
			chats = append(chats, r.FormValue("chat_id"))
			mu.Unlock()
			io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tg, err := NewTelegramServiceWithEndpoint("TOKEN", srv.URL+"/bot%s/%s", srv.Client(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	n := &models.Notification{Type: models.NotifyNewMessage, Content: "hi"}
	if err := tg.Deliver(context.Background(), &models.NotificationTarget{UserID: "bob"}, n); err != nil {
		t.Fatal(err)
	}
	if err := tg.Deliver(context.Background(), &models.NotificationTarget{UserID: "bob", TelegramChatID: 42}, n); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chats) != 1 || chats[0] != "42" {
		t.Errorf("sendMessage chats = %v, want [42]", chats)
	}
}

func TestNotification_SetTarget(t *testing.T) {
	store := repositories.NewMemoryStore()
	svc := NewNotificationService(store, &fakeOut{}, newPresence(), zap.NewNop())
	ctx := context.Background()

	if _, err := svc.SetTarget(ctx, "bob", "not-an-address", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad email err = %v", err)
	}
	if _, err := svc.SetTarget(ctx, "bob", " bob@example.com ", 42); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetTarget(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != "bob@example.com" || got.TelegramChatID != 42 {
		t.Fatalf("target = %+v", got)
	}
}

func TestNotification_SetTargetAcceptsGroupChat(t *testing.T) {
	store := repositories.NewMemoryStore()
	svc := NewNotificationService(store, &fakeOut{}, newPresence(), zap.NewNop())
	ctx := context.Background()

	if _, err := svc.SetTarget(ctx, "bob", "", -1001234567890); err != nil {
		t.Fatalf("group chat id rejected: %v", err)
	}
	got, err := store.GetTarget(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.TelegramChatID != -1001234567890 || got.Email != "" {
		t.Fatalf("target = %+v", got)
	}
}
