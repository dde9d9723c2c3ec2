package dispatch

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/HorseChain/travony-sub002/internal/models"
)

// wsPair dials an in-process websocket server and hands back both ends.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return <-conns, client
}

func TestOfferToUnknownDriver(t *testing.T) {
	reg := NewWSRegistry(nil)
	if err := reg.Offer("driver-1", models.RematchOffer{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestOfferDeliversToLiveSession(t *testing.T) {
	server, client := wsPair(t)
	reg := NewWSRegistry(nil)
	reg.Add("driver-1", server)

	offer := models.RematchOffer{RideID: "ride-1", Fare: 42.50, Currency: "AED", Attempt: 2}
	if err := reg.Offer("driver-1", offer); err != nil {
		t.Fatalf("offer: %v", err)
	}
	var got models.RematchOffer
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != offer {
		t.Fatalf("got %+v, want %+v", got, offer)
	}
}

func TestOfferDropsSessionAfterSendFailure(t *testing.T) {
	server, _ := wsPair(t)
	reg := NewWSRegistry(nil)
	reg.Add("driver-1", server)
	server.Close()

	if err := reg.Offer("driver-1", models.RematchOffer{RideID: "ride-1"}); err == nil {
		t.Fatal("send on a closed conn must fail")
	}
	// the dead session is gone, not retried forever
	if err := reg.Offer("driver-1", models.RematchOffer{RideID: "ride-1"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession after the session is dropped", err)
	}
}
