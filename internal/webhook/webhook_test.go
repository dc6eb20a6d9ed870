package webhook

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warthog618/smsgw/internal/eventbus"
)

func TestDeliverySignsBodyAndSucceeds(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		wantSig := "sha256=" + string(Sign("shh", body))
		assert.Equal(t, wantSig, r.Header.Get("X-Signature"))
		assert.NotEmpty(t, r.Header.Get("X-Event-Id"))
		var ev eventbus.Event
		assert.NoError(t, json.Unmarshal(body, &ev))
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := eventbus.New(4)
	d, err := New(bus, []Endpoint{{URL: srv.URL, Secret: "shh"}}, log.Default())
	require.NoError(t, err)
	defer d.Close()

	bus.Publish(eventbus.KindIncomingSms, "hi")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&received) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("webhook was never delivered")
}

func Test4xxIsNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	bus := eventbus.New(4)
	d, err := New(bus, []Endpoint{{URL: srv.URL, Secret: "shh"}}, log.Default())
	require.NoError(t, err)
	defer d.Close()

	bus.Publish(eventbus.KindIncomingSms, "hi")
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts), "no retry on 4xx")
}

func TestCloseWhileRetryingUnreachableEndpoint(t *testing.T) {
	bus := eventbus.New(4)
	d, err := New(bus, []Endpoint{{URL: "http://127.0.0.1:1", Secret: "shh"}}, log.Default())
	require.NoError(t, err)
	bus.Publish(eventbus.KindIncomingSms, "hi")
	// close shortly after publish; deliver should observe stop and return
	// promptly rather than blocking through the whole retry curve.
	time.Sleep(50 * time.Millisecond)
	d.Close()
}
