package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/engine"
	"github.com/chatsync/internal/model"
)

// wsProxy стоит между движком и relay: умеет глотать ответы sync.batch
// и рвать все соединения, как обрыв сети.
type wsProxy struct {
	ts       *httptest.Server
	upstream string

	mu       sync.Mutex
	swallow  bool
	requests int
	conns    []*websocket.Conn
}

func newProxy(t *testing.T, relayURL string) *wsProxy {
	t.Helper()
	p := &wsProxy{upstream: "ws" + strings.TrimPrefix(relayURL, "http") + "/ws"}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	p.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := http.Header{}
		h.Set("Authorization", r.Header.Get("Authorization"))
		server, resp, err := websocket.DefaultDialer.Dial(p.upstream+"?"+r.URL.RawQuery, h)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		client, err := up.Upgrade(w, r, nil)
		if err != nil {
			server.Close()
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, client, server)
		p.mu.Unlock()
		go p.pipe(client, server, true)
		go p.pipe(server, client, false)
	}))
	t.Cleanup(func() {
		p.dropAll()
		p.ts.Close()
	})
	return p
}

func (p *wsProxy) pipe(from, to *websocket.Conn, outbound bool) {
	defer from.Close()
	defer to.Close()
	for {
		typ, data, err := from.ReadMessage()
		if err != nil {
			return
		}
		var f model.Frame
		_ = json.Unmarshal(data, &f)
		p.mu.Lock()
		if outbound && f.Type == model.ChannelSyncRequest {
			p.requests++
		}
		drop := !outbound && p.swallow && f.Type == model.ChannelSyncBatch
		p.mu.Unlock()
		if drop {
			continue
		}
		if err := to.WriteMessage(typ, data); err != nil {
			return
		}
	}
}

func (p *wsProxy) setSwallow(v bool) {
	p.mu.Lock()
	p.swallow = v
	p.mu.Unlock()
}

func (p *wsProxy) syncRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *wsProxy) dropAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func TestEngineResumeFillsGapAfterLostSync(t *testing.T) {
	f := newRelay(t)
	seeded := f.seed(t, "r1", 5)
	proxy := newProxy(t, f.ts.URL)

	cfg := config.Default().Engine
	cfg.ServerURL = proxy.ts.URL
	cfg.APIURL = f.ts.URL
	cfg.ReconnectBackoff = 50 * time.Millisecond
	cfg.SyncTimeout = time.Minute
	alice, err := engine.Open(context.Background(), model.Session{
		RoomID: "r1", UserID: "alice", Username: "Alice", AuthToken: "dev",
	}, engine.Callbacks{}, engine.Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(alice.Close)
	require.Eventually(t, func() bool { return len(alice.Messages()) == len(seeded) }, waitFor, tick)

	// Первый обрыв: ответ на AFTER после переподключения теряется.
	proxy.setSwallow(true)
	sent := proxy.syncRequests()
	proxy.dropAll()
	require.Eventually(t, func() bool {
		return proxy.syncRequests() > sent && alice.Loading(model.DirectionAfter)
	}, waitFor, tick)

	base := time.Now().UTC()
	var gap []string
	for i := 1; i <= 7; i++ {
		m, err := f.store.Save(context.Background(), model.Message{
			ID:            fmt.Sprintf("r1-gap%02d", i),
			CorrelationID: fmt.Sprintf("r1-gc%02d", i),
			RoomID:        "r1",
			SenderID:      "carol",
			Content:       model.Content{Text: fmt.Sprintf("gap %d", i)},
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		gap = append(gap, m.ID)
	}

	// Второй обрыв: ответ старого сокета не придёт, запрос должен уйти заново.
	proxy.setSwallow(false)
	proxy.dropAll()
	require.Eventually(t, func() bool { return len(alice.Messages()) == len(seeded)+len(gap) }, waitFor, tick)

	seen := map[string]int{}
	for _, m := range alice.Messages() {
		seen[m.ID]++
	}
	for _, id := range gap {
		assert.Equal(t, 1, seen[id], id)
	}
	for _, m := range seeded {
		assert.Equal(t, 1, seen[m.ID], m.ID)
	}
	assert.Equal(t, gap[len(gap)-1], alice.Cursor().NewestLoadedID)
	assert.False(t, alice.Loading(model.DirectionAfter))
}
