package app

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/gnss_relay/internal/config"
	"github.com/relabs-tech/gnss_relay/internal/telemetry"
)

const (
	wsWriteWait = 5 * time.Second
	wsClientBuf = 8
	statusPage  = `<!doctype html><html><head><title>gnss relay</title></head><body>
<pre id="s">waiting for relay status...</pre>
<script>
setInterval(function () {
  fetch("/api/status").then(function (r) { return r.ok ? r.json() : null; }).then(function (s) {
    if (s) document.getElementById("s").textContent = JSON.stringify(s, null, 2);
  });
}, 1000);
</script></body></html>
`
)

// statusHub keeps the latest relay snapshot and fans it out to websocket
// clients as CBOR frames.
type statusHub struct {
	mu      sync.RWMutex
	last    telemetry.Snapshot
	have    bool
	clients map[chan []byte]struct{}
}

func newStatusHub() *statusHub {
	return &statusHub{clients: make(map[chan []byte]struct{})}
}

func (h *statusHub) update(s telemetry.Snapshot) {
	frame, err := telemetry.EncodeCBOR(s)
	if err != nil {
		log.Printf("web: cbor encode error: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = s
	h.have = true
	for ch := range h.clients {
		select {
		case ch <- frame:
		default:
			// slow client, skip this frame
		}
	}
}

func (h *statusHub) latest() (telemetry.Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last, h.have
}

func (h *statusHub) subscribe() chan []byte {
	ch := make(chan []byte, wsClientBuf)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *statusHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func newWebMux(hub *statusHub) *http.ServeMux {
	mux := http.NewServeMux()

	// JSON API endpoint: latest relay status
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		s, ok := hub.latest()
		if !ok {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		b, err := telemetry.EncodeJSON(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(b); err != nil {
			log.Printf("web: write error: %v", err)
		}
	})

	// Websocket stream: one CBOR binary frame per snapshot
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("web: websocket upgrade error: %v", err)
			return
		}
		serveStatusStream(hub, conn)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, statusPage)
	})

	return mux
}

func serveStatusStream(hub *statusHub, conn *websocket.Conn) {
	defer conn.Close()

	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	// the reader only notices the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if s, ok := hub.latest(); ok {
		if frame, err := telemetry.EncodeCBOR(s); err == nil {
			select {
			case ch <- frame:
			default:
			}
		}
	}

	for {
		select {
		case <-gone:
			return
		case frame := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Printf("web: websocket write error: %v", err)
				return
			}
		}
	}
}

func RunWeb() error {
	cfg := config.Get()
	hub := newStatusHub()

	// 1) Connect to MQTT broker
	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDWeb)
	if err != nil {
		return err
	}
	log.Printf("web: connected to MQTT broker at %s", cfg.MQTTBroker)

	// 2) Subscribe to relay status and update the hub on each message
	token := client.Subscribe(cfg.TopicStatus, 0, func(_ mqtt.Client, msg mqtt.Message) {
		s, err := telemetry.DecodeJSON(msg.Payload())
		if err != nil {
			log.Printf("web: status unmarshal error: %v", err)
			return
		}
		hub.update(s)
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("web: subscribed to MQTT topic %s", cfg.TopicStatus)

	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	log.Printf("web server listening on %s", addr)
	return http.ListenAndServe(addr, newWebMux(hub))
}
