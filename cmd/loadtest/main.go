package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/logging"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type authResponse struct {
	Token    string `json:"access_token"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

type stats struct {
	connected atomic.Int64
	sent      atomic.Int64
	received  atomic.Int64
	failed    atomic.Int64
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loadtest:", err)
		os.Exit(1)
	}
}

func run() error {
	baseURL := flag.String("base", "http://localhost:8080", "server base URL")
	users := flag.Int("users", 100, "number of concurrent users")
	msgs := flag.Int("msgs", 20, "messages sent per user")
	interval := flag.Duration("interval", 10*time.Millisecond, "pause between two messages of one user")
	drain := flag.Duration("drain", 5*time.Second, "how long to keep reading after the last send")
	flag.Parse()

	log, err := logging.New("loadtest", "info")
	if err != nil {
		return err
	}
	defer log.Sync()

	wsURL, err := toWebSocketURL(*baseURL)
	if err != nil {
		return err
	}

	log.Info("starting stress test", zap.Int("users", *users), zap.Int("msgs_per_user", *msgs))
	start := time.Now()

	var st stats
	var ready, wg sync.WaitGroup
	startSending := make(chan struct{})

	for i := 0; i < *users; i++ {
		ready.Add(1)
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runUser(log, &st, &ready, startSending, *baseURL, wsURL, id, *msgs, *interval, *drain)
		}(i)
	}

	// Everyone connects first, so every user should see every message.
	ready.Wait()
	close(startSending)
	wg.Wait()

	elapsed := time.Since(start)
	expected := st.sent.Load() * st.connected.Load()
	log.Info("load test complete",
		zap.Int64("connected", st.connected.Load()),
		zap.Int64("sent", st.sent.Load()),
		zap.Int64("received", st.received.Load()),
		zap.Int64("expected", expected),
		zap.Int64("failed", st.failed.Load()),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

func runUser(log *zap.Logger, st *stats, ready *sync.WaitGroup, startSending <-chan struct{},
	baseURL, wsURL string, id, msgs int, interval, drain time.Duration) {
	readyDone := false
	markReady := func() {
		if !readyDone {
			readyDone = true
			ready.Done()
		}
	}
	defer markReady()

	username := fmt.Sprintf("lt%d%d", time.Now().Unix()%100000, id)
	token, err := authenticate(baseURL, username, "password123")
	if err != nil {
		log.Warn("auth failed", zap.String("user", username), zap.Error(err))
		st.failed.Add(1)
		return
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+url.QueryEscape(token), nil)
	if err != nil {
		log.Warn("ws connect failed", zap.String("user", username), zap.Error(err))
		st.failed.Add(1)
		return
	}
	defer conn.Close()
	st.connected.Add(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if ctx.Err() == nil {
				st.received.Add(1)
			}
		}
	}()

	markReady()
	<-startSending

	for i := 0; i < msgs; i++ {
		frame := map[string]string{"content": fmt.Sprintf("LoadTest Msg %d from %s", i, username)}
		if err := conn.WriteJSON(frame); err != nil {
			log.Warn("send failed", zap.String("user", username), zap.Error(err))
			st.failed.Add(1)
			return
		}
		st.sent.Add(1)
		time.Sleep(interval)
	}

	time.Sleep(drain)
}

// authenticate registers (ignores conflicts) and logs in.
func authenticate(baseURL, username, password string) (string, error) {
	resp, err := postJSON(baseURL+"/register", map[string]string{
		"username": username,
		"email":    username + "@loadtest.local",
		"password": password,
	})
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	resp, err = postJSON(baseURL+"/login", map[string]string{"username": username, "password": password})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: %s", resp.Status)
	}

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}
	return data.Token, nil
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return http.Post(endpoint, "application/json", bytes.NewBuffer(jsonData))
}

func toWebSocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String(), nil
}
