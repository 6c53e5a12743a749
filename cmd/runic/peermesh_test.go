package main

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pion/webrtc/v4"

	"github.com/rustyguts/runic/internal/peerlink"
	"github.com/rustyguts/runic/internal/signaling"
)

func startTestSignalingServer(t *testing.T, password string) string {
	t.Helper()
	router := signaling.New(password)
	e := echo.New()
	router.Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(func() {
		httpServer.Close()
		router.Close()
	})
	return "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
}

func loopbackRTCAPI() (*webrtc.API, webrtc.Configuration) {
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(2*time.Second, 2*time.Second, 200*time.Millisecond)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), webrtc.Configuration{}
}

func TestTwoPeerMeshesExchangeFrameOverGameChannel(t *testing.T) {
	wsURL := startTestSignalingServer(t, "hunter2")

	var mu sync.Mutex
	var gotFromB []byte

	apiA, cfgA := loopbackRTCAPI()
	meshA, err := DialPeerMesh(wsURL, "hunter2", "alice", apiA, cfgA,
		func(fromPeer string, data []byte) {}, nil, nil)
	if err != nil {
		t.Fatalf("DialPeerMesh A: %v", err)
	}
	defer meshA.Close()

	apiB, cfgB := loopbackRTCAPI()
	meshB, err := DialPeerMesh(wsURL, "hunter2", "bob", apiB, cfgB,
		func(fromPeer string, data []byte) {
			mu.Lock()
			gotFromB = append([]byte(nil), data...)
			mu.Unlock()
		}, nil, nil)
	if err != nil {
		t.Fatalf("DialPeerMesh B: %v", err)
	}
	defer meshB.Close()

	var linkToB *peerlink.Link
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		meshA.mu.Lock()
		l, ok := meshA.peers[meshB.SelfID]
		meshA.mu.Unlock()
		if ok && l.DCOpen(peerlink.LabelGame) {
			linkToB = l
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if linkToB == nil {
		t.Fatal("game channel from A to B never opened")
	}

	linkToB.Send(peerlink.LabelGame, []byte("ping"))

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := gotFromB
		mu.Unlock()
		if string(got) == "ping" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("peer B never received the frame sent on the game channel")
}

func TestDialPeerMeshFailsWrongPassword(t *testing.T) {
	wsURL := startTestSignalingServer(t, "correct")
	api, cfg := loopbackRTCAPI()
	_, err := DialPeerMesh(wsURL, "wrong", "alice", api, cfg, func(string, []byte) {}, nil, nil)
	if err == nil {
		t.Fatal("expected auth failure with wrong password")
	}
}
