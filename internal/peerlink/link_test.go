package peerlink

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestOffererIsLexicographicallySmallerID(t *testing.T) {
	if !offerer("alice", "bob") {
		t.Fatalf("alice should offer to bob")
	}
	if offerer("bob", "alice") {
		t.Fatalf("bob should not offer to alice")
	}
}

func loopbackAPI(t *testing.T) *webrtc.API {
	t.Helper()
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(2*time.Second, 2*time.Second, 200*time.Millisecond)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// TestTwoLinksEstablishAndExchangeOnGameChannel wires two Links together
// directly (bypassing the Signaling Router) to prove the offerer/answerer
// split, candidate buffering, and data-channel send/receive all work
// end to end over loopback.
func TestTwoLinksEstablishAndExchangeOnGameChannel(t *testing.T) {
	apiA := loopbackAPI(t)
	apiB := loopbackAPI(t)

	var mu sync.Mutex
	var linkA, linkB *Link

	gotA := make(chan []byte, 1)
	gotB := make(chan []byte, 1)
	openA := make(chan struct{})
	var openAOnce sync.Once

	// A's offer is emitted from inside New, before linkB exists, so every
	// forward runs on its own goroutine and waits for the target Link.
	waitFor := func(p **Link) *Link {
		for {
			mu.Lock()
			l := *p
			mu.Unlock()
			if l != nil {
				return l
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	cfgA := Config{
		SelfID: "a-peer", PeerID: "b-peer",
		OnOffer: func(sdp webrtc.SessionDescription) {
			go func() { _ = waitFor(&linkB).HandleRemoteOffer(sdp) }()
		},
		OnICE: func(c webrtc.ICECandidateInit) {
			go func() { _ = waitFor(&linkB).AddRemoteCandidate(c) }()
		},
		OnMsg: func(label Label, data []byte) {
			if label == LabelGame {
				gotA <- data
			}
		},
	}
	cfgB := Config{
		SelfID: "b-peer", PeerID: "a-peer",
		OnAnswer: func(sdp webrtc.SessionDescription) {
			go func() { _ = waitFor(&linkA).HandleRemoteAnswer(sdp) }()
		},
		OnICE: func(c webrtc.ICECandidateInit) {
			go func() { _ = waitFor(&linkA).AddRemoteCandidate(c) }()
		},
		OnMsg: func(label Label, data []byte) {
			if label == LabelGame {
				gotB <- data
			}
		},
		OnState: func(s State) {
			if s == StateConnected {
				openAOnce.Do(func() { close(openA) })
			}
		},
	}

	a, err := New(apiA, webrtc.Configuration{}, cfgA)
	if err != nil {
		t.Fatalf("new link a: %v", err)
	}
	defer a.Close()
	mu.Lock()
	linkA = a
	mu.Unlock()

	b, err := New(apiB, webrtc.Configuration{}, cfgB)
	if err != nil {
		t.Fatalf("new link b: %v", err)
	}
	defer b.Close()
	mu.Lock()
	linkB = b
	mu.Unlock()

	select {
	case <-openA:
	case <-time.After(10 * time.Second):
		t.Fatalf("peer connection never reached Connected")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !a.DCOpen(LabelGame) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !a.DCOpen(LabelGame) {
		t.Fatalf("game channel on a never opened")
	}

	a.Send(LabelGame, []byte("hello-from-a"))
	select {
	case msg := <-gotB:
		if string(msg) != "hello-from-a" {
			t.Fatalf("b received %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("b never received a's message")
	}
}

func TestSendOnUnopenedChannelIsDroppedNotPanicked(t *testing.T) {
	apiA := loopbackAPI(t)
	a, err := New(apiA, webrtc.Configuration{}, Config{SelfID: "z-peer", PeerID: "a-peer"})
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	defer a.Close()
	a.Send(LabelChat, []byte("never sent"))
}
