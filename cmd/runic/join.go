package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/rustyguts/runic/internal/chat"
	"github.com/rustyguts/runic/internal/chatlog"
	"github.com/rustyguts/runic/internal/dispatch"
	"github.com/rustyguts/runic/internal/identity"
	"github.com/rustyguts/runic/internal/peerlink"
	"github.com/rustyguts/runic/internal/replicator"
	"github.com/rustyguts/runic/internal/world"
)

func runJoin(args []string) {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	username := fs.String("username", "", "display name override (falls back to the saved per-table name)")
	identityPath := fs.String("identity", "runic-identity.db", "identity registry file path")
	chatlogPath := fs.String("chatlog", "runic-chatlog.db", "chat archive database path")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: runic join [flags] <connection-string>")
		os.Exit(1)
	}

	conn, err := ParseConnectionString(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "join: %v\n", err)
		os.Exit(1)
	}

	idents, err := identity.Open(*identityPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "join: open identity registry: %v\n", err)
		os.Exit(1)
	}
	archive, err := chatlog.Open(*chatlogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "join: open chat archive: %v\n", err)
		os.Exit(1)
	}
	defer archive.Close()

	// The local player's own table-scoped identity isn't known until the
	// snapshot arrives, so the name is resolved against table id 0 (no saved
	// override for an unknown table) and kept for the whole session.
	name := idents.ResolveUsername(0, *username)

	table := world.NewGameTable(0, "")
	rep := replicator.New(table, replicator.Authority{SelfUserID: name, IsGM: false})
	rep.OnUserNameUpdate = func(userID, newName string, rebound bool) {
		idents.ApplyRemoteUsernameUpdate(table.TableID, userID, newName, rebound)
	}
	rep.OnChatMessage = func(groupID uint64, msg world.ChatMessage) {
		entry := chatlogEntry(groupID, msg)
		if err := archive.Append(context.Background(), entry); err != nil {
			slog.Warn("join: archive chat message", "msg_id", msg.MsgID, "err", err)
		}
	}

	core := dispatch.New(rep)
	msgIDs := world.NewIDGenerator()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("join shutting down")
		cancel()
	}()

	go core.RunDecodeWorker(ctx)
	go core.RunTicker(ctx, 50*time.Millisecond)

	rtcAPI := webrtc.NewAPI()
	rtcCfg := webrtc.Configuration{ICEServers: defaultICEServers}

	mesh, err := DialPeerMesh(conn.WSURL, conn.Password, name, rtcAPI, rtcCfg,
		func(fromPeer string, data []byte) { core.Enqueue(fromPeer, data) },
		func(peerID string, link *peerlink.Link) {
			slog.Info("join: peer link established", "peer_id", peerID)
		},
		func(peerID string) {
			for _, markerID := range rep.Drag.OnPeerDisconnected(peerID) {
				slog.Debug("join: force-closed drag on disconnect", "peer_id", peerID, "marker_id", markerID)
			}
		},
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "join: %v\n", err)
		os.Exit(1)
	}
	defer mesh.Close()

	slog.Info("join connected", "server", conn.WSURL, "username", name)
	runStdinChat(ctx, rep, mesh, msgIDs)

	if idents.Dirty() {
		if err := idents.Save(); err != nil {
			slog.Error("join: save identity registry", "err", err)
		}
	}
}

// runStdinChat reads lines from stdin, expands slash-command rolls, and
// broadcasts each as a General-group chat message on every connected
// peer's chat channel, until ctx is cancelled or stdin closes.
func runStdinChat(ctx context.Context, rep *replicator.Replicator, mesh *PeerMesh, msgIDs *world.IDGenerator) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			content, isCmd := chat.ExpandSlashCommand(line, rollDice)
			author := rep.Authority.SelfUserID
			if isCmd {
				author = "System"
			} else {
				content = line
			}
			msg := world.ChatMessage{
				MsgID:        msgIDs.Next(),
				SenderUserID: author,
				DisplayName:  author,
				Kind:         world.ClassifyContent(content),
				Content:      content,
				TimestampSec: time.Now().Unix(),
			}
			frame := replicator.EncodeChatMessage(world.GeneralGroupID, msg)
			broadcastToMesh(mesh, peerlink.LabelChat, frame)
		}
	}
}

func broadcastToMesh(mesh *PeerMesh, label peerlink.Label, frame []byte) {
	mesh.mu.Lock()
	defer mesh.mu.Unlock()
	for _, link := range mesh.peers {
		link.Send(label, frame)
	}
}

func rollDice(n, sides, modifier int) (result int, rolls []int) {
	rolls = make([]int, n)
	for i := range rolls {
		rolls[i] = rand.Intn(sides) + 1
		result += rolls[i]
	}
	result += modifier
	return result, rolls
}
