package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pion/webrtc/v4"

	"github.com/rustyguts/runic/internal/bootstrap"
	"github.com/rustyguts/runic/internal/chatlog"
	"github.com/rustyguts/runic/internal/dispatch"
	"github.com/rustyguts/runic/internal/identity"
	"github.com/rustyguts/runic/internal/peerlink"
	"github.com/rustyguts/runic/internal/replicator"
	"github.com/rustyguts/runic/internal/signaling"
	"github.com/rustyguts/runic/internal/world"
)

var defaultICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

func runHost(args []string) {
	fs := flag.NewFlagSet("host", flag.ExitOnError)
	addr := fs.String("addr", ":8443", "signaling listen address")
	password := fs.String("password", "", "shared table password (required)")
	tableName := fs.String("table", "Table", "game table display name")
	identityPath := fs.String("identity", "runic-identity.db", "identity registry file path")
	chatlogPath := fs.String("chatlog", "runic-chatlog.db", "chat archive database path")
	fs.Parse(args)

	if *password == "" {
		fmt.Fprintln(os.Stderr, "host: -password is required")
		os.Exit(1)
	}

	idents, err := identity.Open(*identityPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "host: open identity registry: %v\n", err)
		os.Exit(1)
	}
	archive, err := chatlog.Open(*chatlogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "host: open chat archive: %v\n", err)
		os.Exit(1)
	}
	defer archive.Close()

	ids := world.NewIDGenerator()
	table := world.NewGameTable(ids.Next(), *tableName)
	rep := replicator.New(table, replicator.Authority{SelfUserID: "gm", IsGM: true})
	rep.OnUserNameUpdate = func(userID, newName string, rebound bool) {
		applied, rebroadcast := idents.ApplyRemoteUsernameUpdate(table.TableID, userID, newName, rebound)
		if rebroadcast {
			slog.Info("host resolved username collision", "user_id", userID, "applied", applied)
		}
	}
	rep.OnChatMessage = func(groupID uint64, msg world.ChatMessage) {
		entry := chatlogEntry(groupID, msg)
		if err := archive.Append(context.Background(), entry); err != nil {
			slog.Warn("host: archive chat message", "msg_id", msg.MsgID, "err", err)
		}
	}

	core := dispatch.New(rep)
	router := signaling.New(*password)
	defer router.Close()

	e := echo.New()
	e.HideBanner = true
	router.Register(e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("host shutting down")
		cancel()
	}()

	go core.RunDecodeWorker(ctx)
	go core.RunTicker(ctx, 50*time.Millisecond)

	serveErr := make(chan error, 1)
	go func() { serveErr <- e.Start(*addr) }()

	mesh, err := dialSelfAsGM(ctx, *addr, *password, table, rep, core)
	if err != nil {
		slog.Error("host: could not join own signaling router", "err", err)
		cancel()
		<-serveErr
		os.Exit(1)
	}

	slog.Info("host listening", "addr", *addr, "table_id", table.TableID, "table_name", table.Name)

	go func() {
		<-ctx.Done()
		core.Stop()
		mesh.Close()
		_ = e.Close()
	}()

	if err := <-serveErr; err != nil {
		slog.Info("host stopped", "err", err)
	}

	if idents.Dirty() {
		if err := idents.Save(); err != nil {
			slog.Error("host: save identity registry", "err", err)
		}
	}
}

// dialSelfAsGM connects the host process into its own signaling router as
// the GM's own peer identity, retrying briefly while the listener comes
// up, then wires every newly connected peer into a bootstrap run and
// every inbound frame into the Dispatch Core's raw queue.
func dialSelfAsGM(ctx context.Context, addr, password string, table *world.GameTable, rep *replicator.Replicator, core *dispatch.Core) (*PeerMesh, error) {
	wsURL := "ws://" + loopbackHost(addr) + "/ws"
	rtcAPI := webrtc.NewAPI()
	rtcCfg := webrtc.Configuration{ICEServers: defaultICEServers}

	var mesh *PeerMesh
	var err error
	deadline := time.Now().Add(5 * time.Second)
	for {
		mesh, err = DialPeerMesh(wsURL, password, "GM", rtcAPI, rtcCfg,
			func(fromPeer string, data []byte) { core.Enqueue(fromPeer, data) },
			func(peerID string, link *peerlink.Link) {
				runBootstrapWhenGameChannelOpens(ctx, link, table, rep)
			},
			func(peerID string) {
				for _, markerID := range rep.Drag.OnPeerDisconnected(peerID) {
					slog.Debug("host: force-closed drag on disconnect", "peer_id", peerID, "marker_id", markerID)
				}
			},
		)
		if err == nil {
			return mesh, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// runBootstrapWhenGameChannelOpens polls for the game channel to open
// (pion's DataChannel has no open-future API to await directly) and then
// streams the snapshot bootstrap sequence to that one peer.
func runBootstrapWhenGameChannelOpens(ctx context.Context, link *peerlink.Link, table *world.GameTable, rep *replicator.Replicator) {
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if link.DCOpen(peerlink.LabelGame) {
					orch := bootstrap.New(func(frame []byte) { link.Send(peerlink.LabelGame, frame) })
					orch.Run(bootstrap.Table{
						GameTable: table,
						Groups:    bootstrapGroups(rep.Chat.Groups()),
					})
					return
				}
			}
		}
	}()
}

// bootstrapGroups snapshots the chat manager's groups into the metadata-
// only shape the Bootstrap Orchestrator streams to a newly connected peer.
func bootstrapGroups(groups []*world.ChatGroup) []bootstrap.ChatGroupMeta {
	out := make([]bootstrap.ChatGroupMeta, 0, len(groups))
	for _, g := range groups {
		participants := make([]string, 0, len(g.Participants))
		for p := range g.Participants {
			participants = append(participants, p)
		}
		out = append(out, bootstrap.ChatGroupMeta{
			GroupID:      g.GroupID,
			Name:         g.Name,
			OwnerUserID:  g.OwnerUserID,
			Participants: participants,
		})
	}
	return out
}

// chatlogEntry converts a world.ChatMessage into the shape chatlog.Archive
// stores, shared by both the host and join entrypoints.
func chatlogEntry(groupID uint64, msg world.ChatMessage) chatlog.Entry {
	return chatlog.Entry{
		MsgID:        msg.MsgID,
		GroupID:      groupID,
		SenderUserID: msg.SenderUserID,
		DisplayName:  msg.DisplayName,
		Kind:         int(msg.Kind),
		Content:      msg.Content,
		ReplyToMsgID: msg.ReplyToMsgID,
		TimestampSec: msg.TimestampSec,
		Deleted:      msg.Deleted,
	}
}

// loopbackHost turns a listen address like ":8443" or "0.0.0.0:8443" into
// something dialable on the same host.
func loopbackHost(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	if strings.HasPrefix(addr, "0.0.0.0:") {
		return "127.0.0.1" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	return addr
}
