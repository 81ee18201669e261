package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/circleim/chatsync"
)

const ChatSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Chat sync control.

Usage:
    chatsyncctl identity --jwt=<jwt>
    chatsyncctl tail --url=<url> [--jwt=<jwt>]
        [--groups=<group_ids>]
        [--message_count=<message_count>]
    chatsyncctl send --url=<url> [--jwt=<jwt>]
        (--peer=<peer_id> | --group=<group_id>)
        [<message>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --url=<url>                      Messaging server websocket url.
    --jwt=<jwt>                      Your platform JWT. Prompted when omitted.
    --groups=<group_ids>             Comma-separated group ids to listen on.
    --peer=<peer_id>                 Destination user id.
    --group=<group_id>               Destination group id.
    --message_count=<message_count>  Print this many messages then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ChatSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if identity_, _ := opts.Bool("identity"); identity_ {
		identity(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	}
}

func identity(opts docopt.Opts) {
	auth := requireAuth(opts, newStore())
	userId, err := auth.UserId()
	if err != nil {
		panic(err)
	}
	Out.Printf("%s\n", userId)
}

func tail(opts docopt.Opts) {
	url, _ := opts.String("--url")
	store := newStore()
	auth := requireAuth(opts, store)

	messageCount := -1
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	}

	ctx := context.Background()
	manager := newManager(ctx, url, store)
	defer manager.Close()

	if err := <-manager.Connect(auth).Wait(); err != nil {
		panic(err)
	}
	if groups_, err := opts.String("--groups"); err == nil && groups_ != "" {
		manager.Registry().ReconcileGroups(strings.Split(groups_, ","))
	}

	reconciler := manager.Reconciler()
	printed := map[string]bool{}
	count := 0
	for {
		notify := reconciler.UpdateMonitor().NotifyChannel()
		for _, conversationKey := range reconciler.Conversations() {
			for _, message := range reconciler.Timeline(conversationKey) {
				if message.Id == "" || printed[message.Id] {
					continue
				}
				printed[message.Id] = true
				Out.Printf("[%s] %s %s: %s\n",
					message.CreatedAt.Format(time.RFC3339),
					conversationKey,
					message.SenderId,
					message.Content,
				)
				count += 1
				if 0 <= messageCount && messageCount <= count {
					return
				}
			}
		}
		<-notify
	}
}

func send(opts docopt.Opts) {
	url, _ := opts.String("--url")
	store := newStore()
	auth := requireAuth(opts, store)

	var conversationKey chatsync.ConversationKey
	if peerId, err := opts.String("--peer"); err == nil && peerId != "" {
		conversationKey = chatsync.ConversationKey{PeerId: peerId}
	} else if groupId, err := opts.String("--group"); err == nil && groupId != "" {
		conversationKey = chatsync.GroupKey(groupId)
	}

	content, _ := opts.String("<message>")
	if content == "" {
		Out.Printf("message: ")
		fmt.Scanln(&content)
	}

	ctx := context.Background()
	manager := newManager(ctx, url, store)
	defer manager.Close()

	if err := <-manager.Connect(auth).Wait(); err != nil {
		panic(err)
	}

	sender := chatsync.NewSender(manager)
	message, err := sender.Send(conversationKey, content, chatsync.MessageKindText)
	if err != nil {
		panic(err)
	}

	// wait briefly for the server echo to confirm
	reconciler := manager.Reconciler()
	deadline := time.After(5 * time.Second)
	for {
		notify := reconciler.UpdateMonitor().NotifyChannel()
		confirmed := false
		for _, m := range reconciler.Timeline(conversationKey) {
			if m.Content == message.Content && m.Confirmed() {
				Out.Printf("sent id=%s\n", m.Id)
				confirmed = true
				break
			}
		}
		if confirmed {
			return
		}
		select {
		case <-notify:
		case <-deadline:
			Err.Printf("no confirmation; the message remains queued as unconfirmed\n")
			return
		}
	}
}

func newStore() *chatsync.FileStore {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	store, err := chatsync.NewFileStore(filepath.Join(homeDir, ".chatsync"))
	if err != nil {
		panic(err)
	}
	return store
}

func newManager(ctx context.Context, url string, store chatsync.Store) *chatsync.SessionManager {
	newTransport := func(ctx context.Context) chatsync.Transport {
		return chatsync.NewWsTransportWithDefaults(ctx)
	}
	return chatsync.NewSessionManagerWithDefaults(ctx, url, newTransport, store)
}

// one instance id per installation, persisted next to the tombstones
func instanceId(store chatsync.Store) chatsync.Id {
	if values, err := store.Get("instance"); err == nil && 0 < len(values) {
		if id, err := chatsync.ParseId(values[0]); err == nil {
			return id
		}
	}
	id := chatsync.NewId()
	store.Set("instance", []string{id.String()})
	return id
}

func requireAuth(opts docopt.Opts, store chatsync.Store) *chatsync.ClientAuth {
	byJwt, err := opts.String("--jwt")
	if err != nil || byJwt == "" {
		Out.Printf("jwt: ")
		jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		Out.Printf("\n")
		byJwt = strings.TrimSpace(string(jwtBytes))
	}
	return &chatsync.ClientAuth{
		ByJwt:      byJwt,
		InstanceId: instanceId(store),
		AppVersion: ChatSyncCtlVersion,
	}
}
