package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/fedi3/feedsync/feedsync"
)

const FeedSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Feed sync control.

The default urls assume a core service on localhost:
    api_url: http://127.0.0.1:7700
    events_url: ws://127.0.0.1:7700/_fedi3/events

Usage:
    feedsyncctl stream [--events_url=<events_url>] [--jwt=<jwt>]
        [--kinds=<kinds>]
    feedsyncctl page [--api_url=<api_url>] [--jwt=<jwt>]
        --kind=<kind>
        [--thread=<thread_id>]
        [--cursor=<cursor>]
        [--limit=<limit>]
    feedsyncctl tail [--api_url=<api_url>] [--events_url=<events_url>] [--jwt=<jwt>]
        --kind=<kind>
        [--thread=<thread_id>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --events_url=<events_url>
    --jwt=<jwt>                Your core service JWT.
    --kind=<kind>              Feed kind (timeline, notification, chat).
    --thread=<thread_id>       Thread id for chat feeds.
    --kinds=<kinds>            Comma-separated kind filter for the stream.
    --cursor=<cursor>          Pagination cursor.
    --limit=<limit>            Page size.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], FeedSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if stream_, _ := opts.Bool("stream"); stream_ {
		stream(opts)
	} else if page_, _ := opts.Bool("page"); page_ {
		page(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	return "http://127.0.0.1:7700"
}

func eventsUrl(opts docopt.Opts) string {
	if eventsUrl, err := opts.String("--events_url"); err == nil && eventsUrl != "" {
		return eventsUrl
	}
	return "ws://127.0.0.1:7700/_fedi3/events"
}

// subscribe to the event feed and print events until interrupted
func stream(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	kinds := []string{}
	if kindsStr, err := opts.String("--kinds"); err == nil && kindsStr != "" {
		kinds = strings.Split(kindsStr, ",")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := feedsync.NewFeedEventSubscriptionWithDefaults(cancelCtx)
	removeEventCallback := subscription.AddEventCallback(func(event *feedsync.FeedEvent) {
		eventJson, _ := json.Marshal(event)
		Out.Printf("%s", eventJson)
	})
	defer removeEventCallback()
	removeHealthCallback := subscription.AddHealthCallback(func(health feedsync.SubscriptionHealth) {
		Err.Printf("health %s", health)
	})
	defer removeHealthCallback()

	config := &feedsync.SubscriptionConfig{
		Url: eventsUrl(opts),
		Auth: &feedsync.ClientAuth{
			ByJwt:      jwt,
			InstanceId: feedsync.NewId(),
			AppVersion: FeedSyncCtlVersion,
		},
		Kinds: kinds,
	}
	subscription.EnsureStarted(config)
	defer subscription.Stop()

	waitForInterrupt()
}

// fetch and print one page of a feed
func page(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	kind, _ := opts.String("--kind")
	threadId, _ := opts.String("--thread")
	cursor, _ := opts.String("--cursor")
	limit, err := opts.Int("--limit")
	if err != nil || limit <= 0 {
		limit = 20
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := feedsync.NewCoreApiWithContext(cancelCtx, apiUrl(opts))
	api.SetByJwt(jwt)
	defer api.Close()

	feed := api.Feed(kind, threadId)
	feedPage, err := feed.FetchPage(cancelCtx, cursor, limit)
	if err != nil {
		Err.Printf("fetch error = %s", err)
		os.Exit(1)
	}

	for _, item := range feedPage.Items {
		itemJson, _ := json.Marshal(item)
		Out.Printf("%s", itemJson)
	}
	if feedPage.Next != "" {
		Out.Printf("next: %s", feedPage.Next)
	}
}

// run one live-updated list and print its state as it changes
func tail(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	kind, _ := opts.String("--kind")
	threadId, _ := opts.String("--thread")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := feedsync.NewCoreApiWithContext(cancelCtx, apiUrl(opts))
	api.SetByJwt(jwt)
	defer api.Close()

	coordinator := feedsync.NewFeedCoordinatorWithDefaults(cancelCtx)
	defer coordinator.Close()

	controller := feedsync.NewFeedListControllerWithDefaults(
		cancelCtx,
		api.Feed(kind, threadId),
		kind,
		threadId,
	)
	defer controller.Close()

	coordinator.Register(controller)
	defer coordinator.Unregister(controller)

	config := &feedsync.SubscriptionConfig{
		Url: eventsUrl(opts),
		Auth: &feedsync.ClientAuth{
			ByJwt:      jwt,
			InstanceId: feedsync.NewId(),
			AppVersion: FeedSyncCtlVersion,
		},
		Kinds: []string{kind},
	}
	coordinator.SetActive(true, config)
	defer coordinator.SetActive(false, nil)

	controller.Refresh()
	if err := controller.LastError(); err != nil {
		Err.Printf("refresh error = %s", err)
	}

	printed := map[string]bool{}
	printNew := func() {
		controller.ReleasePending()
		for _, item := range controller.Items() {
			if printed[item.Id] {
				continue
			}
			printed[item.Id] = true
			itemJson, _ := json.Marshal(item)
			Out.Printf("%s", itemJson)
		}
		if typingActors := controller.TypingActors(); 0 < len(typingActors) {
			Err.Printf("typing: %s", strings.Join(typingActors, ", "))
		}
	}
	printNew()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-sigs:
			return
		case <-time.After(1 * time.Second):
			printNew()
		}
	}
}

func waitForInterrupt() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	fmt.Println()
}
