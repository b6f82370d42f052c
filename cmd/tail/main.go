package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"event_delivery/internal/client"
	"event_delivery/internal/config"
	"event_delivery/internal/models"

	"github.com/joho/godotenv"
)

// Follows one session's timeline from the command line: SSE while the push
// surface works, cursor polling when it does not.
func main() {
	session := flag.String("session", "", "session id to follow")
	baseURL := flag.String("url", "http://localhost:8080", "server base url")
	cursor := flag.Int64("cursor", 0, "resume strictly after this sequence number")
	pollOnly := flag.Bool("poll", false, "disable push, poll only")
	flag.Parse()

	if *session == "" {
		fmt.Fprintln(os.Stderr, "usage: tail -session <id> [-url <base>] [-cursor <seq>] [-poll]")
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg := config.Load()

	opts := client.OptionsFromConfig(cfg, *session)
	opts.PushSupported = !*pollOnly
	opts.InitialCursor = *cursor
	opts.OnEvent = func(ev models.TimelineEvent) {
		fmt.Printf("%d\t%s\t%s\n", ev.Seq, ev.EventID, ev.Payload)
	}
	opts.OnStateChange = func(s client.State) {
		log.Println("state:", s)
	}
	opts.OnDiagnostic = func(msg string) {
		log.Println(msg)
	}

	tr := client.NewTimelineTransport(client.NewSSEOpener(*baseURL), client.NewHTTPPoller(*baseURL), opts)
	tr.Start()
	defer tr.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
