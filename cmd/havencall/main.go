// Command havencall is a terminal call client: it connects to a haven
// server, authenticates, and places or answers calls from simple stdin
// commands. Useful for exercising signaling and capture end to end
// without a UI.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/havenchat/haven/internal/call"
	"github.com/havenchat/haven/internal/client"
	"github.com/havenchat/haven/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	url := flag.String("url", "ws://localhost:8787/ws", "server websocket URL")
	user := flag.Int64("user", 0, "identity to authenticate as")
	video := flag.Bool("video", false, "request video capture")
	flag.Parse()
	if *user == 0 {
		return errors.New("-user is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ApplyLogLevel(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl, err := client.Dial(ctx, *url, *user)
	if err != nil {
		return err
	}
	defer cl.Close()

	factory, media, err := call.NewEngine(cfg.STUNServers)
	if err != nil {
		return err
	}
	ctrl := call.New(cl, media, factory, call.WithEndedLinger(cfg.EndedLinger))
	defer ctrl.Close()
	cl.AttachController(ctrl)

	states := ctrl.Subscribe()
	go func() {
		for st := range states {
			switch s := st.(type) {
			case call.Calling:
				fmt.Printf("calling %d...\n", s.Peer)
			case call.Ringing:
				fmt.Printf("incoming call from %d (audio=%v video=%v) - accept | reject\n",
					s.Peer, s.Media.Audio, s.Media.Video)
			case call.InCall:
				fmt.Printf("in call with %d (local audio=%v video=%v, remote audio=%v video=%v)\n",
					s.Peer, s.Local.Audio, s.Local.Video, s.Remote.Audio, s.Remote.Video)
			case call.Ended:
				fmt.Printf("call ended: %s\n", s.Reason)
			case call.Idle:
				fmt.Println("idle")
			}
		}
	}()

	fmt.Printf("connected as %d. commands: call <peer> | accept | reject | hangup | quit\n", *user)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cl.Done():
			return errors.New("connection lost")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handle(ctx, ctrl, line, *video); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Println(err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func handle(ctx context.Context, ctrl *call.Controller, line string, video bool) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "call":
		if len(fields) != 2 {
			return errors.New("usage: call <peer>")
		}
		peer, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad peer id %q", fields[1])
		}
		return ctrl.StartCall(ctx, peer, call.Media{Audio: true, Video: video})
	case "accept":
		return ctrl.Accept(ctx)
	case "reject":
		return ctrl.Reject("rejected")
	case "hangup":
		ctrl.End()
		return nil
	case "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}
