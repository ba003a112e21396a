// The call command is a terminal client: it connects to the relay, exposes
// the call surface over stdin commands and prints bus events as they happen.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	stdsignal "os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/mikeyg42/duocall/internal/bus"
	"github.com/mikeyg42/duocall/internal/client"
	"github.com/mikeyg42/duocall/internal/config"
	"github.com/mikeyg42/duocall/internal/connmgr"
	"github.com/mikeyg42/duocall/internal/identity"
	"github.com/mikeyg42/duocall/internal/media"
	"github.com/mikeyg42/duocall/internal/session"
	"github.com/mikeyg42/duocall/internal/signal"
)

func main() {
	cfg := config.NewDefaultConfig()

	var (
		relayURL = flag.String("relay", "ws://localhost:7000/ws", "relay websocket URL")
		userID   = flag.String("user", "", "user id to connect as")
		username = flag.String("name", "", "display name")
		secret   = flag.String("secret", "duocall-dev-secret", "identity signing secret, must match the relay")
		dev      = flag.Bool("dev", false, "development logging")
	)
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: call -user <id> [-name <name>] [-relay <url>]")
		os.Exit(2)
	}
	if *username == "" {
		*username = *userID
	}

	logger := buildLogger(*dev)
	defer logger.Sync() //nolint:errcheck

	capturer, err := media.NewDeviceCapturer(cfg.Media)
	if err != nil {
		logger.Fatal("capture devices unavailable", zap.Error(err))
	}

	id := identity.NewProvider(*secret).IdentityFor(*userID, *username)
	core := client.New(cfg, *relayURL, id, capturer, capturer.CodecSelector(), connmgr.GorillaDialer(), logger)

	ctx, stop := stdsignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go printEvents(ctx, core)
	go readCommands(ctx, core, stop)

	if err := core.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("client exited", zap.Error(err))
	}
}

func printEvents(ctx context.Context, core *client.Core) {
	sessionEvents := core.Bus().Subscribe(bus.TopicSession)
	relayEvents := core.Bus().Subscribe(bus.TopicRelay)
	defer sessionEvents.Close()
	defer relayEvents.Close()

	for {
		select {
		case ev := <-sessionEvents.C:
			switch p := ev.Payload.(type) {
			case session.StateChange:
				fmt.Printf("* call: %s -> %s\n", p.From, p.To)
			case session.Ended:
				fmt.Printf("* call ended: %s\n", p.Reason)
			}
		case ev := <-relayEvents.C:
			env := ev.Payload.(signal.Envelope)
			switch env.Event {
			case signal.EventIncomingCall:
				fmt.Printf("* incoming call from %s (%s); type 'accept' or 'reject'\n", env.FromUsername, env.From)
			case signal.EventNewMessage:
				fmt.Printf("* [%s] %s\n", env.Room, env.Payload)
			}
		case <-ctx.Done():
			return
		}
	}
}

func readCommands(ctx context.Context, core *client.Core, stop func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "call":
			if len(fields) < 2 {
				fmt.Println("usage: call <user>")
				continue
			}
			err = core.Call(ctx, fields[1])
		case "accept":
			err = core.Accept(ctx)
		case "hangup", "reject":
			core.Hangup()
		case "mute":
			err = core.ToggleTrack(ctx, media.KindAudio, false)
		case "unmute":
			err = core.ToggleTrack(ctx, media.KindAudio, true)
		case "video":
			if len(fields) < 2 {
				fmt.Println("usage: video on|off")
				continue
			}
			err = core.ToggleTrack(ctx, media.KindVideo, fields[1] == "on")
		case "chat":
			if len(fields) < 3 {
				fmt.Println("usage: chat <user> <message>")
				continue
			}
			if err = core.OpenChatWith(fields[1]); err == nil {
				err = core.SendChat(fields[1], strings.Join(fields[2:], " "))
			}
		case "state":
			fmt.Printf("%s %+v\n", core.State(), core.Snapshot())
		case "quit":
			stop()
			return
		default:
			fmt.Println("commands: call accept reject hangup mute unmute video chat state quit")
		}
		if err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
}

func buildLogger(dev bool) *zap.Logger {
	if dev {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return logger
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
