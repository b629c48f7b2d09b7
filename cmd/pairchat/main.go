// pairchat is a headless client: it joins the relay queue, negotiates a
// direct connection with whoever it is paired with and relays chat lines
// between stdin and the partner.
//
// Lines starting with "/" are commands:
//
//	/next            end the current conversation and find someone new
//	/stop            leave and disconnect from the relay
//	/start           reconnect and rejoin the queue
//	/report <reason> report the current partner, then /next
//	/quit            exit
//
// Any other line is sent as a chat message once connected.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/mossy-p/pairchat/config"
	"github.com/mossy-p/pairchat/internal/logging"
	"github.com/mossy-p/pairchat/internal/models"
	"github.com/mossy-p/pairchat/internal/peer"
	"github.com/mossy-p/pairchat/internal/session"
	"github.com/mossy-p/pairchat/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("pairchat", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "relay WebSocket url")
	flagSet.DurationVar(&cfg.RejoinDelay, "rejoin-delay", cfg.RejoinDelay, "delay before rejoining the queue after a session ends")
	flagSet.DurationVar(&cfg.SkipDelay, "skip-delay", cfg.SkipDelay, "delay between leave and join on /next")
	flagSet.IntVar(&cfg.MaxConsecutiveFailures, "max-failures", cfg.MaxConsecutiveFailures, "stop rejoining after this many failed sessions in a row (0 = never)")
	flagSet.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn or error")
	flagSet.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "text or json")
	flagSet.StringVar(&cfg.Log.File, "log-file", cfg.Log.File, "also write logs to this file, rotated")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := peer.NewAPI(peer.APIConfig{
		UDPPortMin: cfg.UDPPortMin,
		UDPPortMax: cfg.UDPPortMax,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	peers, err := peer.NewManager(peer.Config{
		API:        api,
		ICEServers: cfg.ICE.Servers,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	relay := transport.New(transport.Config{URL: cfg.RelayURL, Logger: logger})

	machine, err := session.New(session.Config{
		Transport: relay,
		Peers:     peers,
		Policy: session.FixedDelay{
			Delay:                  cfg.RejoinDelay,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		},
		SkipDelay: cfg.SkipDelay,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	attachConsole(machine, os.Stdout, logger)

	runErr := make(chan error, 1)
	go func() { runErr <- machine.Run(ctx) }()

	if err := machine.Start(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			<-runErr
			return nil
		case err := <-runErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				lines = nil
				stop()
				continue
			}
			if quit := handleLine(ctx, machine, relay, line); quit {
				stop()
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handleLine runs one console command. It reports whether to exit.
func handleLine(ctx context.Context, m *session.Machine, relay *transport.Client, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		// Chat outside a connected session is ignored.
		_ = m.SendChat(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/next":
		_ = m.Skip(ctx)
	case "/stop":
		_ = m.Stop(ctx)
	case "/start":
		_ = m.Start(ctx)
	case "/report":
		// Fire-and-forget; the relay records the current partner.
		_ = relay.Emit(models.EventReport, models.ReportPayload{Reason: strings.TrimSpace(arg)})
		_ = m.Skip(ctx)
	case "/quit":
		return true
	default:
		fmt.Fprintf(os.Stdout, "unknown command %s\n", cmd)
	}
	return false
}

// attachConsole renders machine events as plain lines.
func attachConsole(m *session.Machine, w io.Writer, logger *slog.Logger) {
	m.OnStatusChanged(func(s session.Status) {
		switch {
		case s.State == session.StateWaiting && s.QueuePosition != nil:
			fmt.Fprintf(w, "* waiting for a partner (position %d)\n", *s.QueuePosition)
		case s.State == session.StateWaiting:
			fmt.Fprintln(w, "* waiting for a partner")
		case s.State == session.StateMatched:
			fmt.Fprintf(w, "* matched with %s, connecting\n", s.Partner)
		case s.Detail != "":
			fmt.Fprintf(w, "* %s\n", s.Detail)
		}
	})
	m.OnConnected(func(partner string) {
		fmt.Fprintf(w, "* connected to %s, say hi\n", partner)
	})
	m.OnChatReceived(func(msg session.ChatMessage) {
		fmt.Fprintf(w, "stranger: %s\n", msg.Text)
	})
	m.OnEnded(func(r session.Reason) {
		fmt.Fprintf(w, "* conversation ended (%s)\n", r)
	})
	m.OnError(func(err error) {
		var serverErr *session.ServerError
		if errors.As(err, &serverErr) {
			fmt.Fprintf(w, "! %s\n", serverErr.Msg)
			return
		}
		fmt.Fprintf(w, "! %v\n", err)
	})
	m.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		go drainTrack(track, logger)
	})
}

// drainTrack consumes remote media so the receive pipeline keeps flowing.
// Rendering is left to whatever embeds the core.
func drainTrack(track *webrtc.TrackRemote, logger *slog.Logger) {
	packets := 0
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			logger.Debug("remote track finished", "kind", track.Kind().String(), "packets", packets)
			return
		}
		packets++
	}
}
