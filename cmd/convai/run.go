package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wei/elevenlabs-packages-sub002/internal/config"
	"github.com/wei/elevenlabs-packages-sub002/internal/conversation"
	"github.com/wei/elevenlabs-packages-sub002/internal/device"
	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
	"github.com/wei/elevenlabs-packages-sub002/internal/transport"
)

var (
	runAgentID  string
	runTextOnly bool
	runInput    string
	runOutput   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a conversation with an agent",
	Long: `Start a conversation. Microphone audio is read from a WAV file and agent
audio is written to one. Lines typed on stdin are sent as user messages;
"/end" ends the conversation and "/like" or "/dislike" rates the last reply.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConversation(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runAgentID, "agent", "", "agent id (overrides agent_id)")
	runCmd.Flags().BoolVar(&runTextOnly, "text", false, "text-only conversation, no audio devices")
	runCmd.Flags().StringVar(&runInput, "input", "", "WAV file used as the microphone")
	runCmd.Flags().StringVar(&runOutput, "output", "", "WAV file agent audio is written to")
}

func transportConfig(cfg *config.Config) transport.Config {
	tc := transport.Config{
		Kind:              transport.Kind(cfg.ConnectionType),
		SignedURL:         cfg.SignedURL,
		ConversationToken: cfg.ConversationToken,
		AgentID:           cfg.AgentID,
		APIKey:            cfg.APIKey,
		Origin:            cfg.ServerOrigin,
		APIOrigin:         cfg.APIOrigin,
		SignalingURL:      cfg.SignalingURL,
		Source:            "go_cli",
		Version:           version,
		Initiation: protocol.InitiationClientData{
			Source: &protocol.SourceInfo{Source: "go_cli", Version: version},
		},
	}
	if cfg.ICEServers != nil {
		tc.ICEServers = make([]transport.ICEServer, 0, len(cfg.ICEServers))
		for _, s := range cfg.ICEServers {
			tc.ICEServers = append(tc.ICEServers, transport.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	}
	return tc
}

// cliTools are the client tools the CLI offers to agents.
var cliTools = conversation.ClientTools{
	"get_local_time": func(context.Context, map[string]any) (any, error) {
		return time.Now().Format(time.RFC3339), nil
	},
}

func runConversation(parent context.Context) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	if runAgentID != "" {
		cfg.AgentID = runAgentID
	}
	if runInput != "" {
		cfg.InputDevice = runInput
	}
	if runOutput != "" {
		cfg.OutputDevice = runOutput
	}
	textOnly := cfg.TextOnly || runTextOnly
	if cfg.AgentID == "" && cfg.SignedURL == "" && cfg.ConversationToken == "" {
		return errors.New("agent_id, signed_url or conversation_token is required")
	}
	if !textOnly && cfg.InputDevice == "" {
		return errors.New("an input WAV file is required for voice conversations (use --input or --text)")
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := conversation.NewEvents()
	events.OnStatusChange(func(s conversation.Status) { fmt.Printf("[status] %s\n", s) })
	events.OnModeChange(func(m conversation.Mode) { fmt.Printf("[mode] %s\n", m) })
	events.OnMessage(func(m conversation.Message) { fmt.Printf("%s: %s\n", m.Source, m.Text) })
	events.OnError(func(e conversation.ErrorEvent) { fmt.Fprintf(os.Stderr, "[error] %s\n", e.Message) })
	events.OnDisconnect(func(d conversation.DisconnectDetails) {
		fmt.Printf("[disconnected] reason=%s %s\n", d.Reason, d.Message)
	})

	volume := cfg.Volume
	opts := conversation.Options{
		Transport:   transportConfig(cfg),
		ClientTools: cliTools,
		ToolWorkers: cfg.ToolWorkers,
		Events:      events,
		Volume:      &volume,
		TextOnly:    textOnly,
		UseWakeLock: cfg.UseWakeLock,
	}
	if !textOnly {
		opts.Devices = &device.WAVProvider{
			Dir:           cfg.DeviceDir,
			DefaultInput:  cfg.InputDevice,
			DefaultOutput: cfg.OutputDevice,
			Realtime:      true,
		}
	}

	session, err := conversation.Start(ctx, opts)
	if err != nil {
		return err
	}
	defer session.EndSession()
	fmt.Printf("Connected: conversation %s\n", session.ID())

	lines := make(chan string)
	go readLines(lines)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			session.EndSession()
		case <-session.Done():
		}
		return nil
	})
	g.Go(func() error {
		defer session.EndSession()
		for {
			select {
			case <-session.Done():
				return nil
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if done := handleLine(session, line); done {
					return nil
				}
			}
		}
	})
	err = g.Wait()

	log.Info("conversation finished", "health", session.Health().Summary().String(), "audio", session.Metrics())
	return err
}

// handleLine runs one stdin command and reports whether the user asked to
// end the conversation.
func handleLine(s *conversation.Session, line string) bool {
	line = strings.TrimSpace(line)
	var err error
	switch line {
	case "":
		return false
	case "/end":
		return true
	case "/like", "/dislike":
		err = s.SendFeedback(line == "/like")
	case "/mute", "/unmute":
		err = s.SetMicMuted(line == "/mute")
	default:
		if text, ok := strings.CutPrefix(line, "/context "); ok {
			err = s.SendContextualUpdate(text)
		} else {
			err = s.SendUserMessage(line)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
	}
	return false
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}
