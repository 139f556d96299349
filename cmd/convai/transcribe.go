package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wei/elevenlabs-packages-sub002/internal/audio"
	"github.com/wei/elevenlabs-packages-sub002/internal/device"
	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
	"github.com/wei/elevenlabs-packages-sub002/internal/scribe"
)

const transcribeChunk = 100 * time.Millisecond

var (
	transcribeVAD        bool
	transcribeMicrophone bool
	transcribeToken      string
	transcribeWait       time.Duration
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file.wav>",
	Short: "Stream a WAV file to realtime transcription",
	Long: `Stream a WAV file to realtime transcription and print partial and
committed transcripts. By default the file is sent as fast as possible and
committed at the end; --microphone plays it as a live input device instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transcribe(cmd.Context(), args[0])
	},
}

func init() {
	transcribeCmd.Flags().BoolVar(&transcribeVAD, "vad", false, "let the service commit on silence")
	transcribeCmd.Flags().BoolVar(&transcribeMicrophone, "microphone", false, "stream the file as a paced input device")
	transcribeCmd.Flags().StringVar(&transcribeToken, "token", "", "realtime token (overrides scribe.token)")
	transcribeCmd.Flags().DurationVar(&transcribeWait, "wait", 10*time.Second, "how long to wait for the final transcript")
}

func transcribe(parent context.Context, path string) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	sc := cfg.Scribe
	if transcribeToken != "" {
		sc.Token = transcribeToken
	}
	strategy := scribe.CommitStrategy(sc.CommitStrategy)
	if transcribeVAD {
		strategy = scribe.CommitVAD
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	committed := make(chan struct{}, 1)
	events := scribe.NewEvents()
	events.OnSessionStarted(func(s protocol.SessionStarted) { fmt.Printf("[session] %s\n", s.SessionID) })
	events.OnPartialTranscript(func(p protocol.PartialTranscript) { fmt.Printf("... %s\n", p.Text) })
	events.OnCommittedTranscript(func(c protocol.CommittedTranscript) {
		fmt.Printf(">>> %s\n", c.Text)
		select {
		case committed <- struct{}{}:
		default:
		}
	})
	events.OnError(func(err error) { fmt.Fprintf(os.Stderr, "[error] %v\n", err) })

	opts := scribe.Options{
		Token:                   sc.Token,
		ModelID:                 sc.ModelID,
		Origin:                  cfg.ServerOrigin,
		CommitStrategy:          strategy,
		AudioFormat:             sc.AudioFormat,
		LanguageCode:            sc.LanguageCode,
		IncludeTimestamps:       sc.IncludeTimestamps,
		VADSilenceThresholdSecs: scribe.Ptr(sc.VADSilenceThresholdSecs),
		VADThreshold:            scribe.Ptr(sc.VADThreshold),
		MinSpeechDurationMs:     scribe.Ptr(sc.MinSpeechDurationMs),
		MinSilenceDurationMs:    scribe.Ptr(sc.MinSilenceDurationMs),
		Events:                  events,
	}
	provider := &device.WAVProvider{Dir: filepath.Dir(path), DefaultInput: filepath.Base(path), Realtime: transcribeMicrophone}
	inputDone := make(chan error, 1)
	if transcribeMicrophone {
		opts.Microphone = &scribe.Microphone{Devices: provider}
		events.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			if errors.Is(err, io.EOF) {
				select {
				case inputDone <- nil:
				default:
				}
			}
		})
	}

	conn, err := scribe.New(opts)
	if err != nil {
		return err
	}
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if transcribeMicrophone {
			select {
			case err := <-inputDone:
				return err
			case <-gctx.Done():
				return nil
			}
		}
		return streamFile(gctx, conn, provider)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if strategy != scribe.CommitVAD {
		if err := conn.Commit(); err != nil {
			return err
		}
	}

	select {
	case <-committed:
	case <-time.After(transcribeWait):
		fmt.Fprintln(os.Stderr, "no committed transcript before timeout")
	case <-conn.Done():
	case <-ctx.Done():
	}
	return nil
}

// streamFile reads the default input of provider, converts it to the
// connection's format and sends it in fixed-size chunks.
func streamFile(ctx context.Context, conn *scribe.Connection, provider device.Provider) error {
	in, err := provider.OpenInput(ctx, device.InputConstraints{})
	if err != nil {
		return err
	}
	defer in.Close()

	format := conn.Format()
	codec, err := audio.LoadCodec(format.Encoding)
	if err != nil {
		return err
	}
	resampler := audio.NewResampler(in.SampleRate(), format.SampleRate)
	chunkSamples := int(int64(format.SampleRate) * int64(transcribeChunk) / int64(time.Second))
	channels := max(in.Channels(), 1)

	buf := make([]float32, 1024*channels)
	var pending []float32
	flush := func(samples []float32) error {
		return conn.Send(scribe.Chunk{Audio: codec.Encode(nil, samples)})
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			mono := device.Downmix(nil, buf[:n], channels)
			pending = resampler.Process(pending, mono)
			for len(pending) >= chunkSamples {
				if err := flush(pending[:chunkSamples]); err != nil {
					return err
				}
				pending = pending[chunkSamples:]
			}
		}
		if errors.Is(rerr, io.EOF) {
			if len(pending) > 0 {
				return flush(pending)
			}
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", in.DeviceID(), rerr)
		}
	}
}
