// Command peer is a headless meeting participant. It sends synthetic media,
// prints the roster and chat, and turns stdin lines into chat messages.
//
//	/audio on|off   toggle the microphone
//	/video on|off   toggle the camera
//	/share          share a synthetic screen, /unshare to stop
//	/quit           leave
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/client/media"
	"github.com/dkeye/Meet/internal/client/meeting"
	"github.com/dkeye/Meet/internal/client/peer"
	"github.com/dkeye/Meet/internal/client/signaling"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := newPeerCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newPeerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Joins a meeting as a headless participant",
		Long: `Peer connects to the relay, creates a meeting or joins the one given
with --join, and exchanges synthetic media with every other participant.
Flags override config/config.<CONFIG_ENV>.yaml and MEET_CLIENT_* variables.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd)
		},
	}
	config.ClientFlags(cmd.Flags())
	return cmd
}

func run(cmd *cobra.Command) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_, v, err := config.Load()
	if err != nil {
		return err
	}
	cfg, err := config.BindClientFlags(v, cmd.Flags())
	if err != nil {
		return err
	}
	config.ApplyLogLevel(cfg.Log.Level)
	cc := cfg.Client

	api, err := rtc.NewAPI(rtc.Settings{IncludeLoopback: cc.Loopback})
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}

	ended := make(chan error, 1)
	s := meeting.New(meeting.Config{
		Name:      cc.Name,
		MeetingID: domain.ParseMeetingID(cc.Meeting),
		Audio:     true,
		Video:     true,
		Peer: peer.Options{
			RetryDelay:    cc.RetryDelay,
			FallbackDelay: cc.FallbackDelay,
			FailureGrace:  cc.FailureGrace,
			MaxResets:     cc.MaxResets,
			ResetWindow:   cc.ResetWindow,
		},
		Transport: rtc.NewFactory(api, rtc.Configuration(cc.ICEServers)),
		Captures:  func() ([]media.Capture, error) { return media.OpenCaptures(cc.Media) },
		Relay: func(h signaling.Handlers) meeting.Relay {
			return signaling.New(signaling.Options{URL: cc.ServerURL, Tiers: cc.ReconnectTiers}, h)
		},
	}, meeting.Events{
		OnRoster: func(r []domain.Participant) {
			names := make([]string, len(r))
			for i, p := range r {
				names[i] = fmt.Sprintf("%s(audio=%t video=%t)", p.Name, p.Audio, p.Video)
			}
			fmt.Printf("* roster: %s\n", strings.Join(names, ", "))
		},
		OnChat: func(c protocol.Chat) {
			fmt.Printf("[%s] %s: %s\n", c.SentAt.Local().Format("15:04:05"), c.Name, c.Text)
		},
		OnMedia: func(remote domain.ParticipantID, tr peer.RemoteTrack) {
			log.Info().Str("remote", string(remote)).Str("kind", tr.Kind().String()).Msg("receiving media")
		},
		OnMediaRemoved: func(remote domain.ParticipantID) {
			log.Info().Str("remote", string(remote)).Msg("media removed")
		},
		OnError: func(e *protocol.Error) {
			log.Warn().Str("code", string(e.Code)).Msg(e.Message)
		},
		OnEnded: func(err error) { ended <- err },
	})

	if err := s.Start(ctx); err != nil {
		switch {
		case errors.Is(err, meeting.ErrMediaUnavailable):
			log.Error().Err(err).Str("media", cc.Media).Msg("cannot open camera or microphone")
		case errors.Is(err, meeting.ErrMeetingNotFound):
			log.Error().Str("meeting", cc.Meeting).Msg("no such meeting")
		default:
			log.Error().Err(err).Msg("failed to start")
		}
		return err
	}
	fmt.Printf("* in meeting %s as %s\n", s.MeetingID(), s.Self())

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return s.Leave()
		case err := <-ended:
			log.Error().Err(err).Msg("meeting ended")
			return err
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return s.Leave()
			}
			if err := command(s, line); err != nil {
				log.Warn().Err(err).Msg("command failed")
			}
		}
	}
}

func command(s *meeting.Session, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/audio":
		return s.SetAudio(len(fields) > 1 && fields[1] == "on")
	case "/video":
		return s.SetVideo(len(fields) > 1 && fields[1] == "on")
	case "/share":
		return s.ShareScreen(media.NewSyntheticVideo("screen"))
	case "/unshare":
		s.StopShare()
		return nil
	default:
		return s.SendChat(line, protocol.SourceKeyboard)
	}
}
