package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jxt1009/toperparty/internal/adapters/channel"
	"github.com/jxt1009/toperparty/internal/adapters/player"
	"github.com/jxt1009/toperparty/internal/adapters/rtc"
	"github.com/jxt1009/toperparty/internal/app"
	"github.com/jxt1009/toperparty/internal/clock"
	"github.com/jxt1009/toperparty/internal/config"
	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/jxt1009/toperparty/internal/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type joinOptions struct {
	room      string
	user      string
	transport string
	rate      float64
	length    time.Duration
	autoplay  bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "party",
		Short:        "Headless watch-party participant",
		SilenceUsage: true,
	}
	root.AddCommand(newJoinCmd())
	return root
}

func newJoinCmd() *cobra.Command {
	opts := joinOptions{}
	cmd := &cobra.Command{
		Use:   "join [room]",
		Short: "Join a room with a virtual player and read commands from stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.room = args[0]
			}
			return runJoin(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.user, "user", "", "local user id (generated when empty)")
	f.StringVar(&opts.transport, "transport", "", "signal transport: ws or mqtt (overrides config)")
	f.Float64Var(&opts.rate, "rate", 1, "virtual playback rate, e.g. 1.02 to simulate drift")
	f.DurationVar(&opts.length, "length", 2*time.Hour, "virtual media length")
	f.BoolVar(&opts.autoplay, "autoplay", false, "start playing after joining")
	return cmd
}

func dialer(cfg *config.Config) app.ChannelDialer {
	return func(ctx context.Context, room domain.RoomID, self domain.UserID) (core.SignalChannel, error) {
		switch cfg.Signal.Transport {
		case "mqtt":
			ch, err := channel.DialMQTT(cfg.Signal.MQTTBroker, string(self), cfg.Signal.TopicPrefix, room, cfg.Signal.DialTimeout)
			if err != nil {
				return nil, err
			}
			return ch, nil
		default:
			ch, err := channel.DialWS(ctx, cfg.Signal.URL, room, cfg.Signal.DialTimeout)
			if err != nil {
				return nil, err
			}
			return ch, nil
		}
	}
}

func runJoin(parent context.Context, opts joinOptions, in io.Reader, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.transport != "" {
		cfg.Signal.Transport = opts.transport
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	clk := clock.Real()
	vp := player.NewVirtual(clk, opts.length)
	vp.SetRate(opts.rate)

	sink := media.NewSink(ctx)
	defer sink.Close()

	party := app.NewParty(cfg, clk, vp, dialer(cfg), rtc.NewFactory(rtc.WebRTCConfig(cfg.ICE.Servers)), sink)
	party.LocalID = domain.UserID(opts.user)

	id, err := party.StartSession(ctx, opts.room)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer party.StopSession()
	st := party.Status()
	fmt.Fprintf(out, "joined room %s as %s\n", st.RoomID, id)

	if opts.autoplay {
		if err := vp.Play(ctx); err != nil {
			log.Warn().Err(err).Msg("autoplay")
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if quit := runCommand(ctx, party, vp, sink, line, out); quit {
				return nil
			}
		}
	}
}

// runCommand executes one interactive command and reports whether to quit.
func runCommand(ctx context.Context, party *app.Party, vp *player.Virtual, sink *media.Sink, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	var err error
	switch fields[0] {
	case "play":
		err = vp.Play(ctx)
	case "pause":
		err = vp.Pause(ctx)
	case "seek":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: seek <seconds>")
			return false
		}
		var secs float64
		secs, err = strconv.ParseFloat(fields[1], 64)
		if err == nil {
			err = vp.Seek(ctx, time.Duration(secs*float64(time.Second)))
		}
	case "pos":
		var pos time.Duration
		var paused bool
		if pos, err = vp.CurrentTime(ctx); err == nil {
			paused, err = vp.IsPaused(ctx)
			fmt.Fprintf(out, "position %.3fs paused=%v\n", pos.Seconds(), paused)
		}
	case "status":
		st := party.Status()
		type peerView struct {
			ID    domain.UserID      `json:"id"`
			State string             `json:"state"`
			Media []media.TrackStats `json:"media,omitempty"`
		}
		peers := make([]peerView, 0, len(st.Peers))
		for _, p := range st.Peers {
			stats, _ := sink.Stats(p.ID)
			peers = append(peers, peerView{ID: p.ID, State: p.State, Media: stats})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		err = enc.Encode(struct {
			app.Status
			Peers []peerView `json:"peers"`
		}{Status: st, Peers: peers})
	case "quit", "exit":
		return true
	default:
		fmt.Fprintln(out, "commands: play | pause | seek <seconds> | pos | status | quit")
	}
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
	}
	return false
}
