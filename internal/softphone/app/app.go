package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	types "github.com/sebas/dialtest/api/types/v1"
	"github.com/sebas/dialtest/internal/healthrpc"
	"github.com/sebas/dialtest/internal/softphone/api"
	"github.com/sebas/dialtest/internal/softphone/audio"
	"github.com/sebas/dialtest/internal/softphone/call"
	"github.com/sebas/dialtest/internal/softphone/config"
	"github.com/sebas/dialtest/internal/softphone/dtmf"
	"github.com/sebas/dialtest/internal/softphone/provider"
	"github.com/sebas/dialtest/internal/softphone/routerlink"
	"github.com/sebas/dialtest/internal/softphone/sipphone"
	"github.com/sebas/dialtest/internal/speech"
)

const (
	// HealthService is the name reported by the gRPC health service.
	HealthService = "dialtest.softphone"

	initRetry = 5 * time.Second
)

// Softphone wires the SIP provider, the audio graph and the call
// controller behind the local control API.
type Softphone struct {
	config *config.Config

	graph      *audio.Graph
	phone      *sipphone.Phone
	controller *call.Controller
	keypad     *dtmf.Encoder
	apiServer  *api.Server
	health     *healthrpc.Server
	link       *routerlink.Link

	unsubscribe func()
}

// New builds every component without opening sockets or devices.
func New(cfg *config.Config) (*Softphone, error) {
	open := audio.OpenMalgo
	if cfg.Audio.Device == "null" {
		open = audio.OpenNull
	}
	graph := audio.NewGraph(audio.Options{
		Open:     open,
		MicGain:  cfg.Audio.MicGain,
		ClipGain: cfg.Audio.ClipGain,
	})

	password := cfg.SIP.Password
	if cfg.Token != "" {
		password = cfg.Token
	}
	phone, err := sipphone.New(sipphone.Config{
		BindAddr:       cfg.SIP.BindAddr,
		Port:           cfg.SIP.Port,
		AdvertiseAddr:  cfg.SIP.AdvertiseAddr,
		Domain:         cfg.SIP.Domain,
		Proxy:          cfg.SIP.Proxy,
		Username:       cfg.SIP.Username,
		Password:       password,
		DisplayName:    cfg.SIP.DisplayName,
		RegisterExpiry: cfg.SIP.RegisterExpiry,
		InviteTimeout:  cfg.SIP.InviteTimeout,
		ToneDuration:   cfg.SIP.ToneDuration,
		RTPPortMin:     cfg.SIP.RTPPortMin,
		RTPPortMax:     cfg.SIP.RTPPortMax,
		Codecs:         cfg.SIP.Codecs,
	})
	if err != nil {
		graph.Close()
		return nil, fmt.Errorf("failed to create SIP phone: %w", err)
	}

	// Remote party audio goes to the speaker next to injected clips.
	monitor := graph.Monitor()
	phone.SetRemoteSink(func(samples []int16) {
		monitor.Write(audio.LaneRemote, samples)
	})
	phone.OnRemoteTone(func(ref provider.CallRef, tone dtmf.Tone) {
		slog.Info("[App] Remote DTMF", "call_id", ref, "tone", tone)
	})

	controller := call.New(call.Options{
		Provider:     phone,
		Mixer:        call.GraphMixer(graph),
		GraceDelay:   cfg.GraceDelay,
		SetupTimeout: cfg.SetupTimeout,
	})
	keypad := dtmf.NewEncoder(controller, cfg.DTMFPacing)

	var synth api.Synthesizer
	if tokens := speechTokens(cfg); tokens != nil {
		synth = speech.NewSynthesizer(tokens, speech.SynthConfig{
			Voice:    cfg.Speech.Voice,
			Endpoint: cfg.Speech.Endpoint,
		})
	}

	sp := &Softphone{
		config:     cfg,
		graph:      graph,
		phone:      phone,
		controller: controller,
		keypad:     keypad,
		apiServer:  api.NewServer(cfg.APIAddr, controller, keypad, synth),
		health:     healthrpc.NewServer(cfg.GRPCAddr, HealthService),
	}

	if cfg.RouterURL != "" {
		link, err := routerlink.New(cfg.RouterURL, cfg.Identity, routerlink.Options{
			OnCallRouted: func(msg types.AgentMessage) {
				slog.Info("[App] Router sent a call", "caller", msg.CallerNumber, "state", controller.State())
			},
		})
		if err != nil {
			phone.Close()
			graph.Close()
			return nil, fmt.Errorf("failed to create router link: %w", err)
		}
		sp.link = link
	}

	sp.unsubscribe = controller.Subscribe(logEvent)
	return sp, nil
}

// speechTokens picks the token source: a local key first, then the
// router's token endpoint. Nil disables synthesis.
func speechTokens(cfg *config.Config) speech.TokenSource {
	if cfg.Speech.Key != "" {
		return speech.Cached(speech.NewIssuer(cfg.Speech.Key, cfg.Speech.Region, ""), 0)
	}
	if cfg.RouterURL != "" {
		return speech.Cached(speech.NewRemoteTokens(cfg.RouterURL), 0)
	}
	return nil
}

// Run serves until ctx ends or a component fails.
func (s *Softphone) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.phone.Serve(ctx) })
	g.Go(func() error {
		if err := s.controller.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error { return s.apiServer.Run(ctx) })
	g.Go(func() error { return s.health.Run(ctx) })
	g.Go(func() error {
		s.initAgent(ctx)
		return nil
	})
	if s.link != nil {
		g.Go(func() error { return s.link.Run(ctx) })
	}

	return g.Wait()
}

// initAgent creates the calling agent, retrying while the provider is not
// ready. The health service reports serving once it succeeds.
func (s *Softphone) initAgent(ctx context.Context) {
	for {
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := s.controller.Init(initCtx, s.config.Token, s.config.Identity)
		cancel()
		if err == nil {
			s.health.SetServing(true)
			return
		}
		slog.Warn("[App] Agent init failed, retrying", "error", err, "retry_in", initRetry)

		t := time.NewTimer(initRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Close releases the phone, the controller and the audio device.
func (s *Softphone) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	err := s.phone.Close()
	s.controller.Close()
	if gerr := s.graph.Close(); err == nil {
		err = gerr
	}
	return err
}

func logEvent(e call.Event) {
	switch e.Type {
	case call.EventError:
		slog.Warn("[App] Call error", "error", e.Err, "detail", e.Reason)
	case call.EventStateChanged:
		slog.Info("[App] Call state", "from", e.From, "to", e.To)
	case call.EventDisconnected:
		slog.Info("[App] Call disconnected", "reason", e.Reason)
	default:
		slog.Debug("[App] Call event", "type", e.Type)
	}
}
