package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tradelab/labclient/go/internal/dbconfig"
	"github.com/tradelab/labclient/go/internal/inspect"
	"github.com/tradelab/labclient/go/internal/recorder"
	"github.com/tradelab/labclient/go/internal/rest"
	"github.com/tradelab/labclient/go/internal/session"
	"github.com/tradelab/labclient/go/internal/transport"
)

// Services holds the wired agent components.
type Services struct {
	Client    *session.Client
	Poller    *rest.Poller
	Inspect   *http.Server
	Recorder  *recorder.Recorder
	Transport transport.Transport
}

func setupServices(ctx context.Context, config *Config) (*Services, error) {
	clock := clockwork.NewRealClock()

	restClient := rest.NewClient(config.Server.BaseURL)
	if config.Session.Token != "" {
		restClient.SetHeader("Authorization", "Bearer "+config.Session.Token)
	}
	api := rest.NewSessionAPI(restClient, config.Session.ID, config.Session.ParticipantID)

	tr, err := setupTransport(config, clock)
	if err != nil {
		return nil, err
	}

	var rec *recorder.Recorder
	var tracer session.Tracer
	if config.Recorder.Enabled {
		dbCfg := dbconfig.NewConfigFromEnv()
		rec, err = recorder.New(ctx, dbCfg.DSN(), clock, recorder.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("setup recorder: %w", err)
		}
		tracer = rec
	}

	client := session.NewClient(session.Config{
		SessionID:       config.Session.ID,
		ParticipantID:   config.Session.ParticipantID,
		Clock:           clock,
		Transport:       tr,
		API:             api,
		Tracer:          tracer,
		ResyncThreshold: config.Sync.ResyncThreshold,
		DebounceDelay:   config.Sync.DebounceDelay,
		DedupCapacity:   config.Sync.DedupCapacity,
	})

	poller := rest.NewPoller(clock, config.Server.PollInterval, api.FetchSnapshot, client.ApplySnapshot)

	var inspectServer *http.Server
	if config.Inspect.Enabled {
		inspectServer = inspect.NewServer(config.Inspect.Port, client)
	}

	return &Services{
		Client:    client,
		Poller:    poller,
		Inspect:   inspectServer,
		Recorder:  rec,
		Transport: tr,
	}, nil
}

func setupTransport(config *Config, clock clockwork.Clock) (transport.Transport, error) {
	switch config.Transport.Kind {
	case "jetstream":
		jsCfg := transport.DefaultJetStreamConfig(config.Session.ID)
		if config.Transport.NATSURL != "" {
			jsCfg.URL = config.Transport.NATSURL
		}
		consumer, err := transport.NewJetStreamConsumer(jsCfg)
		if err != nil {
			return nil, fmt.Errorf("setup jetstream transport: %w", err)
		}
		return consumer, nil
	case "websocket", "":
		wsCfg := transport.DefaultWSConfig()
		wsCfg.URL = config.Server.WebsocketURL
		wsCfg.SessionID = config.Session.ID
		wsCfg.ParticipantID = config.Session.ParticipantID
		return transport.NewWSClient(wsCfg, clock), nil
	default:
		log.Error().Str("kind", config.Transport.Kind).Msg("unknown transport kind")
		return nil, fmt.Errorf("unknown transport kind %q", config.Transport.Kind)
	}
}
