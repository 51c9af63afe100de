package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/glimesh/ftl-ingest/pkg/ftlingest"
)

func main() {
	log := logrus.New()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatal(err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	viper.SetDefault("ingest.log_level", "info")
	viper.SetDefault("ingest.listen_addr", ":8084")
	viper.SetDefault("ingest.media_port_min", 9000)
	viper.SetDefault("ingest.media_port_max", 9100)
	viper.SetDefault("ingest.metadata_report_interval", 4)
	viper.SetDefault("ingest.rolling_window_ms", 2000)
	viper.SetDefault("ingest.nack_enabled", true)
	viper.SetDefault("ingest.generate_previews", false)
	if err := viper.ReadInConfig(); err != nil {
		log.Fatal(fmt.Errorf("fatal error config file: %w", err))
	}

	level, err := logrus.ParseLevel(viper.GetString("ingest.log_level"))
	if err != nil {
		log.Fatal(fmt.Errorf("fatal error config file: %w", err))
	}
	log.SetLevel(level)

	cfg := ftlingest.ServerConfig{
		Hostname:               hostname,
		ListenAddr:             viper.GetString("ingest.listen_addr"),
		MediaPortMin:           viper.GetInt("ingest.media_port_min"),
		MediaPortMax:           viper.GetInt("ingest.media_port_max"),
		MetadataReportInterval: viper.GetInt("ingest.metadata_report_interval"),
		RollingWindowMs:        viper.GetInt("ingest.rolling_window_ms"),
		NackEnabled:            viper.GetBool("ingest.nack_enabled"),
		GeneratePreviews:       viper.GetBool("ingest.generate_previews"),
	}

	var credentials map[uint32]string
	if err := viper.UnmarshalKey("ingest.channels", &credentials); err != nil {
		log.Fatal(fmt.Errorf("fatal error reading ingest.channels: %w", err))
	}

	sink := ftlingest.NewTrackSink()

	server := ftlingest.NewIngestServer(
		cfg,
		newStaticCredentialProvider(credentials),
		newLoggingStreamRegistry(log),
		nil, // no preview encoder wired by default; see ftlingest.PreviewEncoder
		sink,
		log.WithField("component", "ftlingest"),
	)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Info("shutting down ftl-ingestd")
		server.Stop()
		os.Exit(0)
	}()

	log.Infof("ftl-ingestd listening on %s", cfg.ListenAddr)
	if err := server.Serve(); err != nil {
		log.Fatal(err)
	}
}

// staticCredentialProvider resolves channel secrets from the config file's
// ingest.channels table ("12345" = "stream key"), standing in for the
// external service that owns channel credentials in production.
type staticCredentialProvider struct {
	secrets map[uint32]string
}

func newStaticCredentialProvider(secrets map[uint32]string) *staticCredentialProvider {
	return &staticCredentialProvider{secrets: secrets}
}

func (p *staticCredentialProvider) Lookup(channelID ftlingest.ChannelID) ([]byte, error) {
	secret, ok := p.secrets[uint32(channelID)]
	if !ok {
		return nil, fmt.Errorf("unknown channel %d", uint32(channelID))
	}
	return []byte(secret), nil
}

// loggingStreamRegistry is a minimal StreamRegistry that just logs lifecycle
// and metadata events, for running the server standalone without a real
// orchestrator wired in.
type loggingStreamRegistry struct {
	log logrus.FieldLogger

	mu   sync.Mutex
	next uint32
}

func newLoggingStreamRegistry(log logrus.FieldLogger) *loggingStreamRegistry {
	return &loggingStreamRegistry{log: log}
}

func (r *loggingStreamRegistry) StartStream(channelID ftlingest.ChannelID) (ftlingest.StreamID, error) {
	r.mu.Lock()
	r.next++
	id := r.next
	r.mu.Unlock()

	traceID := uuid.New()
	r.log.WithField("channel_id", channelID).WithField("stream_id", id).WithField("trace_id", traceID).Info("stream started")
	return ftlingest.StreamID(id), nil
}

func (r *loggingStreamRegistry) UpdateMetadata(streamID ftlingest.StreamID, metadata ftlingest.StreamMetadata) error {
	r.log.WithField("stream_id", streamID).Debugf("metadata: %+v", metadata)
	return nil
}

func (r *loggingStreamRegistry) EndStream(streamID ftlingest.StreamID) error {
	r.log.WithField("stream_id", streamID).Info("stream ended")
	return nil
}

func (r *loggingStreamRegistry) SubmitPreview(streamID ftlingest.StreamID, jpeg []byte) error {
	r.log.WithField("stream_id", streamID).Debugf("preview submitted: %d bytes", len(jpeg))
	return nil
}
