package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/danielpatrickdp/emobench/internal/backbone"
	"github.com/danielpatrickdp/emobench/internal/config"
	"github.com/danielpatrickdp/emobench/internal/runlog"
)

// Serves the in-process lexicon backbone on the sidecar wire protocol, so a full run can
// be smoke-tested without Python or model weights.
func main() {
	fs := pflag.NewFlagSet("backbone-server", pflag.ExitOnError)
	addr := fs.String("addr", ":50051", "listen address")
	seed := fs.Int64("seed", 77, "lexicon weight seed")
	models := fs.StringSlice("model", defaultModelNames(), "model ids the lexicon answers for")
	level := fs.String("log_level", "info", "log level")
	fs.Parse(os.Args[1:])

	if err := runlog.InitProcess(*level, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("logger")
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("listen")
	}

	s := grpc.NewServer()
	backbone.RegisterServer(s, backbone.NewLexicon(*seed), *models...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info().Msg("shutting down")
		hs.Shutdown()
		s.GracefulStop()
	}()

	log.Info().Str("addr", lis.Addr().String()).Strs("models", *models).Msg("backbone server ready")
	if err := s.Serve(lis); err != nil {
		log.Fatal().Err(err).Msg("serve")
	}
}

func defaultModelNames() []string {
	var names []string
	for _, m := range config.DefaultModels() {
		names = append(names, m.Name)
	}
	return names
}
