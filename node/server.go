//go:build linux
// +build linux

package node

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fzft/go-nio-pump/config"
	"github.com/fzft/go-nio-pump/log"
	"go.uber.org/zap"
)

type Server struct {
	cfg        *config.Config
	configFile string // reloaded on change when set
	sink       Sink
	ready      chan *Loop
}

func NewServer(cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Server{
		cfg:   cfg,
		ready: make(chan *Loop, 1),
	}
}

// SetConfigFile enables live reload of the log level from path.
func (s *Server) SetConfigFile(path string) {
	s.configFile = path
}

// SetSink overrides the sink chosen from the config.
func (s *Server) SetSink(sink Sink) {
	s.sink = sink
}

// Ready delivers the loop once it is listening.
func (s *Server) Ready() <-chan *Loop {
	return s.ready
}

// Run listens and serves until ctx is done or SIGINT, SIGTERM or SIGQUIT arrives.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	loop, err := NewLoop(LoopConfig{
		BufferSize:    s.cfg.BufferSize,
		DirectBuffers: s.cfg.DirectBuffers,
		PollTimeout:   s.cfg.PollTimeout,
		MaxEvents:     s.cfg.MaxEvents,
	})
	if err != nil {
		return err
	}

	if _, err := loop.Listen("tcp", s.cfg.Addr()); err != nil {
		loop.shutdown()
		return err
	}
	if addr := s.cfg.UDPAddr(); addr != "" {
		if _, err := loop.Listen("udp", addr); err != nil {
			loop.shutdown()
			return err
		}
	}

	sink := s.sink
	if sink == nil {
		if s.cfg.Echo {
			sink = EchoSink{Loop: loop}
		} else {
			sink = LogSink{}
		}
	}
	loop.SetSink(sink)

	if s.configFile != "" {
		w, err := config.Watch(s.configFile, func(cfg *config.Config) {
			if err := log.SetLevel(cfg.LogLevel); err != nil {
				log.Logger.Warn("invalid log level", zap.String("level", cfg.LogLevel), zap.Error(err))
			}
		})
		if err != nil {
			log.Logger.Warn("config watch disabled", zap.String("path", s.configFile), zap.Error(err))
		} else {
			defer w.Close()
		}
	}

	for _, addr := range loop.Addrs() {
		log.Logger.Info("listening on", zap.String("network", addr.Network()), zap.String("addr", addr.String()))
	}
	s.ready <- loop

	// blocking
	err = loop.Run(ctx)
	if ctx.Err() != nil {
		log.Logger.Info("stop requested")
	}
	log.Logger.Info("shutting down server", zap.Int("pid", os.Getpid()))
	return err
}
