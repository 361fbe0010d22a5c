package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fzft/go-nio-pump/cmd"
	"github.com/fzft/go-nio-pump/config"
	"github.com/fzft/go-nio-pump/log"
	"github.com/fzft/go-nio-pump/node"
	"go.uber.org/zap"
)

// usage: nio-pump [config.yaml]
//        nio-pump cli [tcp://|udp://][host:port]
func main() {
	if len(os.Args) > 1 && os.Args[1] == "cli" {
		os.Exit(cmd.Main(os.Args[2:], GitSHA1(), GitDirty()))
	}

	cfg := config.Default()
	var configFile string
	if len(os.Args) > 1 {
		configFile = os.Args[1]
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Fatal error, can't open config file '%s': %v\n", configFile, err)
			os.Exit(1)
		}
	}

	if err := log.InitLogger(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error, can't init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Logger.Sync()

	log.Logger.Info("nio-pump starting",
		zap.String("git_sha1", GitSHA1()),
		zap.String("build_id", BuildIdRaw()),
		zap.Int("pid", os.Getpid()))

	s := node.NewServer(cfg)
	if configFile != "" {
		s.SetConfigFile(configFile)
	}
	if err := s.Run(context.Background()); err != nil {
		log.Logger.Error("server exited", zap.Error(err))
		log.Logger.Sync()
		os.Exit(1)
	}
}
