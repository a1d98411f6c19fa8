package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"google.golang.org/grpc"

	"sriov-emu/internal/config"
	"sriov-emu/pkg"
	"sriov-emu/pkg/api"
	"sriov-emu/pkg/emulator"
	"sriov-emu/pkg/types"
)

// server ties the emulated devices to the daemon's outer surfaces
type server struct {
	logger  *logrus.Logger
	config  *config.Config
	manager *emulator.Manager

	state     *stateWriter
	control   *controlDir
	fsMonitor *fsMonitor
}

// newServer builds the devices from cfg. The state file and control
// directory are refreshed after every inventory change.
func newServer(cfg *config.Config, names types.NameResolver, logger *logrus.Logger) (*server, error) {
	s := &server{
		logger:  logger,
		config:  cfg,
		state:   newStateWriter(cfg.StateFile),
		control: newControlDir(cfg.ControlDir),
	}

	m, err := emulator.NewFromConfig(cfg, emulator.WithNames(names), emulator.WithOnChange(s.inventoryChanged))
	if err != nil {
		return nil, err
	}
	s.manager = m
	m.Refresh()
	return s, nil
}

func (s *server) inventoryChanged(inv *types.Inventory) {
	if err := s.state.write(inv); err != nil {
		s.logger.WithError(err).WithField("state_file", s.state.path).Warn("failed to write state file")
	}
	if err := s.control.sync(inv); err != nil {
		s.logger.WithError(err).WithField("control_dir", s.control.root).Warn("failed to sync control directory")
	}
	if s.fsMonitor != nil {
		s.fsMonitor.watchDevices(inv)
	}
}

func (s *server) close() {
	if s.fsMonitor != nil {
		s.fsMonitor.stop()
	}
	s.manager.Close()
}

func main() {
	// Parse command-line flags
	var (
		configFile = flag.String("config", "config.yaml", "Path to configuration file")
		listen     = flag.String("listen", "", "gRPC listen address (overrides config)")
		controlDir = flag.String("control-dir", "", "Directory of per-device control files (overrides config)")
		stateFile  = flag.String("state-file", "", "Path of the JSON state file (overrides config)")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
		pciIDsRoot = flag.String("pciids-chroot", "", "Root directory to look for the pci.ids database under")
	)
	flag.Parse()

	logger := pkg.GetLogger().Logrus()

	// Load configuration
	var cfg *config.Config
	if _, err := os.Stat(*configFile); err == nil {
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			logger.WithError(err).Fatal("failed to load configuration file")
		}
		logger.WithField("config_file", *configFile).Info("loaded configuration from file")
	} else {
		cfg = config.Default()
		logger.Info("using default configuration")
	}

	// Override configuration with command-line flags
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *controlDir != "" {
		cfg.ControlDir = *controlDir
	}
	if *stateFile != "" {
		cfg.StateFile = *stateFile
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := pkg.SetLogLevelFromString(cfg.LogLevel); err != nil {
		logger.WithError(err).Fatal("invalid log level")
	}

	logger.WithFields(logrus.Fields{
		"listen":      cfg.Listen,
		"control_dir": cfg.ControlDir,
		"state_file":  cfg.StateFile,
		"devices":     len(cfg.Devices),
		"variants":    len(cfg.Variants),
	}).Info("emulator configuration")

	s, err := newServer(cfg, types.NewPCIDBResolver(*pciIDsRoot), logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create devices")
	}

	// Initialize and start file system monitoring
	fsMonitor, err := newFSMonitor(s)
	if err != nil {
		logger.WithError(err).Fatal("failed to create file system monitor")
	}
	s.fsMonitor = fsMonitor
	if err := s.fsMonitor.start(); err != nil {
		logger.WithError(err).Fatal("failed to start file system monitoring")
	}

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.WithError(err).Fatal("failed to listen")
	}

	svc := api.NewServer(s.manager)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(svc.UnaryInterceptor()))
	api.Register(grpcServer, svc)

	logger.WithField("listen", cfg.Listen).Info("Starting SR-IOV emulator")

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down server...")
		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(lis); err != nil {
		logger.WithError(err).Fatal("failed to serve")
	}
	s.close()
}
