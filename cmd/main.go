package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"irblaster"
	"irblaster/internal/agent"
	"irblaster/internal/diag"
	"irblaster/internal/ir"
	"irblaster/internal/logger"
	"irblaster/internal/ota"
	"irblaster/internal/repository"
	"irblaster/internal/store"
	"irblaster/internal/transport"
)

func main() {
	// init logger
	log := logger.Get(logger.InfoLevel)

	// load config.yml
	if err := loadConfig(); err != nil {
		log.Fatalw("error reading config", "err", err)
	}

	// open DB
	db, err := openDB(log)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()
	repos := repository.NewRepository(db)

	// open the persistent settings store and provision it
	settings, uid, err := openSettings(log)
	if err != nil {
		log.Fatalw("failed to open settings", "err", err)
	}
	if settings.BrokerHost() == "" {
		log.Fatalw("broker host is not provisioned; set broker.host in config.yml")
	}

	ident := irblaster.Identity{
		AgentUID:        uid,
		AgentType:       irblaster.AgentType,
		SWVersion:       irblaster.FirmwareVersion,
		ProtocolVersion: irblaster.ProtocolVersion,
	}

	conn := transport.NewClient(log, transport.Options{
		Host:     settings.BrokerHost(),
		Port:     settings.BrokerPort(),
		Username: settings.BrokerUsername(),
		Password: settings.BrokerPassword(),
		AgentID:  uid,
	})

	imagePath := viper.GetString("ota.image_path")
	if imagePath == "" {
		imagePath = "firmware.bin"
	}
	pipeline := ota.NewPipeline(log, &http.Client{}, func() (ota.Flasher, error) {
		return ota.NewFileFlasher(imagePath), nil
	}, nil)

	core := agent.New(agent.Config{
		Log:         log,
		Settings:    settings,
		Conn:        conn,
		Journal:     repos.Events,
		Transceiver: ir.NewTransceiver(ir.NewSimSender(), ir.NewSimReceiver(0)),
		OTA:         pipeline,
		Identity:    ident,
		Restart:     func() { os.Exit(0) }, // supervisor restarts the process
	})

	// context for background goroutines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// start the tick loop
	go core.Run(ctx)

	// start diagnostics HTTP server
	srv := &diag.Server{}
	runHTTPServer(srv, viper.GetString("port"), diag.NewHandler(core, repos.Events, log), log)

	log.Infow("agent started", "uid", uid, "broker", settings.BrokerHost())

	// graceful shutdown
	waitForShutdown(cancel, srv, log)
}

func loadConfig() error {
	viper.AddConfigPath("configs") // configs/config.yml
	viper.SetConfigName("config")
	return viper.ReadInConfig()
}

// openDB initializes the SQLite journal database using configuration.
func openDB(log *logger.Logger) (*sql.DB, error) {
	dbPath := viper.GetString("db.path")
	if dbPath == "" {
		log.Infow("db.path not set in config; using default file", "default", "agent.db")
		dbPath = "agent.db"
	}
	return repository.InitDB(dbPath)
}

// openSettings loads the persistent settings file, seeds the broker
// credentials from config.yml on first boot and ensures a stable agent
// uid exists.
func openSettings(log *logger.Logger) (*store.Settings, string, error) {
	path := viper.GetString("settings.path")
	if path == "" {
		path = filepath.Join("data", "settings.yml")
	}
	settings, err := store.Open(path)
	if err != nil {
		return nil, "", err
	}

	if settings.BrokerHost() == "" && viper.GetString("broker.host") != "" {
		err := settings.SetBroker(
			viper.GetString("broker.host"),
			viper.GetInt("broker.port"),
			viper.GetString("broker.username"),
			viper.GetString("broker.password"),
		)
		if err != nil {
			return nil, "", err
		}
		log.Infow("broker provisioned from config", "host", viper.GetString("broker.host"))
	}

	uid, err := settings.EnsureAgentUID()
	if err != nil {
		return nil, "", err
	}
	return settings, uid, nil
}

// runHTTPServer runs the diagnostics server in a separate goroutine.
func runHTTPServer(srv *diag.Server, port string, handler *diag.Handler, log *logger.Logger) {
	go func() {
		if port == "" {
			port = "8080"
		}
		if err := srv.Run(port, handler.InitRoutes()); err != nil && err != http.ErrServerClosed {
			log.Fatalw("error starting diagnostics server", "err", err)
		}
	}()
}

// waitForShutdown listens for termination signals and performs graceful shutdown.
func waitForShutdown(cancel context.CancelFunc, srv *diag.Server, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down...")

	// stop the tick loop
	cancel()

	// allow in-flight requests to complete
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalw("server forced to shutdown", "err", err)
	}
}
