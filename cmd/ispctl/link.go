package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"

	"github.com/banshee-data/ispflash/internal/api"
	"github.com/banshee-data/ispflash/internal/config"
	"github.com/banshee-data/ispflash/internal/db"
	"github.com/banshee-data/ispflash/internal/devsim"
	"github.com/banshee-data/ispflash/internal/isp"
	"github.com/banshee-data/ispflash/internal/monitoring"
	"github.com/banshee-data/ispflash/internal/serialmux"
)

// options are the flags shared by every command that opens a port.
type options struct {
	configFile string
	port       string
	baud       int
	profile    string
	dbPath     string
	record     bool
	dev        bool
	debug      bool
}

func addCommonFlags(fs *flag.FlagSet) *options {
	o := &options{}
	fs.StringVar(&o.configFile, "config", "", "JSON configuration file")
	fs.StringVar(&o.port, "port", "", "Serial port (overrides config)")
	fs.IntVar(&o.baud, "baud", 0, "Baud rate (overrides config)")
	fs.StringVar(&o.profile, "profile", "", "Serial profile name from the history database")
	fs.StringVar(&o.dbPath, "db-path", "", "History database path (overrides config)")
	fs.BoolVar(&o.record, "record", false, "Store the operation in the history database")
	fs.BoolVar(&o.dev, "dev", false, "Use a simulated device on a loopback port")
	fs.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	return o
}

// load reads the config file, applies flag overrides and validates the
// result.
func (o *options) load() (*config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		var err error
		if cfg, err = config.Load(o.configFile); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if o.port != "" {
		cfg.SerialPort = &o.port
	}
	if o.baud != 0 {
		cfg.BaudRate = &o.baud
	}
	if o.dbPath != "" {
		cfg.DBPath = &o.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	monitoring.SetDebug(o.debug || cfg.GetDebug())
	return cfg, nil
}

// parseSub accepts a subcommand id in decimal or 0x hex.
func parseSub(s string) (byte, error) {
	if s == "" {
		return 0, fmt.Errorf("-sub is required")
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid subcommand %q: must be 0-255 or 0x00-0xFF", s)
	}
	return byte(v), nil
}

// conn is an open session and the transport under it.
type conn struct {
	session *isp.Session
	mux     serialmux.SerialMuxInterface
	device  *devsim.Device
	path    string
	opts    serialmux.PortOptions

	// done is closed when the watchdog reports the port gone.
	done  <-chan struct{}
	close func()
}

func (c *conn) Close() { c.close() }

// lease hands the connection to an api.SessionManager.
func (c *conn) lease() *api.Lease {
	return &api.Lease{Session: c.session, Mux: c.mux, Lost: c.done, Close: c.Close}
}

// connect opens the port chosen by cfg, the -profile flag or -dev and starts
// a session over it. database may be nil; when set, operations are recorded
// into it.
func connect(ctx context.Context, o *options, cfg *config.Config, reg *isp.Registry, database *db.DB) (*conn, error) {
	if o.dev {
		return dial(ctx, cfg, "devsim", serialmux.PortOptions{}, true, reg, database)
	}
	path, opts, err := resolvePort(o, cfg)
	if err != nil {
		return nil, err
	}
	return dial(ctx, cfg, path, opts, false, reg, database)
}

// dial opens path, or a simulated device standing in for it when sim is set,
// and starts a session over it.
func dial(ctx context.Context, cfg *config.Config, path string, opts serialmux.PortOptions, sim bool, reg *isp.Registry, database *db.DB) (*conn, error) {
	ispCfg := cfg.ISP()
	ctx, cancel := context.WithCancel(ctx)

	var (
		mux      serialmux.SerialMuxInterface
		device   *devsim.Device
		shutdown []func()
	)
	if sim {
		host, port := serialmux.NewLoopback()
		mux = serialmux.NewSerialMux(host)
		device = devsim.New(port)
		device.SetPacketSize(ispCfg.PacketSize)
		go func() {
			if err := device.Run(ctx); err != nil && ctx.Err() == nil {
				monitoring.Logf("devsim stopped: %v", err)
			}
		}()
		shutdown = append(shutdown, func() { port.Close() })
		monitoring.Logf("🧪 dev mode: simulating %s", path)
	} else {
		sm, err := serialmux.NewRealSerialMux(path, opts)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
		mux = sm
		monitoring.Logf("🔌 opened %s (%s)", path, opts)
	}

	done := make(chan struct{})
	go func() {
		if err := mux.Monitor(ctx); monitorFailed(err) {
			monitoring.Logf("failed to monitor serial port: %v", err)
		}
	}()
	go func() {
		if err := mux.Watch(ctx, ispCfg.WatchInterval, func(err error) {
			monitoring.Logf("⚠️  serial port %s lost: %v", path, err)
		}); err != nil {
			close(done)
		}
	}()

	sessOpts := []isp.Option{isp.WithConfig(ispCfg)}
	if database != nil {
		sessOpts = append(sessOpts, isp.WithRecorder(database))
	}
	session, err := isp.NewSession(mux, reg, sessOpts...)
	if err == nil {
		err = session.Open()
	}
	if err != nil {
		cancel()
		mux.Close()
		for _, f := range shutdown {
			f()
		}
		return nil, err
	}

	return &conn{
		session: session,
		mux:     mux,
		device:  device,
		path:    path,
		opts:    opts,
		done:    done,
		close: func() {
			session.Close()
			cancel()
			mux.Close()
			for _, f := range shutdown {
				f()
			}
		},
	}, nil
}

// monitorFailed reports whether a Monitor error is worth logging. Shutdown
// surfaces as a possibly wrapped context.Canceled.
func monitorFailed(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// resolvePort picks the port path and line settings, from a stored profile
// when -profile is set and from the config otherwise.
func resolvePort(o *options, cfg *config.Config) (string, serialmux.PortOptions, error) {
	if o.profile == "" {
		opts, err := cfg.PortOptions().Normalise()
		return cfg.GetSerialPort(), opts, err
	}

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return "", serialmux.PortOptions{}, fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	p, err := database.GetSerialProfileByName(o.profile)
	if err != nil {
		return "", serialmux.PortOptions{}, err
	}
	if p == nil {
		return "", serialmux.PortOptions{}, fmt.Errorf("no serial profile named %q", o.profile)
	}
	opts, err := p.Options().Normalise()
	return p.PortPath, opts, err
}

// openHistory opens the history database when the operation should be
// recorded. It returns nil, nil when recording is off.
func openHistory(o *options, cfg *config.Config) (*db.DB, error) {
	if !o.record {
		return nil, nil
	}
	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}
