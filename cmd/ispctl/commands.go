package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/ispflash/internal/api"
	"github.com/banshee-data/ispflash/internal/config"
	"github.com/banshee-data/ispflash/internal/db"
	"github.com/banshee-data/ispflash/internal/filexfer"
	"github.com/banshee-data/ispflash/internal/httputil"
	"github.com/banshee-data/ispflash/internal/isp"
	"github.com/banshee-data/ispflash/internal/monitoring"
	"github.com/banshee-data/ispflash/internal/security"
	"github.com/banshee-data/ispflash/internal/serialmux"
	"github.com/banshee-data/ispflash/internal/units"
)

// listPorts is replaced in tests.
var listPorts = serialmux.ListPorts

func runPorts(out io.Writer) error {
	ports, err := listPorts()
	if err != nil {
		return fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintf(out, "🔌 %s\n", p)
	}
	return nil
}

// progressPrinter reports every tenth percent.
func progressPrinter(out io.Writer) func(int) {
	last := -1
	return func(pct int) {
		if pct/10 == last {
			return
		}
		last = pct / 10
		fmt.Fprintf(out, "  %3d%%\n", pct)
	}
}

// outcome turns a session result into the command's error.
func outcome(s *isp.Session, what string, res isp.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if res != isp.ResultSuccess {
		if cause := s.LastError(); cause != nil {
			return fmt.Errorf("%s %s: %v", what, res, cause)
		}
		return fmt.Errorf("%s %s", what, res)
	}
	return nil
}

// prepare loads config, opens history when asked and connects.
func prepare(ctx context.Context, o *options, reg *isp.Registry) (*conn, func(), error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	database, err := openHistory(o, cfg)
	if err != nil {
		return nil, nil, err
	}
	c, err := connect(ctx, o, cfg, reg, database)
	if err != nil {
		if database != nil {
			database.Close()
		}
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		if database != nil {
			database.Close()
		}
	}, nil
}

func runWrite(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("write", flag.ContinueOnError)
	o := addCommonFlags(fs)
	subFlag := fs.String("sub", "", "Subcommand id (e.g. 0x10)")
	in := fs.String("in", "", "File to send (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sub, err := parseSub(*subFlag)
	if err != nil {
		return err
	}
	if *in == "" {
		return errors.New("-in is required")
	}

	h := filexfer.New(nil, *in)
	total, err := h.Size()
	if err != nil {
		return fmt.Errorf("failed to stat input: %w", err)
	}
	reg := isp.NewRegistry()
	reg.Register(sub, h)

	c, done, err := prepare(ctx, o, reg)
	if err != nil {
		return err
	}
	defer done()

	fmt.Fprintf(out, "📤 writing %d bytes from %s to subcommand 0x%02X\n", total, *in, sub)
	start := time.Now()
	res, err := c.session.Write(ctx, sub, total, progressPrinter(out))
	if err := outcome(c.session, "write", res, err); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ wrote %d bytes %s\n", total, rate(total, time.Since(start)))
	return nil
}

// rate describes how long n bytes took.
func rate(n int, elapsed time.Duration) string {
	s := fmt.Sprintf("(%s) in %v", units.FormatBytes(int64(n)), elapsed.Round(time.Millisecond))
	if elapsed > 0 {
		s += ", " + units.FormatRate(float64(n)/elapsed.Seconds())
	}
	return s
}

// devPattern is the data the simulated device serves for reads and
// commands.
func devPattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func runRead(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	o := addCommonFlags(fs)
	subFlag := fs.String("sub", "", "Subcommand id (e.g. 0x10)")
	size := fs.Int("size", 0, "Number of bytes to read (required)")
	outPath := fs.String("out", "", "File to write (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sub, err := parseSub(*subFlag)
	if err != nil {
		return err
	}
	if *size <= 0 {
		return errors.New("-size must be positive")
	}
	if *outPath == "" {
		return errors.New("-out is required")
	}
	if err := security.ValidateOutputPath(*outPath); err != nil {
		return fmt.Errorf("invalid output path: %w", err)
	}

	reg := isp.NewRegistry()
	reg.Register(sub, filexfer.New(nil, *outPath))

	c, done, err := prepare(ctx, o, reg)
	if err != nil {
		return err
	}
	defer done()
	if c.device != nil {
		c.device.Load(sub, devPattern(*size))
	}

	fmt.Fprintf(out, "📥 reading %d bytes from subcommand 0x%02X\n", *size, sub)
	start := time.Now()
	res, err := c.session.Read(ctx, sub, *size, progressPrinter(out))
	if err := outcome(c.session, "read", res, err); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ saved %d bytes to %s %s\n", *size, *outPath, rate(*size, time.Since(start)))
	return nil
}

func runCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("cmd", flag.ContinueOnError)
	o := addCommonFlags(fs)
	subFlag := fs.String("sub", "", "Subcommand id (e.g. 0x01)")
	n := fs.Int("len", 0, "Number of reply data bytes expected")
	paramsHex := fs.String("params", "", "Request parameters as hex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sub, err := parseSub(*subFlag)
	if err != nil {
		return err
	}
	if *n < 0 || *n > isp.MaxPayload-2 {
		return fmt.Errorf("-len must be between 0 and %d", isp.MaxPayload-2)
	}
	params, err := hex.DecodeString(strings.TrimPrefix(*paramsHex, "0x"))
	if err != nil {
		return fmt.Errorf("invalid -params: %w", err)
	}

	reg := isp.NewRegistry()
	reg.Register(sub, &isp.HandlerFuncs{ParamsFunc: func(byte) []byte { return params }})

	c, done, err := prepare(ctx, o, reg)
	if err != nil {
		return err
	}
	defer done()
	if c.device != nil {
		c.device.SetCommand(sub, devPattern(*n))
	}

	// The reply payload is [0xA0][n][data].
	reply, res, err := c.session.Command(ctx, sub, *n+2)
	if err := outcome(c.session, "command", res, err); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ 0x%02X replied %d bytes: %s\n", sub, len(reply), hex.EncodeToString(reply))
	return nil
}

func runServe(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	o := addCommonFlags(fs)
	listen := fs.String("listen", "", "Listen address (overrides config)")
	retain := fs.Duration("retain", 30*24*time.Hour, "Prune transfer history older than this (0 keeps everything)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := o.load()
	if err != nil {
		return err
	}
	addr := cfg.GetListenAddr()
	if *listen != "" {
		addr = *listen
	}

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Commands from /api/command carry their own request bytes, so the
	// served session needs no subcommand handlers.
	reg := isp.NewRegistry()
	c, err := connect(ctx, o, cfg, reg, database)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	manager := api.NewSessionManager(database, c.lease(), snapshotFor(o, c), func(path string, opts serialmux.PortOptions) (*api.Lease, error) {
		nc, err := dial(ctx, cfg, path, opts, o.dev, reg, database)
		if err != nil {
			return nil, err
		}
		return nc.lease(), nil
	})
	defer manager.Close()

	var wg sync.WaitGroup
	if *retain > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneLoop(ctx, database, *retain, time.Hour)
		}()
	}

	mux := api.NewServer(manager, database).ServeMux()
	manager.AttachAdminRoutes(mux)
	database.AttachAdminRoutes(mux)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := &http.Server{Handler: api.LoggingMiddleware(mux)}
	errc := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()
	fmt.Fprintf(out, "🚀 serving %s on http://%s\n", c.path, ln.Addr())

	select {
	case <-ctx.Done():
	case <-manager.Lost():
		err = fmt.Errorf("serial port %s disconnected", manager.Snapshot().PortPath)
	case err = <-errc:
		err = fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		monitoring.Logf("failed to shutdown server: %v", serr)
	}
	cancel()
	wg.Wait()
	monitoring.Logf("serve terminated")
	return err
}

// snapshotFor describes where the initial served session came from.
func snapshotFor(o *options, c *conn) api.SerialConfigSnapshot {
	snap := api.SerialConfigSnapshot{PortPath: c.path, Options: c.opts, Source: "config"}
	switch {
	case o.dev:
		snap.Source = "devsim"
	case o.profile != "":
		snap.Source = "profile"
		snap.Name = o.profile
	}
	return snap
}

// pruneLoop deletes history older than retain, once at start and then every
// interval.
func pruneLoop(ctx context.Context, database *db.DB, retain, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := database.PruneTransfers(time.Now().Add(-retain))
		if err != nil {
			monitoring.Logf("failed to prune transfer history: %v", err)
		} else if n > 0 {
			monitoring.Logf("🧹 pruned %d transfers older than %v", n, retain)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runStatus(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	server := fs.String("server", "http://"+config.DefaultListenAddr, "Base URL of a running 'ispctl serve'")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return printStatus(ctx, httputil.NewStandardClient(&http.Client{Timeout: *timeout}), *server, out)
}

func printStatus(ctx context.Context, client httputil.HTTPClient, server string, out io.Writer) error {
	var resp api.StatusResponse
	if err := httputil.GetJSON(ctx, client, strings.TrimSuffix(server, "/")+"/api/status", &resp); err != nil {
		return fmt.Errorf("failed to query %s: %w", server, err)
	}
	fmt.Fprintf(out, "%s\n", resp.Version)
	st := resp.Session
	if st == nil {
		fmt.Fprintln(out, "No session")
		return nil
	}
	if st.Busy {
		fmt.Fprintf(out, "⏳ busy: %s %d%% (%s)\n", st.Direction, st.Percent, st.OperationID)
	} else {
		fmt.Fprintf(out, "💤 idle, last result: %s\n", st.LastResult)
	}
	if st.LastError != "" {
		fmt.Fprintf(out, "⚠️  last error: %s\n", st.LastError)
	}
	fmt.Fprintf(out, "dropped bytes: %d, dropped frames: %d, spurious replies: %d\n", st.DroppedBytes, st.DroppedFrames, st.Spurious)
	return nil
}

func runMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configFile := fs.String("config", "", "JSON configuration file")
	dbPath := fs.String("db-path", "", "History database path (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	path := cfg.GetDBPath()
	if *dbPath != "" {
		path = *dbPath
	}
	return db.RunMigrateCommand(fs.Args(), path, out)
}
