package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/ispflash/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("❌ %v", err)
	}
}

// run dispatches one ispctl invocation. Operator output goes to out; logs go
// through monitoring.
func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return errors.New("missing command")
	}

	command, args := args[0], args[1:]
	switch command {
	case "ports":
		return runPorts(out)
	case "write":
		return runWrite(ctx, args, out)
	case "read":
		return runRead(ctx, args, out)
	case "cmd":
		return runCommand(ctx, args, out)
	case "serve":
		return runServe(ctx, args, out)
	case "status":
		return runStatus(ctx, args, out)
	case "migrate":
		return runMigrate(args, out)
	case "version":
		fmt.Fprintln(out, version.Get())
		return nil
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `ispctl - program external memory over the ISP serial protocol

Usage: ispctl <command> [options]

Commands:
  ports      List serial ports reported by the OS
  write      Send a file to a subcommand (-sub, -in)
  read       Dump a subcommand's data to a file (-sub, -size, -out)
  cmd        Run a control command and print the reply (-sub, -len)
  serve      Hold the port open and serve the HTTP API and debug routes
  status     Query a running 'ispctl serve' over HTTP
  migrate    Manage the history database schema (up, down, status, force)
  version    Show build information
  help       Show this help message

Common Flags (write, read, cmd, serve):
  -config <file>     JSON configuration file
  -port <path>       Serial port, overrides the config file
  -baud <rate>       Baud rate, overrides the config file
  -profile <name>    Use a serial profile stored in the history database
  -db-path <file>    History database path
  -record            Store the operation in the history database
  -dev               Talk to a simulated device instead of a serial port
  -debug             Enable debug logging

Examples:
  ispctl write -port /dev/ttyUSB0 -sub 0x10 -in image.bin
  ispctl read -profile bench -sub 0x10 -size 4096 -out dump.bin
  ispctl cmd -dev -sub 0x01 -len 4
  ispctl serve -config ispctl.json
`)
}
