// Command swiftgated is the framework's standalone daemon: it loads a TOML
// config, wires up a server.Server, and runs until signalled, the same
// flag-parse-then-run shape as the teacher's own talek/frontend and
// talek/replica commands.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"

	"github.com/swiftgate/swiftgate/server"
	"github.com/swiftgate/swiftgate/server/config"
)

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to swiftgate.toml (built-in defaults are used when omitted)")
	flag.BoolVar(&showVersion, "version", false, "print build version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(versioninfo.Short())
		return
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "swiftgated: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	srv, err := server.New(cfg, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swiftgated: %v\n", err)
		os.Exit(1)
	}

	srv.Serve()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	if err := srv.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "swiftgated: shutdown: %v\n", err)
		os.Exit(1)
	}
}
