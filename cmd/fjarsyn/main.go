/*
DESCRIPTION
  fjarsyn shares a screen with a remote viewer, views a shared screen, or
  runs the signaling relay that introduces the two.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// fjarsyn is a real-time screen sharing client and signaling relay.
//
// Usage:
//
//	fjarsyn -mode share -RemoteAddress 10.0.0.2:6970
//	fjarsyn -mode view -window
//	fjarsyn -mode signal -addr :8080
//	fjarsyn -mode share -SignalingURL ws://relay:8080/ws -PeerID <id>
//
// Each configuration variable has a flag of the same name. Variables may
// also be given in a JSON file with -config, which is watched for changes,
// or, with -netsender, set remotely.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ausocean/client/pi/netlogger"
	"github.com/ausocean/utils/logging"

	"github.com/ausocean/fjarsyn/config"
)

// Current software version.
const version = "v0.1.0"

// Logging configuration.
const (
	logMaxSize   = 500 // MB
	logMaxBackup = 10
	logMaxAge    = 28 // days
	logSuppress  = true
)

// Modes.
const (
	modeShare  = "share"
	modeView   = "view"
	modeSignal = "signal"
)

// Misc constants.
const (
	pkg         = "fjarsyn: "
	profilePath = "fjarsyn.prof"
)

// This is set to true if the 'profile' build tag is provided on build.
var canProfile = false

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version")
		mode        = flag.String("mode", modeShare, "mode: share, view or signal")
		cfgPath     = flag.String("config", "", "JSON file of configuration variables, watched for changes")
		logPath     = flag.String("log", "", "log file; logs go to stderr if empty")
		verbosity   = flag.Int("v", int(logging.Info), "log verbosity: -1 debug, 0 info, 1 warning, 2 error")
		useNS       = flag.Bool("netsender", false, "take configuration and mode from the cloud through netsender")
		relayAddr   = flag.String("addr", ":8080", "listen address of the signaling relay")
		snapDir     = flag.String("snapshots", "", "directory for periodic JPEG snapshots of the viewed screen")
		window      = flag.Bool("window", false, "show the viewed screen in a window; needs the withcv build tag")
	)
	vars := varFlags()
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var out io.Writer = os.Stderr
	if *logPath != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   *logPath,
			MaxSize:    logMaxSize,
			MaxBackups: logMaxBackup,
			MaxAge:     logMaxAge,
		})
	}
	var netLog *netlogger.Logger
	if *useNS {
		netLog = netlogger.New()
		out = io.MultiWriter(out, netLog)
	}
	log := logging.New(int8(*verbosity), out, logSuppress)
	log.Info(pkg+"starting", "version", version, "mode", *mode)

	if canProfile {
		profile(log)
		defer pprof.StopCPUProfile()
		log.Info(pkg + "profiling started")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *mode == modeSignal {
		err := runRelay(ctx, log, *relayAddr)
		if err != nil {
			log.Fatal(pkg+"relay failed", "error", err.Error())
		}
		return
	}

	initial := vars.values()
	if *cfgPath != "" {
		fileVars, err := config.ReadFile(*cfgPath)
		if err != nil {
			log.Fatal(pkg+"could not read config file", "error", err.Error())
		}
		// Flags take precedence over the file.
		for k, v := range initial {
			fileVars[k] = v
		}
		initial = fileVars
	}

	var build builder
	switch *mode {
	case modeShare:
		build = shareBuilder(log)
	case modeView:
		sink, closeSink, err := newSink(log, *snapDir, *window)
		if err != nil {
			log.Fatal(pkg+"could not create sink", "error", err.Error())
		}
		defer closeSink()
		build = viewBuilder(log, sink)
	default:
		log.Fatal(pkg+"unknown mode", "mode", *mode)
	}
	sup := newSupervisor(log, build, initial)

	if *cfgPath != "" {
		go func() {
			err := config.Watch(ctx, *cfgPath, log, func(v map[string]string) {
				for k, val := range vars.values() {
					v[k] = val
				}
				sup.update(ctx, v)
			})
			if err != nil {
				log.Error(pkg+"config watch ended", "error", err.Error())
			}
		}()
	}

	if *useNS {
		err := runNetsender(ctx, log, netLog, sup)
		if err != nil {
			log.Fatal(pkg+"netsender failed", "error", err.Error())
		}
		return
	}

	err := sup.start(ctx)
	if err != nil {
		log.Fatal(pkg+"could not start", "error", err.Error())
	}
	sup.wait(ctx)
	sup.stop()
}

// varSet collects configuration variables given as flags.
type varSet map[string]*string

// varFlags registers a flag for each configuration variable, named after
// the variable.
func varFlags() varSet {
	vs := make(varSet)
	for _, v := range config.Variables {
		usage := "configuration variable " + v.Name
		if v.Type != "" {
			usage += " (" + v.Type + ")"
		}
		vs[v.Name] = flag.String(v.Name, "", usage)
	}
	return vs
}

// values returns the variables set on the command line.
func (vs varSet) values() map[string]string {
	m := make(map[string]string)
	flag.Visit(func(f *flag.Flag) {
		if _, ok := vs[f.Name]; ok {
			m[f.Name] = f.Value.String()
		}
	})
	return m
}

// profile opens a file to hold CPU profiling metrics and then starts the
// CPU profiler.
func profile(l logging.Logger) {
	f, err := os.Create(profilePath)
	if err != nil {
		l.Fatal(pkg+"could not create CPU profile", "error", err.Error())
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		l.Fatal(pkg+"could not start CPU profile", "error", err.Error())
	}
}
