/*
DESCRIPTION
  netsender.go provides remote control of fjarsyn through netsender. The
  cloud sets configuration variables and the mode; session statistics are
  reported on software defined pins.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ausocean/client/pi/netlogger"
	"github.com/ausocean/client/pi/netsender"
	"github.com/ausocean/utils/logging"

	"github.com/ausocean/fjarsyn/config"
)

// Netsender modes.
const (
	modeNormal = "Normal"
	modePaused = "Paused"
)

// Netsender timing.
const (
	netSendRetryTime = 5 * time.Second
	defaultSleepTime = 60 // Seconds
)

// Software defined pins.
const (
	bitratePin  = "X36" // Sent bitrate in bits per second.
	rttPin      = "X37" // Round trip time in milliseconds.
	estimatePin = "X38" // Bandwidth estimate in bits per second.
	lossPin     = "X39" // Loss in percent.
)

// runNetsender runs the netsender loop until ctx is done. On each pass
// changed variables are applied and the pipeline is started or stopped
// according to the mode.
func runNetsender(ctx context.Context, l logging.Logger, nl *netlogger.Logger, sup *supervisor) error {
	ns, err := netsender.New(l, nil, readPin(sup), nil, netsender.WithVarTypes(createVarMap()))
	if err != nil {
		return fmt.Errorf("could not initialise netsender client: %w", err)
	}
	defer sup.stop()

	var vs int
	for ctx.Err() == nil {
		l.Debug(pkg + "running netsender")
		err := ns.Run()
		if err != nil {
			l.Warning(pkg+"run failed, retrying", "error", err.Error())
			pause(ctx, netSendRetryTime)
			continue
		}

		err = nl.Send(ns)
		if err != nil {
			l.Warning(pkg+"logs could not be sent", "error", err.Error())
		}

		newVs := ns.VarSum()
		if vs == newVs {
			sleep(ctx, ns, l)
			continue
		}
		vs = newVs
		l.Info(pkg+"varsum changed", "vs", vs)

		vars, err := ns.Vars()
		if err != nil {
			l.Error(pkg+"netsender failed to get vars", "error", err.Error())
			pause(ctx, netSendRetryTime)
			continue
		}
		l.Debug(pkg+"got new vars", "vars", vars)
		sup.update(ctx, vars)

		switch ns.Mode() {
		case modePaused:
			l.Debug(pkg + "mode is Paused, stopping pipeline")
			sup.stop()
		case modeNormal:
			err = sup.start(ctx)
			if err != nil {
				l.Error(pkg+"could not start pipeline", "error", err.Error())
				ns.SetMode(modePaused, &vs)
			}
		default:
			l.Warning(pkg+"unsupported mode", "mode", ns.Mode())
		}
		sleep(ctx, ns, l)
	}
	return nil
}

func createVarMap() map[string]string {
	m := make(map[string]string)
	for _, v := range config.Variables {
		m[v.Name] = v.Type
	}
	return m
}

// sleep waits for the monitoring period netsender parameter (mp).
func sleep(ctx context.Context, ns *netsender.Sender, l logging.Logger) {
	t, err := strconv.Atoi(ns.Param("mp"))
	if err != nil {
		l.Debug(pkg+"could not get sleep time, using default", "error", err.Error())
		t = defaultSleepTime
	}
	pause(ctx, time.Duration(t)*time.Second)
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// readPin reports session statistics on software defined pins.
func readPin(sup *supervisor) func(pin *netsender.Pin) error {
	return func(pin *netsender.Pin) error {
		pin.Value = -1
		sup.mu.Lock()
		r, running := sup.cur, sup.running
		sup.mu.Unlock()
		if !running {
			return nil
		}
		st := r.Stats()
		switch pin.Name {
		case bitratePin:
			pin.Value = st.SentBitrate
		case rttPin:
			pin.Value = int(st.RTT / time.Millisecond)
		case estimatePin:
			pin.Value = int(st.Estimate)
		case lossPin:
			pin.Value = int(st.Loss * 100)
		}
		return nil
	}
}
