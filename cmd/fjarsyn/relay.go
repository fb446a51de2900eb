/*
DESCRIPTION
  relay.go runs the signaling relay.

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
	"errors"
	"net/http"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/fjarsyn/signaling"
)

// shutdownTimeout bounds the relay's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// runRelay serves the signaling relay on addr until ctx is done.
func runRelay(ctx context.Context, l logging.Logger, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           signaling.NewServer(l).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		l.Info(pkg+"signaling relay listening", "addr", addr, "path", signaling.Path)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	l.Info(pkg + "shutting down signaling relay")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
