//go:build !withcv
// +build !withcv

/*
DESCRIPTION
  window_nocv.go replaces the OpenCV window sink in builds without the
  withcv tag, for systems without OpenCV installed.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package main

import (
	"errors"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/fjarsyn/pipeline"
)

func newWindow(l logging.Logger) (pipeline.Sink, func(), error) {
	return nil, nil, errors.New("window requires a build with the withcv tag")
}
