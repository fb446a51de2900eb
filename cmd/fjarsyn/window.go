//go:build withcv
// +build withcv

/*
DESCRIPTION
  window.go provides a sink showing viewed frames in an OpenCV window.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package main

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/fjarsyn/pipeline"
)

const windowName = "fjarsyn"

type window struct {
	log logging.Logger
	w   *gocv.Window
}

func newWindow(l logging.Logger) (pipeline.Sink, func(), error) {
	w := &window{log: l, w: gocv.NewWindow(windowName)}
	return w, func() { w.w.Close() }, nil
}

// Render shows f, scaled to the window.
func (w *window) Render(f *media.Frame) error {
	mat, err := gocv.ImageToMatRGBA(f.RGBA())
	if err != nil {
		return fmt.Errorf("could not convert frame: %w", err)
	}
	defer mat.Close()
	w.w.IMShow(mat)
	w.w.WaitKey(1)
	return nil
}
