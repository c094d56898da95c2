package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/edaniels/gocapture"
	"github.com/edaniels/gocapture/v4l2"
)

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

var logger = golog.Global().Named("capture_v4l2")

// Arguments for the command.
type Arguments struct {
	Device string `flag:"device,usage=V4L2 device node (default: /dev/video0)"`
	Width  int    `flag:"width"`
	Height int    `flag:"height"`
	FPS    int    `flag:"fps"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	source, err := gocapture.NewSource(gocapture.CaptureConfig{
		Name:   "v4l2",
		Opener: v4l2.NewOpener(logger),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	var lastSeq atomic.Uint64
	cancelFrames := source.Events().SubscribeFrames(func(ev gocapture.FrameEvent) {
		lastSeq.Store(ev.Frame.Seq())
		ev.Frame.Release()
	})
	defer cancelFrames()

	mode := gocapture.VideoMode{
		Width:  argsParsed.Width,
		Height: argsParsed.Height,
		FPS:    float32(argsParsed.FPS),
	}
	if argsParsed.Device == "" {
		source.OpenDefault(mode)
	} else {
		source.Open(argsParsed.Device, mode)
	}

	if err := source.Subscribe(); err != nil {
		return err
	}
	defer func() {
		source.Unsubscribe()
		err = multierr.Combine(err, source.Shutdown())
	}()

	for {
		if !goutils.SelectContextOrWait(ctx, 5*time.Second) {
			return ctx.Err()
		}
		stats := source.Stats()
		logger.Infow("capture stats",
			"packets", stats.PacketsRead,
			"published", stats.FramesPublished,
			"last_seq", lastSeq.Load(),
			"read_errors", stats.ReadErrors)
	}
}
