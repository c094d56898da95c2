package main

import (
	"context"
	"errors"
	"time"

	"github.com/edaniels/golog"
	// register screen drivers.
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/edaniels/gocapture"
)

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

var logger = golog.Global().Named("capture_desktop")

// Arguments for the command.
type Arguments struct {
	Screen string `flag:"screen,usage=screen label to capture (default: first screen)"`
	Width  int    `flag:"width,usage=downscale captures to this width"`
	Height int    `flag:"height,usage=downscale captures to this height"`
	Dump   bool   `flag:"dump"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Dump {
		for _, info := range gocapture.QueryScreenDevices() {
			logger.Debugf("%s", info.ID)
			logger.Debugf("\t labels: %v", info.Labels)
			logger.Debugf("\t priority: %v", info.Priority)
			for _, p := range info.Properties {
				logger.Debugf("\t %+v", p.Video)
			}
		}
		return nil
	}
	return runCapture(ctx, argsParsed, logger)
}

func runCapture(ctx context.Context, args Arguments, logger golog.Logger) (err error) {
	config := gocapture.CaptureConfig{
		Name:   "desktop",
		Opener: gocapture.NewMediaDevicesOpener(logger),
		Logger: logger,
	}
	// Screens capture at native size; downscale in the decode path when a
	// geometry was asked for.
	if args.Width > 0 && args.Height > 0 {
		raw, ok := gocapture.DefaultCodecs.Lookup(gocapture.CodecRaw)
		if !ok {
			return errors.New("raw codec not registered")
		}
		codecs := gocapture.NewCodecRegistry()
		codecs.Register(&gocapture.ResizeCodec{Codec: raw, Width: args.Width, Height: args.Height})
		config.Codecs = codecs
	}

	source, err := gocapture.NewSource(config)
	if err != nil {
		return err
	}

	cancelFrames := source.Events().SubscribeFrames(func(ev gocapture.FrameEvent) {
		defer ev.Frame.Release()
		if ev.Frame.Seq()%100 != 0 {
			return
		}
		bounds := ev.Frame.Image().Bounds()
		logger.Infow("captured",
			"seq", ev.Frame.Seq(),
			"width", bounds.Dx(),
			"height", bounds.Dy())
	})
	defer cancelFrames()

	label := args.Screen
	if label == "" {
		labels := gocapture.QueryScreenDevicesLabels()
		if len(labels) == 0 {
			return errors.New("no screen found")
		}
		label = labels[0]
	}
	source.Open(gocapture.ScreenPrefix+label, gocapture.VideoMode{})

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
			"outstanding", stats.FramesOutstanding,
			"read_errors", stats.ReadErrors)
	}
}
