package main

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/edaniels/golog"
	"github.com/nfnt/resize"
	// register video drivers.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/edaniels/gocapture"
)

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

var logger = golog.Global().Named("capture_camera")

// Arguments for the command.
type Arguments struct {
	Device      string `flag:"device,usage=camera label to open (default: first camera)"`
	Width       int    `flag:"width"`
	Height      int    `flag:"height"`
	FPS         int    `flag:"fps"`
	Dump        bool   `flag:"dump"`
	SnapshotDir string `flag:"snapshot_dir,usage=write a thumbnail PNG of every 100th frame here"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Dump {
		for _, info := range gocapture.QueryVideoDevices() {
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
	source, err := gocapture.NewSource(gocapture.CaptureConfig{
		Name:   "camera",
		Opener: gocapture.NewMediaDevicesOpener(logger),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	cancelAvailable := source.Events().SubscribeDeviceAvailable(func(ev gocapture.DeviceAvailableEvent) {
		logger.Infow("device available",
			"identity", ev.Identity,
			"width", ev.Video.Width,
			"height", ev.Video.Height,
			"frame_rate", ev.Video.FrameRate)
	})
	defer cancelAvailable()

	var handled uint64
	cancelFrames := source.Events().SubscribeFrames(func(ev gocapture.FrameEvent) {
		defer ev.Frame.Release()
		handled++
		if args.SnapshotDir == "" || handled%100 != 0 {
			return
		}
		thumb := resize.Thumbnail(320, 240, ev.Frame.Image(), resize.NearestNeighbor)
		path := filepath.Join(args.SnapshotDir, fmt.Sprintf("frame-%d.png", ev.Frame.Seq()))
		f, err := os.Create(path)
		if err != nil {
			logger.Errorw("error creating snapshot", "error", err)
			return
		}
		defer goutils.UncheckedErrorFunc(f.Close)
		if err := png.Encode(f, thumb); err != nil {
			logger.Errorw("error encoding snapshot", "error", err)
			return
		}
		logger.Infow("wrote snapshot", "path", path)
	})
	defer cancelFrames()

	mode := gocapture.VideoMode{
		Width:  args.Width,
		Height: args.Height,
		FPS:    float32(args.FPS),
	}
	if args.Device == "" {
		source.OpenDefault(mode)
	} else {
		source.Open(args.Device, mode)
	}
	if !source.IsOpen() {
		return errors.New("no camera found")
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
			"outstanding", stats.FramesOutstanding,
			"read_errors", stats.ReadErrors)
	}
}
