package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/kwv/rotamesh/sfm"
	"go.uber.org/zap"
)

// App wires the averager to its inputs and outputs.
type App struct {
	Config       *sfm.Config
	Logger       *zap.SugaredLogger
	Averager     *sfm.Averager
	StateTracker *sfm.StateTracker
	MQTTClient   *sfm.MQTTClient
	Publisher    sfm.RunPublisher

	opts AppOptions
	out  io.Writer
	// runMu keeps averaging runs in arrival order.
	runMu sync.Mutex
}

// NewApp creates an App writing its reports to out.
func NewApp(out io.Writer) *App {
	if out == nil {
		out = io.Discard
	}
	return &App{
		StateTracker: sfm.NewStateTracker(),
		Logger:       zap.NewNop().Sugar(),
		out:          out,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// setup loads the configuration and builds the logger and averager. Without
// --config the defaults are used.
func (a *App) setup() error {
	cfg := sfm.DefaultConfig()
	if a.opts.ConfigFile != "" {
		loaded, err := sfm.LoadConfig(a.opts.ConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if a.opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	if a.opts.HttpPort != 0 {
		cfg.HTTP.Port = a.opts.HttpPort
	}

	logger, err := sfm.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	a.Config = cfg
	a.Logger = logger
	a.Averager = sfm.NewAverager(cfg.Averaging, logger.Named("averager"))
	return nil
}

// RunAverage averages one request read from a file or URL and writes the
// requested outputs.
func (a *App) RunAverage(ctx context.Context) error {
	if err := a.setup(); err != nil {
		return err
	}
	defer func() { _ = a.Logger.Sync() }()

	req, err := a.loadRequest(ctx)
	if err != nil {
		return err
	}
	res, err := a.average(req)
	if err != nil {
		return err
	}
	a.printSummary(res)
	return a.writeOutputs(req, res)
}

func (a *App) loadRequest(ctx context.Context) (*sfm.AveragingRequest, error) {
	switch {
	case a.opts.InputFile != "":
		return sfm.ParseRequestFile(a.opts.InputFile)
	case a.opts.G2OFile != "":
		g, err := sfm.ReadG2OFile(a.opts.G2OFile)
		if err != nil {
			return nil, err
		}
		rs, _ := g.Rotations()
		return &sfm.AveragingRequest{NumViews: max(len(rs), g.Edges.NumViews()), RelativeRotations: g.Edges}, nil
	case a.opts.URL != "":
		return sfm.FetchRequest(ctx, a.opts.URL)
	}
	return nil, fmt.Errorf("no input given")
}

// average resolves the reference view and the outlier threshold (command
// line over request over config) and runs the averager.
func (a *App) average(req *sfm.AveragingRequest) (*sfm.Result, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	ref := req.ReferenceOr(a.Config.Averaging.ReferenceView)
	if a.opts.Reference != nil {
		ref = sfm.ViewID(*a.opts.Reference)
	}
	thresholdDeg := a.Config.Averaging.OutlierThresholdDegrees
	if req.ThresholdDegrees != nil {
		thresholdDeg = *req.ThresholdDegrees
	}
	if a.opts.ThresholdDeg != nil {
		thresholdDeg = *a.opts.ThresholdDeg
	}

	return a.Averager.Average(req.RelativeRotations, req.ViewCount(), ref, thresholdDeg*math.Pi/180)
}

func (a *App) printSummary(res *sfm.Result) {
	valid := 0
	for _, v := range res.Valid {
		if v {
			valid++
		}
	}
	fmt.Fprintf(a.out, "Averaged %d of %d views (reference %d)\n", valid, res.NumViews(), res.Reference)
	fmt.Fprintf(a.out, "  L1:   %d iterations, converged=%v\n", res.L1.Iterations, res.L1.Converged)
	fmt.Fprintf(a.out, "  IRLS: %d iterations, converged=%v\n", res.IRLS.Iterations, res.IRLS.Converged)
	fmt.Fprintf(a.out, "  Error before: min %.4g mean %.4g max %.4g\n", res.ErrorBefore.Min, res.ErrorBefore.Mean, res.ErrorBefore.Max)
	fmt.Fprintf(a.out, "  Error after:  min %.4g mean %.4g max %.4g\n", res.ErrorAfter.Min, res.ErrorAfter.Mean, res.ErrorAfter.Max)
	if res.Inliers != nil {
		fmt.Fprintf(a.out, "  Inliers: %d/%d (threshold %.3f deg)\n",
			res.InlierCount, len(res.Inliers), res.Threshold*180/math.Pi)
	}
}

func (a *App) writeOutputs(req *sfm.AveragingRequest, res *sfm.Result) error {
	if a.opts.OutputFile != "" {
		if err := sfm.SaveResult(a.opts.OutputFile, res); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Saved result to %s\n", a.opts.OutputFile)
	}
	if a.opts.G2OOutput != "" {
		if err := sfm.WriteG2OFile(a.opts.G2OOutput, sfm.NewG2OGraph(res.Rotations, res.Valid, req.RelativeRotations)); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Saved g2o graph to %s\n", a.opts.G2OOutput)
	}
	if a.opts.GeoJSONOutput != "" {
		data, err := json.MarshalIndent(sfm.ViewDirectionsGeoJSON(res, req.RelativeRotations), "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling GeoJSON: %w", err)
		}
		if err := writeFile(a.opts.GeoJSONOutput, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Saved view directions to %s\n", a.opts.GeoJSONOutput)
	}

	renderer := sfm.NewViewGraphRenderer(res, req.RelativeRotations)
	if a.opts.SVGOutput != "" {
		if err := writeFile(a.opts.SVGOutput, renderer.RenderToSVG); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Saved view graph to %s\n", a.opts.SVGOutput)
	}
	if a.opts.PNGOutput != "" {
		if err := writeFile(a.opts.PNGOutput, renderer.RenderToPNG); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Saved view graph to %s\n", a.opts.PNGOutput)
	}
	if a.opts.HistogramFile != "" {
		if err := sfm.NewHistogramRenderer().SavePNG(a.opts.HistogramFile, res); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Saved residual histogram to %s\n", a.opts.HistogramFile)
	}
	return nil
}

func writeFile(path string, render func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", path, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := render(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// process averages a service request and records and publishes the outcome.
func (a *App) process(req *sfm.AveragingRequest) (*sfm.Result, error) {
	res, err := a.average(req)
	if err != nil {
		a.StateTracker.RecordFailure(req, err)
		a.publishFailure(err)
		return nil, err
	}
	a.StateTracker.Update(req, res)
	if a.Publisher != nil {
		if perr := a.Publisher.PublishResult(res); perr != nil {
			a.Logger.Warnw("Failed to publish result", "error", perr)
		}
	}
	return res, nil
}

func (a *App) publishFailure(err error) {
	if a.Publisher == nil {
		return
	}
	if perr := a.Publisher.PublishFailure(err); perr != nil {
		a.Logger.Warnw("Failed to publish failure", "error", perr)
	}
}

// handleRequest is the MQTT request handler.
func (a *App) handleRequest(req *sfm.AveragingRequest, err error) {
	if err != nil {
		a.StateTracker.RecordFailure(nil, err)
		a.publishFailure(err)
		return
	}
	if _, err := a.process(req); err != nil {
		a.Logger.Warnw("Averaging request failed", "error", err)
	}
}

// RunService runs the MQTT and/or HTTP service until ctx is done.
func (a *App) RunService(ctx context.Context) error {
	if err := a.setup(); err != nil {
		return err
	}
	defer func() { _ = a.Logger.Sync() }()
	a.Logger.Infow("Starting rotamesh service", "version", Version, "mqtt", a.opts.MqttMode, "http", a.opts.HttpMode)

	a.StateTracker = sfm.NewStateTrackerWithCache(a.opts.CachePath, a.Logger.Named("state"))

	if a.opts.MqttMode {
		client, err := sfm.InitMQTT(ctx, a.Config, a.handleRequest, a.Logger.Named("mqtt"))
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client == nil {
			a.Logger.Warn("MQTT mode requested but no broker configured")
		} else {
			a.MQTTClient = client
			a.Publisher = sfm.NewPublisher(client.GetClient(), a.Config.MQTT.PublishPrefix, a.Logger.Named("publisher"))
			defer client.Disconnect()
		}
	}

	var srv *http.Server
	errCh := make(chan error, 1)
	if a.opts.HttpMode {
		srv = &http.Server{
			Addr:              ":" + strconv.Itoa(a.Config.HTTP.Port),
			Handler:           newHTTPServer(a.StateTracker, a.process, a.Logger.Named("http")),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.Logger.Infow("HTTP server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.Logger.Info("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP shutdown: %w", err)
		}
	}
	return nil
}
