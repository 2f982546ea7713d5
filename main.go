package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// Version is set at build time via -ldflags
var Version = "dev"

const (
	flagConfig       = "config"
	flagVerbose      = "verbose"
	flagInput        = "input"
	flagG2O          = "g2o"
	flagURL          = "url"
	flagReference    = "reference"
	flagThreshold    = "threshold-deg"
	flagOutput       = "output"
	flagG2OOut       = "g2o-out"
	flagSVG          = "svg"
	flagPNG          = "png"
	flagGeoJSON      = "geojson"
	flagHistogram    = "histogram"
	flagMQTT         = "mqtt"
	flagHTTP         = "http"
	flagHTTPPort     = "http-port"
	flagCache        = "cache"
	defaultCachePath = ".rotamesh-result.json"
)

// AppOptions carries the parsed command line.
type AppOptions struct {
	ConfigFile string
	Verbose    bool

	// average
	InputFile     string
	G2OFile       string
	URL           string
	Reference     *int
	ThresholdDeg  *float64
	OutputFile    string
	G2OOutput     string
	SVGOutput     string
	PNGOutput     string
	GeoJSONOutput string
	HistogramFile string

	// serve
	MqttMode  bool
	HttpMode  bool
	HttpPort  int
	CachePath string
}

// Application is what the command line dispatches to.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunAverage(ctx context.Context) error
	RunService(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, NewApp(os.Stdout)); err != nil {
		fmt.Fprintf(os.Stderr, "rotamesh: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer, app Application) error {
	return newCLI(out, app).RunContext(ctx, append([]string{"rotamesh"}, args...))
}

func newCLI(out io.Writer, app Application) *cli.App {
	configFlag := &cli.StringFlag{
		Name:    flagConfig,
		Aliases: []string{"c"},
		Usage:   "load configuration from `FILE`",
	}
	verboseFlag := &cli.BoolFlag{
		Name:    flagVerbose,
		Aliases: []string{"v"},
		Usage:   "enable debug logging",
	}

	return &cli.App{
		Name:            "rotamesh",
		Usage:           "robust global rotation averaging for multi-view reconstruction",
		Version:         Version,
		Writer:          out,
		ErrWriter:       out,
		HideHelpCommand: true,
		Action: func(c *cli.Context) error {
			fmt.Fprintf(out, "rotamesh version: %s\n", Version)
			return cli.ShowAppHelp(c)
		},
		Commands: []*cli.Command{
			{
				Name:  "average",
				Usage: "average relative rotations into global rotations",
				Flags: []cli.Flag{
					configFlag,
					verboseFlag,
					&cli.StringFlag{Name: flagInput, Aliases: []string{"i"}, Usage: "read relative rotations from a JSON `FILE`"},
					&cli.StringFlag{Name: flagG2O, Usage: "read relative rotations from a g2o `FILE`"},
					&cli.StringFlag{Name: flagURL, Usage: "fetch relative rotations from `URL`"},
					&cli.IntFlag{Name: flagReference, Aliases: []string{"r"}, Usage: "reference view id (default: from request or config)"},
					&cli.Float64Flag{Name: flagThreshold, Usage: "outlier threshold in degrees, 0 for X84, negative to disable"},
					&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "write the JSON result to `FILE`"},
					&cli.StringFlag{Name: flagG2OOut, Usage: "write global and relative rotations as g2o to `FILE`"},
					&cli.StringFlag{Name: flagSVG, Usage: "render the view graph as SVG to `FILE`"},
					&cli.StringFlag{Name: flagPNG, Usage: "render the view graph as PNG to `FILE`"},
					&cli.StringFlag{Name: flagGeoJSON, Usage: "write view directions as GeoJSON to `FILE`"},
					&cli.StringFlag{Name: flagHistogram, Usage: "render the residual histogram as PNG to `FILE`"},
				},
				Action: func(c *cli.Context) error {
					opts := commonOptions(c)
					opts.InputFile = c.String(flagInput)
					opts.G2OFile = c.String(flagG2O)
					opts.URL = c.String(flagURL)

					sources := 0
					for _, s := range []string{opts.InputFile, opts.G2OFile, opts.URL} {
						if s != "" {
							sources++
						}
					}
					if sources != 1 {
						return fmt.Errorf("exactly one of --%s, --%s or --%s is required", flagInput, flagG2O, flagURL)
					}

					if c.IsSet(flagReference) {
						ref := c.Int(flagReference)
						if ref < 0 {
							return fmt.Errorf("--%s must be non-negative, got %d", flagReference, ref)
						}
						opts.Reference = &ref
					}
					if c.IsSet(flagThreshold) {
						th := c.Float64(flagThreshold)
						opts.ThresholdDeg = &th
					}
					opts.OutputFile = c.String(flagOutput)
					opts.G2OOutput = c.String(flagG2OOut)
					opts.SVGOutput = c.String(flagSVG)
					opts.PNGOutput = c.String(flagPNG)
					opts.GeoJSONOutput = c.String(flagGeoJSON)
					opts.HistogramFile = c.String(flagHistogram)

					app.ApplyOptions(opts)
					return app.RunAverage(c.Context)
				},
			},
			{
				Name:  "serve",
				Usage: "run the MQTT and/or HTTP service",
				Flags: []cli.Flag{
					configFlag,
					verboseFlag,
					&cli.BoolFlag{Name: flagMQTT, Usage: "average requests received over MQTT"},
					&cli.BoolFlag{Name: flagHTTP, Usage: "serve results and accept requests over HTTP"},
					&cli.IntFlag{Name: flagHTTPPort, Usage: "HTTP port (default: from config)"},
					&cli.StringFlag{Name: flagCache, Value: defaultCachePath, Usage: "persist the latest result to `FILE`, empty to disable"},
				},
				Action: func(c *cli.Context) error {
					opts := commonOptions(c)
					opts.MqttMode = c.Bool(flagMQTT)
					opts.HttpMode = c.Bool(flagHTTP)
					opts.HttpPort = c.Int(flagHTTPPort)
					opts.CachePath = c.String(flagCache)
					if !opts.MqttMode && !opts.HttpMode {
						return fmt.Errorf("nothing to serve: enable --%s and/or --%s", flagMQTT, flagHTTP)
					}

					app.ApplyOptions(opts)
					return app.RunService(c.Context)
				},
			},
		},
	}
}

func commonOptions(c *cli.Context) AppOptions {
	return AppOptions{
		ConfigFile: c.String(flagConfig),
		Verbose:    c.Bool(flagVerbose),
	}
}
