package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"

	yml "gopkg.in/yaml.v2"

	"github.com/fcichos/lab-control/lab"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "labctl.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(lab.DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() lab.Config {
	c := lab.Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `labctl runs a camera to laser feedback loop and exposes it over HTTP.
A PID controller steers the laser power so that a feature the image pipeline
measures, for example the spot centroid, stays at a target value.

Usage:
	labctl <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `labctl is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration file, a mock camera and mock board are used, which
makes labctl runnable on any computer.

Sections:
- Camera:     Type ("mock"), DefaultExposure (ms), DefaultGain, TargetTemperature (C)
- Board:      Type ("mock", "ascii", "serial"), Addr, Serial, Channel
- Processing: Pipeline (background_subtraction, gaussian_filter, find_centroids),
              Sigma (px), Threshold (0..1)
- Control:    LoopRateHz, PID {Kp, Ki, Kd}, OutputLimits [min, max],
              Setpoint {Target, Tolerance, Parameter}
- Recorder:   Root, Prefix, Enabled

The HTTP interface is mounted under /camera, /board, /pipeline and /feedback.
GET /endpoints lists every route.  Each subsystem has its own lock at
<stem>/lock which, when set, rejects every request but GETs.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("labctl version %v\n", Version)
}

func newLogger(debug bool) *zap.SugaredLogger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	return logger.Sugar()
}

// connect brings up the camera and board behind a spinner
func connect(ctx context.Context, app *lab.App) error {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           []string{"|", "/", "-", "\\"},
		Suffix:            " ",
		SuffixAutoColon:   true,
		StopCharacter:     "ok",
		StopFailCharacter: "failed",
	})
	if err != nil {
		return err
	}
	spinner.Start()
	spinner.Message("connecting camera")
	if err = app.ConnectCamera(ctx); err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return err
	}
	spinner.Message("connecting board")
	if err = app.ConnectBoard(ctx); err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return err
	}
	spinner.StopMessage("hardware connected")
	return spinner.Stop()
}

func run() {
	c := loadconfig()
	logger := newLogger(c.Debug)
	defer logger.Sync()

	app, err := lab.NewApp(c, logger)
	if err != nil {
		logger.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = connect(cctx, app)
	cancel()
	if err != nil {
		logger.Errorw("hardware connection failed, continuing without it", "error", err)
	}

	srv := &http.Server{Addr: c.Addr, Handler: lab.BuildMux(app)}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	logger.Infow("now listening for requests", "addr", c.Addr)
	if err = srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err)
	}
	if err = app.Shutdown(); err != nil {
		logger.Errorw("shutdown", "error", err)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
