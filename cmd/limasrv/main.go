package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	yml "gopkg.in/yaml.v2"

	"github.com/ALBA-Synchrotron/sardana-limaccd/dataarray"
	"github.com/ALBA-Synchrotron/sardana-limaccd/lima"
	"github.com/ALBA-Synchrotron/sardana-limaccd/limahttp"
	"github.com/ALBA-Synchrotron/sardana-limaccd/saving"
	"github.com/ALBA-Synchrotron/sardana-limaccd/server/middleware/locker"
	"github.com/ALBA-Synchrotron/sardana-limaccd/sim"
	"github.com/ALBA-Synchrotron/sardana-limaccd/trigger"
)

var (
	// Version is the version number, typically injected via ldflags at
	// build time
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "lima-http.yml"
	k              = koanf.New(".")
)

type savingConfig struct {
	Enabled        bool   `yaml:"Enabled"`
	Pattern        string `yaml:"Pattern"`
	FirstNumber    int    `yaml:"FirstNumber"`
	DatasetPath    string `yaml:"DatasetPath"`
	HardwarePrefix string `yaml:"HardwarePrefix"`
	Drive          string `yaml:"Drive"`
	RemoveBasePath string `yaml:"RemoveBasePath"`
}

type cameraConfig struct {
	Width  int `yaml:"Width"`
	Height int `yaml:"Height"`
}

type config struct {
	Addr             string       `yaml:"Addr"`
	Root             string       `yaml:"Root"`
	Simulate         bool         `yaml:"Simulate"`
	DataArrayVersion int          `yaml:"DataArrayVersion"`
	LogLevel         string       `yaml:"LogLevel"`
	ExposureSec      float64      `yaml:"ExposureSec"`
	NbPoints         int          `yaml:"NbPoints"`
	TriggerSource    string       `yaml:"TriggerSource"`
	Camera           cameraConfig `yaml:"Camera"`
	Saving           savingConfig `yaml:"Saving"`
}

func setupconfig() {
	k.Load(structs.Provider(config{
		Addr:             ":8000",
		Root:             "/lima",
		Simulate:         true,
		DataArrayVersion: 2,
		LogLevel:         "info",
		ExposureSec:      1.0,
		NbPoints:         1,
		TriggerSource:    "SoftwareTrigger",
		Camera:           cameraConfig{Width: 1024, Height: 1024},
		Saving: savingConfig{
			Pattern: "file:///tmp/lima/img_{index:04d}.edf",
		}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			logrus.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `lima-http exposes control of Lima CCD detectors over HTTP.
This enables a server-client architecture, and the clients can
leverage the excellent HTTP libraries for any programming language
instead of custom socket logic.

Usage:
	lima-http <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `lima-http is amenable to configuration via its .yaml file.  For a primer
on YAML, see https://yaml.org/start.html

When no configuration is provided, the defaults are used.  The command
mkconf generates the configuration file with the default values.

Simulate: true serves an in-memory detector, which is the only gateway
this build ships.  Point Saving.Pattern at the reference pattern your
scans expect; the index keyword inside braces sets the file numbering
width, e.g. img_{index:04d}.edf.

Drive and RemoveBasePath remap the saving directory to the mount the
detector host sees, for detectors that write over NFS from another
machine.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		logrus.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		logrus.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		logrus.Fatal(err)
	}
}

func printconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		logrus.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		logrus.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("lima-http version %v\n", Version)
}

func run() {
	cfg := config{}
	k.Unmarshal("", &cfg)

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("bad log level %q: %v", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	if !cfg.Simulate {
		// the gateway contract is the seam for a native Tango binding;
		// until one exists only the simulator backend ships
		log.Fatal("no real-device gateway is available in this build, set Simulate: true")
	}
	gw := sim.New(sim.Options{Width: cfg.Camera.Width, Height: cfg.Camera.Height})

	dec, err := dataarray.NewDecoder(uint16(cfg.DataArrayVersion))
	if err != nil {
		log.Fatal(err)
	}
	dev := lima.NewDevice(gw, dec, log)

	camType, err := dev.CameraType()
	if err != nil {
		log.Fatal(err)
	}
	model, err := dev.CameraModel()
	if err != nil {
		log.Fatal(err)
	}
	log.WithFields(logrus.Fields{
		"type":  camType,
		"model": model,
	}).Info("connected to detector")

	sync, ok := trigger.ParseSync(cfg.TriggerSource)
	if !ok {
		log.Fatalf("unknown trigger source %q", cfg.TriggerSource)
	}
	acq := lima.AcquisitionConfig{
		Exposure: time.Duration(cfg.ExposureSec * float64(time.Second)),
		NbPoints: cfg.NbPoints,
		NbStarts: 1,
		Sync:     sync,
	}
	sav := saving.Saving{
		Enabled:          cfg.Saving.Enabled,
		Pattern:          cfg.Saving.Pattern,
		FirstImageNumber: cfg.Saving.FirstNumber,
		DatasetPath:      cfg.Saving.DatasetPath,
		HardwarePrefix:   cfg.Saving.HardwarePrefix,
		Remap: saving.PathMap{
			Drive:          cfg.Saving.Drive,
			RemoveBasePath: cfg.Saving.RemoveBasePath,
		},
		Log: log,
	}

	w := limahttp.NewHTTPWrapper(dev, acq, sav, log)
	lock := locker.New()
	locker.Inject(w, lock)

	mux := w.Mux()
	mux.Use(lock.Check)

	rootRouter := chi.NewRouter()
	rootRouter.Mount(cfg.Root, mux)
	rootRouter.Handle("/metrics", promhttp.Handler())

	log.WithField("addr", cfg.Addr+cfg.Root).Info("now listening for requests")
	log.Fatal(http.ListenAndServe(cfg.Addr, rootRouter))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		logrus.Fatal("unknown command")
	}
}
