package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/skobkin/cellstream/internal/config"
)

type options struct {
	configPath   string
	dataDir      string
	address      string
	port         string
	logLevel     string
	sensor       string
	serialPort   string
	replayDB     string
	record       bool
	camera       bool
	single       bool
	noConnect    bool
	saveConfig   bool
	clearJournal bool
	pruneJournal time.Duration
	listenFor    time.Duration
	listPorts    bool
	version      bool
	help         bool

	changed func(name string) bool
}

func newFlagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("cellstream", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "config file (.json, .yaml or .yml); default is config.yaml in the data dir")
	fs.StringVar(&opts.dataDir, "data-dir", "", "directory for config, scan journal and logs (default: user config dir)")
	fs.StringVarP(&opts.address, "address", "a", "", "server address")
	fs.StringVarP(&opts.port, "port", "p", "", "server port")
	fs.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&opts.sensor, "sensor", "", "telemetry source: static, modem or replay")
	fs.StringVar(&opts.serialPort, "serial-port", "", "modem serial port, e.g. /dev/ttyUSB2")
	fs.StringVar(&opts.replayDB, "replay-db", "", "scan journal to replay")
	fs.BoolVar(&opts.record, "record", false, "journal every scan")
	fs.BoolVar(&opts.camera, "camera", false, "stream synthetic test-pattern frames on the image channel")
	fs.BoolVar(&opts.single, "single", false, "carry every payload over one connection to /ws")
	fs.BoolVar(&opts.saveConfig, "save-config", false, "write the effective config back to the config file")
	fs.BoolVar(&opts.clearJournal, "clear-journal", false, "drop every recorded scan before starting (needs --record)")
	fs.DurationVar(&opts.pruneJournal, "prune-journal", 0, "drop recorded scans older than this, e.g. 72h (needs --record)")
	fs.BoolVar(&opts.noConnect, "no-connect", false, "start without connecting")
	fs.DurationVar(&opts.listenFor, "listen-for", 0, "exit after this long, e.g. 30s (default: until interrupted)")
	fs.BoolVar(&opts.listPorts, "list-ports", false, "list serial ports and exit")
	fs.BoolVar(&opts.version, "version", false, "print version and exit")
	fs.BoolVarP(&opts.help, "help", "h", false, "show help")

	return fs
}

func parseFlags(args []string) (options, *pflag.FlagSet, error) {
	var opts options
	fs := newFlagSet(&opts)
	if err := fs.Parse(args); err != nil {
		return options{}, fs, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return options{}, fs, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	opts.changed = fs.Changed

	return opts, fs, nil
}

// apply overrides cfg with every flag set on the command line.
func (o options) apply(cfg *config.AppConfig) {
	if o.changed == nil {
		return
	}
	if o.changed("address") {
		cfg.Server.Address = o.address
	}
	if o.changed("port") {
		cfg.Server.Port = o.port
	}
	if o.changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if o.changed("sensor") {
		cfg.Sensor.Source = config.SensorSource(o.sensor)
	}
	if o.changed("serial-port") {
		cfg.Sensor.SerialPort = o.serialPort
	}
	if o.changed("replay-db") {
		cfg.Sensor.ReplayDB = o.replayDB
	}
	if o.changed("record") {
		cfg.Recording.Enabled = o.record
	}
	if o.changed("camera") {
		cfg.Camera.Enabled = o.camera
	}
	if o.changed("single") {
		cfg.Channels.Single = o.single
	}
}
