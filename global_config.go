package pulsetester

import (
	"log"
	"os"
	"time"

	"github.com/usnistgov/pulsetester/device"
)

// Portnumbers structs can contain all TCP port numbers used by the tester's
// serve mode.
type Portnumbers struct {
	RPC     int
	Status  int
	Metrics int
}

// Ports globally holds all TCP port numbers used by the tester.
var Ports Portnumbers

// SetPortnumbers moves all ports so that the RPC port is base.
func SetPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.Metrics = base + 2
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.0",
	Githash: "no git hash computed",
	Gitdate: "no git date computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log channel state changes and run starts/stops to a file
var UpdateLogger *log.Logger

// TesterConfig holds the settings read from the "tester" key of the config file.
type TesterConfig struct {
	Address         string        // instrument address, or sim://name
	DigitalChannels int           // 0 means take the device's own count
	AnalogChannels  int           // 0 means take the device's own count
	Runs            int           // repetitions per channel test
	Settle          time.Duration // margin added to the expected run length
	Verbose         bool
}

// DefaultTesterConfig returns the settings for the reference instrument at
// its link-local fallback address.
func DefaultTesterConfig() TesterConfig {
	return TesterConfig{
		Address: "169.254.8.2",
		Runs:    1,
		Settle:  250 * time.Millisecond,
	}
}

// Capabilities returns the device capabilities narrowed by any channel
// counts set in the config.
func (c TesterConfig) Capabilities(dev device.Capabilities) device.Capabilities {
	if c.DigitalChannels > 0 && c.DigitalChannels < dev.DigitalChannels {
		dev.DigitalChannels = c.DigitalChannels
	}
	if c.AnalogChannels > 0 && c.AnalogChannels < dev.AnalogChannels {
		dev.AnalogChannels = c.AnalogChannels
	}
	return dev
}

func init() {
	SetPortnumbers(5600)
	StartTime = time.Now()

	// The main program will override these, but at least initialize with a sensible value
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
