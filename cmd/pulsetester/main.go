package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/usnistgov/pulsetester"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets defaults, and lets command-line
// flags override the config file.
func setupViper(flags *pflag.FlagSet) error {
	defaults := pulsetester.DefaultTesterConfig()
	viper.SetDefault("tester.address", defaults.Address)
	viper.SetDefault("tester.runs", defaults.Runs)
	viper.SetDefault("tester.settle", defaults.Settle)
	viper.SetDefault("baseport", pulsetester.Ports.RPC)

	HOME, err := os.UserHomeDir()
	if err != nil { // Handle errors reading the config file
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotTester := filepath.Join(HOME, ".pulsetester")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotTester, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/pulsetester"))
	viper.AddConfigPath(dotTester)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil { // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}

	bindings := map[string]string{
		"tester.address":         "address",
		"tester.runs":            "runs",
		"tester.settle":          "settle",
		"tester.digitalchannels": "digital",
		"tester.analogchannels":  "analog",
		"tester.verbose":         "verbose",
		"baseport":               "port",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// newFlagSet declares the command-line flags. It returns the set and the
// -version and -serve switches; the others reach the config through
// setupViper.
func newFlagSet(handling pflag.ErrorHandling) (*pflag.FlagSet, *bool, *bool) {
	defaults := pulsetester.DefaultTesterConfig()
	flags := pflag.NewFlagSet("pulsetester", handling)
	printVersion := flags.Bool("version", false, "print version and quit")
	serve := flags.Bool("serve", false, "run the JSON-RPC control server and status publisher instead of the menu")
	flags.String("address", defaults.Address, "pulse streamer address (IP, host:port, URL, or sim://name for no hardware)")
	flags.Int("runs", defaults.Runs, "repetitions of the pattern in each channel test")
	flags.Duration("settle", defaults.Settle, "extra time allowed beyond a run's expected length")
	flags.Int("digital", 0, "test only the first N digital channels (0 = all)")
	flags.Int("analog", 0, "test only the first N analog channels (0 = all)")
	flags.Bool("verbose", false, "log every device sequence")
	flags.Int("port", pulsetester.Ports.RPC, "base TCP port for serve mode (RPC; status is +1, metrics +2)")
	return flags, printVersion, serve
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func main() {
	pulsetester.Build.Date = buildDate
	pulsetester.Build.Githash = githash
	pulsetester.Build.Gitdate = gitdate
	pulsetester.Build.Summary = fmt.Sprintf("pulsetester version %s (git commit %s of %s)",
		pulsetester.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		pulsetester.Build.Host = host
	} else {
		pulsetester.Build.Host = "host not detected"
	}

	flags, printVersion, serve := newFlagSet(pflag.ExitOnError)
	flags.Parse(os.Args[1:])

	if *printVersion {
		fmt.Printf("This is pulsetester version %s\n", pulsetester.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is pulsetester version %s (git commit %s)\n", pulsetester.Build.Version, githash)
	fmt.Print(banner)

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".pulsetester", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	pulsetester.ProblemLogger = startLogger(problemname)
	pulsetester.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging channel states to %s\n\n", logname)
	pulsetester.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(flags); err != nil {
		panic(err)
	}
	config := pulsetester.LoadTesterConfig()
	pulsetester.SetPortnumbers(viper.GetInt("baseport"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serve {
		if err := runServer(ctx); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err := runMenu(ctx, config, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

// runServer publishes client updates, serves metrics, and runs the JSON-RPC
// server until ctx is done.
func runServer(ctx context.Context) error {
	registry := prometheus.NewRegistry()
	metrics := pulsetester.NewMetrics(registry)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", pulsetester.Ports.Metrics)
		if err := http.ListenAndServe(addr, mux); err != nil {
			pulsetester.ProblemLogger.Printf("metrics server: %v\n", err)
		}
	}()

	messageChan := make(chan pulsetester.ClientUpdate)
	go func() {
		if err := pulsetester.RunClientUpdater(messageChan, pulsetester.Ports.Status); err != nil {
			pulsetester.ProblemLogger.Printf("client updater: %v\n", err)
			for range messageChan {
			}
		}
	}()
	fmt.Printf("JSON-RPC on port %d, status on %d, metrics on %d\n",
		pulsetester.Ports.RPC, pulsetester.Ports.Status, pulsetester.Ports.Metrics)
	abort := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(abort)
	}()
	return pulsetester.RunRPCServer(messageChan, pulsetester.Ports.RPC, metrics, abort)
}
