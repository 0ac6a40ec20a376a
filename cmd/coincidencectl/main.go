package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/qoptics/coincidence/internal/config"
	"github.com/qoptics/coincidence/internal/delay"
	"github.com/qoptics/coincidence/internal/device"
	"github.com/qoptics/coincidence/internal/record"
	"github.com/qoptics/coincidence/internal/scheme"
	"github.com/qoptics/coincidence/internal/server"
	"github.com/qoptics/coincidence/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against simulated hardware")
	schemeName := flag.String("scheme", "", fmt.Sprintf("Measurement scheme to run (%v)", scheme.Names()))
	shiftB := flag.Bool("shift-b", false, "WindowShift: sweep the B channel instead of A")
	monitor := flag.Bool("monitor", false, "Serve the live rates monitor")
	listenAddr := flag.String("listen", "", "Override monitor listen address (e.g. :8080)")
	calibration := flag.String("calibration", "", "Override the delay line calibration table")
	printCal := flag.Bool("print-calibration", false, "Print the delay line fits and exit")
	listPorts := flag.Bool("list-ports", false, "List serial ports and exit")
	analysePath := flag.String("analyse", "", "Analyse a recorded run (CSV) and exit")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] coincidencectl starting")

	if *listPorts {
		if err := printPorts(); err != nil {
			log.Fatalf("[main] %v", err)
		}
		return
	}

	cfg := config.LoadConfig(*configPath)
	if *demo {
		cfg.UseDemo()
	}
	if *listenAddr != "" {
		cfg.Monitor.ListenAddr = *listenAddr
	}
	if *calibration != "" {
		cfg.Calibration.File = *calibration
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] invalid config %s: %v", cfg.Path(), err)
	}

	cal := delay.NewCalibrator(cfg.Calibration.File)

	switch {
	case *printCal:
		if err := printCalibration(cal); err != nil {
			log.Fatalf("[main] %v", err)
		}
		return
	case *analysePath != "":
		run, err := record.Load(*analysePath)
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
		if err := scheme.Analyse(os.Stdout, run, cal); err != nil {
			log.Fatalf("[main] analyse %s: %v", *analysePath, err)
		}
		return
	case *schemeName == "" && !*monitor:
		flag.Usage()
		os.Exit(2)
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	var circuitT device.Transport
	switch cfg.Circuit.Type {
	case "demo":
		circuitT = device.NewSimulatedCircuit(cfg.Simulation.Device())
	default:
		circuitT = device.NewSerial(cfg.Circuit.Serial())
	}
	circuit := device.NewCoincidenceCircuit(circuitT, device.CircuitConfig{
		ResponseTimeout: cfg.Circuit.ResponseTimeout(),
		Calibrator:      cal,
	})

	var interf *device.Interferometer
	switch cfg.Interferometer.Type {
	case "serial":
		interf = device.NewInterferometer(device.NewSerial(cfg.Interferometer.Serial()))
	case "demo":
		interf = device.NewInterferometer(device.NewSimulatedStage())
	}

	if err := openWithRetry(ctx, circuit, 10); err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer circuit.Close()

	rec := record.New(cfg.Data.Dir)

	if *monitor {
		srv := server.New(cfg, circuit, cal, rec, web.FS)
		if err := srv.Run(ctx); err != nil {
			log.Printf("[main] server exited: %v", err)
		}
		return
	}

	s, err := scheme.New(*schemeName)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	switch s := s.(type) {
	case *scheme.WindowShift:
		s.ShiftA = !*shiftB
	case *scheme.BellTest:
		s.Prompt, s.Out = os.Stdin, os.Stdout
	}

	if interf != nil {
		if err := openWithRetry(ctx, interf, 10); err != nil {
			log.Fatalf("[main] %v", err)
		}
	}
	runner := scheme.NewRunner(&scheme.Env{Circuit: circuit, Interferometer: interf, Calibrator: cal}, rec)
	rows, err := runner.Run(ctx, s)
	if err != nil {
		log.Printf("[main] %s aborted after %d rows: %v", s.Name(), len(rows), err)
		return
	}
	log.Printf("[main] %s finished with %d rows", s.Name(), len(rows))
}

// opener is satisfied by both device controllers.
type opener interface {
	Name() string
	Open() error
}

// openWithRetry attempts to open with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s and gives up after
// maxAttempts.
func openWithRetry(ctx context.Context, o opener, maxAttempts int) error {
	wait := 1 * time.Second
	maxWait := 60 * time.Second

	for attempt := 1; ; attempt++ {
		err := o.Open()
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", o.Name(), attempt)
			return nil
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", o.Name(), attempt, err)
		}
		log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
			o.Name(), attempt, maxAttempts, err, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}
}

func printPorts() error {
	ports, err := device.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}

func printCalibration(cal *delay.Calibrator) error {
	cals, err := cal.Calibrations()
	if err != nil {
		return err
	}
	fmt.Printf("%-4s %12s %12s %12s %12s\n", "line", "slope", "intercept", "min [ns]", "max [ns]")
	for _, l := range delay.Lines() {
		lo, _ := cal.MinimumDelay(l)
		hi, _ := cal.MaximumDelay(l)
		c := cals[l]
		fmt.Printf("%-4s %12.5f %12.4f %12.3f %12.3f\n", l, c.Slope, c.Intercept, lo, hi)
	}
	return nil
}
