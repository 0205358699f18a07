package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"laptimer-go/bus"
	"laptimer-go/i2cbus"
	"laptimer-go/metrics"
	"laptimer-go/node"
	"laptimer-go/services/timing"
	"laptimer-go/types"
)

func main() {
	var (
		devPath   = flag.String("i2c-dev", "/dev/i2c-1", "i2c-dev character device")
		listen    = flag.String("listen", ":9100", "metrics listen address (empty disables)")
		thermal   = flag.String("thermal", "", "thermal zone path override")
		envPeriod = flag.Duration("env-period", time.Minute, "environmental sampling period")
		verbose   = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	dev, err := i2cbus.OpenDev(*devPath)
	if err != nil {
		log.WithError(err).Fatal("opening i2c device")
	}
	defer dev.Close()

	b := i2cbus.New(dev, log)
	tel := bus.New(8)

	itf := timing.New(timing.Options{
		Bus:             b,
		Log:             log,
		Telemetry:       tel,
		Sink:            &logSink{log: log},
		ThermalZonePath: *thermal,
	})
	log.Infof("discovered %d node(s)", len(itf.Nodes()))

	if *listen != "" {
		prometheus.MustRegister(metrics.NewCollector(itf, b))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*listen, mux); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		t := time.NewTicker(*envPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				itf.UpdateEnvironmentalData()
			}
		}
	}()

	itf.Run(ctx)
}

// logSink bridges the interface's ordered callbacks onto the structured log.
type logSink struct {
	log logrus.FieldLogger
}

func (s *logSink) PassRecord(n *node.Node, lapTimeMs int64, source types.LapSource) {
	s.log.WithFields(logrus.Fields{
		"node":        n.Index,
		"lap_time_ms": lapTimeMs,
		"source":      source.String(),
	}).Info("lap pass")
}

func (s *logSink) HardwareLog(message string) {
	s.log.Info(message)
}

func (s *logSink) NewEnterOrExitAt(n *node.Node, isEnter bool) {
	s.log.WithFields(logrus.Fields{
		"node":     n.Index,
		"is_enter": isEnter,
		"enter_at": n.EnterAtLevel,
		"exit_at":  n.ExitAtLevel,
	}).Info("capture threshold set")
}

func (s *logSink) NodeCrossing(n *node.Node) {
	s.log.WithFields(logrus.Fields{
		"node":     n.Index,
		"crossing": n.CrossingFlag,
	}).Info("crossing changed")
}
