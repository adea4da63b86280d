// The unit daemon drives one ranging device: it serves responder duty
// outside its slot, initiates exchanges against rotating peers inside
// it, and ships accepted measurements to the hub over UDP.
//
// With -sim the daemon attaches every roster identity to an in-process
// virtual medium instead of a serial modem and runs them all at once,
// which exercises the full pipeline against a hub with no hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/radio"
	"github.com/banshee-data/proximity.report/internal/ranging"
	"github.com/banshee-data/proximity.report/internal/record"
	"github.com/banshee-data/proximity.report/internal/schedule"
	"github.com/banshee-data/proximity.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to unit config JSON (optional)")
	unitID      = flag.String("id", "", "Unit identity (overrides config)")
	serialPort  = flag.String("serial", "", "Serial modem device (overrides config)")
	hubAddr     = flag.String("hub", "", "Hub UDP address (overrides config)")
	simMode     = flag.Bool("sim", false, "Run the whole roster on a simulated medium")
	simDistance = flag.Float64("sim-distance", 3.0, "Pairwise distance in meters for -sim")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("proximity-unit %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg := &config.UnitConfig{}
	if *configPath != "" {
		var err error
		cfg, err = config.LoadUnitConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	self := cfg.GetUnitID()
	if *unitID != "" {
		self = *unitID
	}
	hub := cfg.GetHubAddr()
	if *hubAddr != "" {
		hub = *hubAddr
	}
	port := cfg.GetSerialPort()
	if *serialPort != "" {
		port = *serialPort
	}

	selfID, err := ranging.ParseUnitID(self)
	if err != nil {
		log.Fatalf("invalid unit identity: %v", err)
	}
	roster, err := parseRoster(cfg.GetRoster())
	if err != nil {
		log.Fatalf("invalid roster: %v", err)
	}

	sender, err := DialSender(hub)
	if err != nil {
		log.Fatalf("failed to reach hub at %s: %v", hub, err)
	}
	defer sender.Close()

	cal := ranging.Calibration{
		AntennaDelayTicks:    cfg.GetAntennaDelayTicks(),
		DistanceOffsetMeters: cfg.GetDistanceOffsetMeters(),
	}
	timeouts := ranging.Timeouts{
		Response: cfg.GetResponseTimeout(),
		Report:   cfg.GetReportTimeout(),
		Final:    cfg.GetFinalTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if *simMode {
		runSimulated(ctx, &wg, cfg, roster, cal, timeouts, sender)
	} else {
		r, err := radio.OpenSerialRadio(port, &radio.PortMode{BaudRate: cfg.GetBaudRate()})
		if err != nil {
			log.Fatalf("failed to open radio on %s: %v", port, err)
		}
		defer r.Close()

		eng := ranging.NewEngine(r, selfID, cal, timeouts)
		sched, err := schedule.New(roster, selfID, cfg.GetSlotDuration(), nil)
		if err != nil {
			log.Fatalf("failed to build schedule: %v", err)
		}

		sender.SendStatus(record.NewStatus(selfID, "online", time.Now()))
		startUnit(ctx, &wg, selfID, eng, sched, sender, cfg)
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// runSimulated attaches every roster identity to one shared medium and
// runs a full unit loop for each. Clock offsets are deliberately large
// and distinct; the exchange math must cancel them.
func runSimulated(ctx context.Context, wg *sync.WaitGroup, cfg *config.UnitConfig,
	roster []ranging.UnitID, cal ranging.Calibration, timeouts ranging.Timeouts, sender *Sender) {

	medium := radio.NewMedium()
	setPairDistances(medium, roster, *simDistance, 0)

	// Drift the simulated distances on a slow sine so the dashboard has
	// something to show and the stale/proximity paths get exercised.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				phase := now.Sub(start).Seconds() / 30 * 2 * math.Pi
				setPairDistances(medium, roster, *simDistance, phase)
			}
		}
	}()
	for i, id := range roster {
		r := medium.Attach(id.String(), uint64(i)*7_919_000_003)
		eng := ranging.NewEngine(r, id, cal, timeouts)
		sched, err := schedule.New(roster, id, cfg.GetSlotDuration(), nil)
		if err != nil {
			log.Fatalf("failed to build schedule for %s: %v", id, err)
		}
		sender.SendStatus(record.NewStatus(id, "online (simulated)", time.Now()))
		startUnit(ctx, wg, id, eng, sched, sender, cfg)
	}
	log.Printf("simulating %d units at %.1f m pairwise", len(roster), *simDistance)
}

// startUnit launches the slot loop and heartbeat for one identity.
func startUnit(ctx context.Context, wg *sync.WaitGroup, self ranging.UnitID,
	eng *ranging.Engine, sched *schedule.Schedule, sender *Sender, cfg *config.UnitConfig) {

	timeouts := ranging.Timeouts{
		Response: cfg.GetResponseTimeout(),
		Report:   cfg.GetReportTimeout(),
		Final:    cfg.GetFinalTimeout(),
	}
	stats := &perfStats{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slotLoop(ctx, self, eng, sched, sender, stats, cfg.GetQualityThreshold(), minAttemptBudget(timeouts))
		log.Printf("[%s] slot loop terminated", self)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		heartbeatLoop(ctx, self, sender, cfg.GetHeartbeatInterval())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		statsLoop(ctx, self, stats, time.Minute)
		stats.Log(self)
	}()
}

// minAttemptBudget is the shortest slot remainder worth starting an
// exchange in. Anything less and the Response or Report wait would
// spill into the next unit's slot.
func minAttemptBudget(t ranging.Timeouts) time.Duration {
	return t.Response + t.Report + 10*time.Millisecond
}

// slotLoop alternates between responder duty and initiating. Outside
// this unit's slot it listens for Polls until the slot opens; inside
// it, it ranges against peers in rotation and ships every measurement
// that clears the quality threshold.
func slotLoop(ctx context.Context, self ranging.UnitID, eng *ranging.Engine,
	sched *schedule.Schedule, sender *Sender, stats *perfStats, threshold float64, budget time.Duration) {

	for ctx.Err() == nil {
		now := time.Now()
		if !sched.IsMySlot(now) {
			window := sched.UntilOwnSlot(now)
			err := eng.Respond(ctx, window)
			switch {
			case err == nil:
				stats.responded.Add(1)
			case errors.Is(err, radio.ErrReceiveTimeout):
				// quiet window, the normal case
			case ctx.Err() != nil:
				return
			default:
				log.Printf("[%s] responder: %v", self, err)
			}
			continue
		}

		if rem := sched.SlotRemaining(now); rem < budget {
			time.Sleep(rem)
			continue
		}

		peer := sched.NextPeer()
		stats.attempts.Add(1)
		res, err := eng.Range(ctx, peer)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			stats.failures.Add(1)
			log.Printf("[%s] range %s: %v", self, peer, err)
		case res.Quality < threshold:
			stats.successes.Add(1)
			stats.belowGate.Add(1)
			log.Printf("[%s] range %s: %.2f m below quality threshold (%.2f)", self, peer, res.Distance, res.Quality)
		default:
			stats.successes.Add(1)
			if err := sender.SendDistance(record.FromResult(res)); err != nil {
				stats.sendErrors.Add(1)
				log.Printf("[%s] send failed: %v", self, err)
			} else {
				stats.sent.Add(1)
			}
		}
		// Breathe between attempts so one pair cannot saturate the slot.
		time.Sleep(20 * time.Millisecond)
	}
}

// heartbeatLoop ships a liveness beacon on the configured period.
func heartbeatLoop(ctx context.Context, self ranging.UnitID, sender *Sender, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := sender.SendHeartbeat(record.NewHeartbeat(self, 0, now)); err != nil {
				log.Printf("[%s] heartbeat failed: %v", self, err)
			}
		}
	}
}

// setPairDistances applies base plus a sine wobble to every pair. Each
// pair gets a slightly different phase so they do not move in lockstep.
func setPairDistances(medium *radio.Medium, roster []ranging.UnitID, base, phase float64) {
	n := 0
	for i, a := range roster {
		for _, b := range roster[i+1:] {
			wobble := base * 0.25 * math.Sin(phase+float64(n))
			medium.SetDistance(a.String(), b.String(), base+wobble)
			n++
		}
	}
}

// parseRoster splits a roster string like "ABCD" into identities.
func parseRoster(roster string) ([]ranging.UnitID, error) {
	ids := make([]ranging.UnitID, 0, len(roster))
	for _, c := range roster {
		id, err := ranging.ParseUnitID(string(c))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
