package main

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/nicktill/sensorvault/pkg/logging"
	"github.com/nicktill/sensorvault/pkg/sdk"
)

// sender is satisfied by *sdk.Client.
type sender interface {
	Send(ctx context.Context, r sdk.Reading) error
}

// generator produces a daily temperature and humidity cycle with noise.
type generator struct {
	rng *rand.Rand
}

func newGenerator(seed int64) *generator {
	return &generator{rng: rand.New(rand.NewSource(seed))}
}

func (g *generator) at(t time.Time) sdk.Reading {
	// Warmest mid-afternoon, most humid before dawn.
	phase := 2 * math.Pi * (float64(t.Hour()*3600+t.Minute()*60+t.Second()) - 15*3600) / 86400
	temp := 21 + 4*math.Cos(phase) + g.rng.NormFloat64()*0.3
	hum := 45 - 10*math.Cos(phase) + g.rng.NormFloat64()*1.5
	return sdk.Reading{
		Temperature: math.Round(temp*100) / 100,
		Humidity:    math.Round(math.Max(0, math.Min(100, hum))*100) / 100,
		Timestamp:   t.Unix(),
	}
}

type sendStats struct {
	sent   int
	failed int
}

func (s *sendStats) attrs() []any {
	return []any{"sent", s.sent, "failed", s.failed}
}

func send(ctx context.Context, client sender, stats *sendStats, r sdk.Reading) {
	log := logging.Component("simulator")
	if err := client.Send(ctx, r); err != nil {
		stats.failed++
		log.Warn("failed to send reading", "timestamp", r.Timestamp, "error", err)
		return
	}
	stats.sent++
	log.Debug("reading sent", "timestamp", r.Timestamp, "temperature", r.Temperature, "humidity", r.Humidity)
}

// sendBackfill sends one reading per step in [from, to) as fast as the
// server accepts them.
func sendBackfill(ctx context.Context, client sender, gen *generator, stats *sendStats, from, to time.Time, step time.Duration) error {
	logging.Component("simulator").Info("backfilling", "from", from.Format(time.RFC3339), "to", to.Format(time.RFC3339), "step", step)
	for t := from; t.Before(to); t = t.Add(step) {
		if err := ctx.Err(); err != nil {
			return nil
		}
		send(ctx, client, stats, gen.at(t))
	}
	return nil
}

// sendLive sends a reading every interval until ctx ends or count readings
// went out. count <= 0 means no limit.
func sendLive(ctx context.Context, client sender, gen *generator, stats *sendStats, interval time.Duration, count int) error {
	logging.Component("simulator").Info("sending readings", "interval", interval, "count", count)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; count <= 0 || n < count; n++ {
		send(ctx, client, stats, gen.at(time.Now()))
		if count > 0 && n+1 == count {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
