// Package battery generates a deterministic sweep of experiment
// parameters and drives each one through internal/probe, applying the
// retry policy of §4.8.
package battery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/vi/netmeasure2/internal/experiment"
	"github.com/vi/netmeasure2/internal/probe"
)

// batterySeed is a fixed PRNG seed (the bytes 1..8 packed big-endian
// into a single int64): reproducibility
// across runs matters here, not randomness quality (§4.8).
const batterySeed = 0x0102030405060708

// size is the number of experiments a battery generates (§4.8).
const size = 50

// bucket caps, identical across both profiles (§4.8).
const (
	lightCap = 15
	mid1Cap  = 15
	mid2Cap  = 15
	heavyCap = 10
)

// Profile selects which of the two generation parameter sets to draw
// from (§4.8: "normal" and "big").
type Profile int

const (
	ProfileNormal Profile = iota
	ProfileBig
)

// Generate produces a deterministic "normal"-profile battery.
func Generate() []experiment.Info {
	return generate(ProfileNormal)
}

// GenerateBig produces a deterministic "big"-profile battery, shuffled
// at the end per §4.8.
func GenerateBig() []experiment.Info {
	return generate(ProfileBig)
}

func generate(profile Profile) []experiment.Info {
	r := rand.New(rand.NewSource(batterySeed))
	var v []experiment.Info
	var light, mid1, mid2, heavy int

	for len(v) < size {
		info := draw(r, profile)
		kbps := info.Kbps()
		duration := info.Duration()

		switch profile {
		case ProfileNormal:
			if r.Float64() < 0.8 && kbps > 1000 {
				continue
			}
			if kbps > 10_000 {
				continue
			}
		case ProfileBig:
			if kbps > 80_000 {
				continue
			}
		}
		if r.Float64() < 0.8 && duration > 10*time.Second {
			continue
		}
		if duration > 30*time.Second {
			continue
		}

		band := bandOf(profile, kbps)
		switch band {
		case bandLight:
			if light >= lightCap {
				continue
			}
			light++
		case bandMid1:
			if mid1 >= mid1Cap {
				continue
			}
			mid1++
		case bandMid2:
			if mid2 >= mid2Cap {
				continue
			}
			mid2++
		case bandHeavy:
			if heavy >= heavyCap {
				continue
			}
			heavy++
		}

		v = append(v, info)
	}

	if profile == ProfileBig {
		r.Shuffle(len(v), func(i, j int) { v[i], v[j] = v[j], v[i] })
	}
	return v
}

type band int

const (
	bandLight band = iota
	bandMid1
	bandMid2
	bandHeavy
)

func bandOf(profile Profile, kbps uint32) band {
	switch profile {
	case ProfileBig:
		switch {
		case kbps < 200:
			return bandLight
		case kbps < 1400:
			return bandMid1
		case kbps < 8000:
			return bandMid2
		default:
			return bandHeavy
		}
	default:
		switch {
		case kbps < 20:
			return bandLight
		case kbps < 400:
			return bandMid1
		case kbps < 1500:
			return bandMid2
		default:
			return bandHeavy
		}
	}
}

func draw(r *rand.Rand, profile Profile) experiment.Info {
	var packetSize uint32
	var packetDelayUs uint64
	var minTotal uint32

	switch profile {
	case ProfileBig:
		if r.Float64() < 0.5 {
			packetSize = uint32(256 + r.Intn(1537-256))
		} else {
			packetSize = uint32(80 + r.Intn(256-80))
		}
		if r.Float64() < 0.5 {
			packetDelayUs = uint64(40 + r.Intn(300-40))
		} else {
			packetDelayUs = uint64(300 + r.Intn(30_000-300))
		}
		minTotal = 1000
	default:
		if r.Float64() < 0.5 {
			packetSize = uint32(100 + r.Intn(1537-100))
		} else {
			packetSize = uint32(32 + r.Intn(100-32))
		}
		if r.Float64() < 0.4 {
			packetDelayUs = uint64(300 + r.Intn(2000-300))
		} else {
			packetDelayUs = uint64(2000 + r.Intn(200_000-2000))
		}
		minTotal = 200
	}

	direction := drawDirection(r)
	rtpMimic := r.Intn(2) == 1

	totalPackets := uint32(5_000_000 / packetDelayUs)
	if totalPackets < 1000 && r.Float64() < 0.7 {
		totalPackets = 1000
	}
	if totalPackets < minTotal {
		totalPackets = minTotal
	}

	return experiment.Info{
		PacketSize:     packetSize,
		PacketDelayUs:  packetDelayUs,
		TotalPackets:   totalPackets,
		Direction:      direction,
		RTPMimic:       rtpMimic,
		PendingStartUs: 2_000_000,
	}
}

func drawDirection(r *rand.Rand) experiment.Direction {
	switch r.Intn(3) {
	case 0:
		return experiment.Bidirectional
	case 1:
		return experiment.ToServerOnly
	default:
		return experiment.FromServerOnly
	}
}

// Config configures one battery Run.
type Config struct {
	ServerAddr      string
	MaxRetries      int
	WaitBeforeRetry time.Duration
	RawDumpDir      string
	Logger          *slog.Logger
}

// Run drives every experiment in the battery through internal/probe
// in order, applying §4.8's retry policy, and returns the collected
// documents. It stops and returns an error as soon as the policy says
// to abort.
func Run(ctx context.Context, cfg Config, infos []experiment.Info) ([]experiment.ResultsForStoring, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	results := make([]experiment.ResultsForStoring, 0, len(infos))
	for i, info := range infos {
		retries := 0
		for {
			doc, err := runOne(ctx, cfg, info, i)
			if err == nil {
				results = append(results, doc)
				logger.Info("battery experiment completed",
					slog.Int("index", i), slog.Int("total", len(infos)))
				break
			}

			logger.Warn("battery experiment failed", slog.Int("index", i), slog.Any("err", err))
			if i == 0 {
				return results, fmt.Errorf("battery: first experiment failed: %w", err)
			}
			if i < 3 && strings.Contains(err.Error(), "busy") {
				return results, fmt.Errorf("battery: server is probably busy: %w", err)
			}
			retries++
			if retries > cfg.MaxRetries {
				return results, fmt.Errorf("battery: too many failures in a row: %w", err)
			}
			select {
			case <-time.After(cfg.WaitBeforeRetry):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}
	}
	return results, nil
}

func runOne(ctx context.Context, cfg Config, info experiment.Info, index int) (experiment.ResultsForStoring, error) {
	var rawDumpPath string
	if cfg.RawDumpDir != "" {
		rawDumpPath = filepath.Join(cfg.RawDumpDir, fmt.Sprintf("experiment-%03d.raw", index))
	}

	p, err := probe.New(probe.Config{
		ServerAddr:  cfg.ServerAddr,
		RawDumpPath: rawDumpPath,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return experiment.ResultsForStoring{}, err
	}
	defer p.Close()
	return p.Run(ctx, info)
}
