package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ascrivener/tracejit/pkg/backend"
	"github.com/ascrivener/tracejit/pkg/config"
	"github.com/ascrivener/tracejit/pkg/location"
	"github.com/ascrivener/tracejit/pkg/optimizer"
	"github.com/ascrivener/tracejit/pkg/trace"
)

func main() {
	configPath := flag.String("config", "", "Path to a TOML configuration file (default: $"+config.EnvVar+")")
	alloc := flag.String("alloc", "spill", "Location strategy: spill or regs")
	noOpt := flag.Bool("no-opt", false, "Skip the bounds optimizer")
	dump := flag.Bool("dump", false, "Log the bytes of the assembled loop")
	inputs := flag.String("inputs", "", "Comma-separated input values; run the loop when set")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] trace-file\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	level, lerr := cfg.Level()
	if lerr != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *dump {
		cfg.DumpCode = true
	}

	src, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read trace")
	}
	t, err := trace.Parse(string(src), trace.Namespace{"self": &trace.TargetToken{Name: "main"}})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse trace")
	}

	if !*noOpt {
		opt := optimizer.New(optimizer.WithLogger(&log))
		if t, err = opt.Optimize(t); err != nil {
			log.Fatal().Err(err).Msg("Failed to optimize trace")
		}
		s := opt.Stats()
		log.Info().
			Int("emitted", s.Emitted).
			Int("folded", s.Folded).
			Int("elided", s.Elided).
			Int("reduced", s.Reduced).
			Msg("optimized trace")
		log.Debug().Msg("optimized trace:\n" + t.String())
	}

	var a location.Assignment
	switch *alloc {
	case "spill":
		a = location.SpillAll(t)
	case "regs":
		a = location.FirstFit(t, backend.AllocatableGPRs(), backend.AllocatableXMMs())
	default:
		log.Fatal().Str("alloc", *alloc).Msg("Unknown location strategy")
	}

	b, err := backend.New(cfg, backend.WithLogger(&log))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create backend")
	}
	defer b.Free()

	tok, err := b.AssembleLoop(t, a)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble trace")
	}
	if err := b.Seal(); err != nil {
		log.Fatal().Err(err).Msg("Failed to seal code")
	}
	s := b.Stats()
	log.Info().
		Int("code_bytes", s.Code.Used).
		Int("stub_bytes", s.Stubs.Used).
		Int("guards", s.Guards).
		Msg("assembled")

	if *inputs == "" {
		return
	}
	values, err := parseInputs(*inputs, tok.InputKinds)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid inputs")
	}
	g, err := b.Execute(tok, values)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to execute")
	}

	fmt.Printf("left through guard %d (%s)\n", g.Index, g.Opcode)
	boxes := b.FailBoxes()
	for i, v := range g.FailArgs {
		if v == nil {
			fmt.Printf("  %d: _\n", i)
			continue
		}
		switch v.Kind() {
		case trace.Float:
			fmt.Printf("  %d: %s = %v\n", i, v, boxes.Float(i))
		case trace.Ref:
			fmt.Printf("  %d: %s = %#x\n", i, v, boxes.Ref(i))
		default:
			fmt.Printf("  %d: %s = %d\n", i, v, boxes.Int(i))
		}
	}
}

// parseInputs reads one value per input: integers for int inputs,
// addresses for refs and decimals for floats.
func parseInputs(s string, kinds []trace.Kind) ([]uint64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != len(kinds) {
		return nil, fmt.Errorf("trace takes %d inputs, got %d", len(kinds), len(parts))
	}
	out := make([]uint64, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		switch kinds[i] {
		case trace.Float:
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			out[i] = math.Float64bits(f)
		case trace.Ref:
			n, err := strconv.ParseUint(p, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			out[i] = n
		default:
			n, err := strconv.ParseInt(p, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			out[i] = uint64(n)
		}
	}
	return out, nil
}
