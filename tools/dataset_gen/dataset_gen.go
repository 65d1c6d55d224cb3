package main

// dataset_gen.go generates deterministic cache-key datasets that model the
// access pattern a real COMPSs task graph produces against cachetrackerd: a
// small pool of broadcast parameters and reduction accumulators retrieved by
// many tasks (the hot slots) plus a long tail of per-task intermediate
// results produced and consumed once. Each line is a basename in the same
// shape pkg.KeyFromPath derives, with a Kind-appropriate suffix.
// bench/bench_test.go does not read this output; it generates its own keys.
//
// Usage:
//   go run ./tools/dataset_gen -n 1000000 -dist=zipf -seed=42 -out keys.txt
//
// Flags:
//   -n             number of keys to generate (default 1e6)
//   -dist          slot-selection distribution: "uniform" or "zipf" (default uniform)
//   -zipfs         Zipf s parameter (>1)  (default 1.2)
//   -zipfv         Zipf v parameter (>=1) (default 1.0)
//   -seed          RNG seed (default current time)
//   -out           output file (default stdout)
//   -functions     distinct task function names in the key template (default 20)
//   -params        distinct parameter names per function (default 8)
//   -hot-fraction  extra slots, as a fraction of -n, added to the slot space
//                  (default 0.02); slots are drawn only by -dist, and no
//                  slot subset is otherwise favoured as a hot set
//   -kind-mix      host:device:sequence weight ratio for generated keys
//                  (default "70:20:10")
//
// © 2025 compsssqaaas authors.

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"
)

// taskFunctionNames stand in for the @task-decorated functions a COMPSs
// application graph would actually call; cycling a fixed pool keeps keys
// readable without pulling in the runtime itself.
var taskFunctionNames = []string{
	"matmul", "reduce", "transpose", "partition", "merge_sort",
	"gradient_step", "normalize", "broadcast_init", "kmeans_assign", "filter_rows",
}

type kindWeights struct {
	host, device, sequence int
}

func parseKindMix(s string) (kindWeights, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return kindWeights{}, fmt.Errorf("kind-mix must be host:device:sequence, got %q", s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return kindWeights{}, fmt.Errorf("kind-mix weight %q must be a non-negative integer", p)
		}
		vals[i] = v
	}
	if vals[0]+vals[1]+vals[2] == 0 {
		return kindWeights{}, fmt.Errorf("kind-mix weights cannot all be zero")
	}
	return kindWeights{host: vals[0], device: vals[1], sequence: vals[2]}, nil
}

func (w kindWeights) pick(r *rand.Rand) string {
	total := w.host + w.device + w.sequence
	v := r.Intn(total)
	switch {
	case v < w.host:
		return "host"
	case v < w.host+w.device:
		return "device"
	default:
		return "sequence"
	}
}

// functionName maps a [0, numFuncs) index onto one of the fixed pool names,
// appending a numeric suffix once numFuncs exceeds the pool size so distinct
// indices never collide on the same name.
func functionName(idx int) string {
	base := taskFunctionNames[idx%len(taskFunctionNames)]
	if idx < len(taskFunctionNames) {
		return base
	}
	return fmt.Sprintf("%s_%d", base, idx/len(taskFunctionNames))
}

// keyFor renders a basename in the shape pkg.KeyFromPath derives from a real
// COMPSs object path, varying the suffix by cache Kind the way PUT (host
// arrays and sequences, told apart by the descriptor Kind) and PUT_GPU
// distinguish entries on the wire.
func keyFor(fn string, param int, slot uint64, kind string) string {
	switch kind {
	case "device":
		return fmt.Sprintf("%s_p%d_v%d_gpu0.cupy", fn, param, slot)
	case "sequence":
		return fmt.Sprintf("%s_p%d_v%d_seq.pkl", fn, param, slot)
	default:
		return fmt.Sprintf("%s_p%d_v%d.pkl", fn, param, slot)
	}
}

func main() {
	var (
		n           = flag.Int("n", 1_000_000, "number of keys to generate")
		dist        = flag.String("dist", "uniform", "slot-selection distribution: uniform or zipf")
		zipfS       = flag.Float64("zipfs", 1.2, "zipf s parameter (>1)")
		zipfV       = flag.Float64("zipfv", 1.0, "zipf v parameter (>=1)")
		seedVal     = flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
		outPath     = flag.String("out", "", "output file (default stdout)")
		numFuncs    = flag.Int("functions", 20, "distinct task function names")
		numParams   = flag.Int("params", 8, "distinct parameter names per function")
		hotFraction = flag.Float64("hot-fraction", 0.02, "extra slots added to the slot space, as a fraction of -n")
		kindMix     = flag.String("kind-mix", "70:20:10", "host:device:sequence weight ratio")
	)
	flag.Parse()

	mix, err := parseKindMix(*kindMix)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *hotFraction <= 0 || *hotFraction > 1 {
		fmt.Fprintln(os.Stderr, "hot-fraction must be in (0, 1]")
		os.Exit(1)
	}
	if *numFuncs < 1 {
		*numFuncs = 1
	}
	if *numParams < 1 {
		*numParams = 1
	}

	rnd := rand.New(rand.NewSource(*seedVal))

	// The slot space is n plus n*hotFraction slots. Which slots recur is
	// decided only by the -dist generator (under zipf, the lowest-numbered
	// slots); no slot range is otherwise set aside as a hot pool.
	hotSlots := int(float64(*n) * *hotFraction)
	if hotSlots < 1 {
		hotSlots = 1
	}
	slotCount := uint64(hotSlots + *n)

	var gen func() uint64
	switch *dist {
	case "uniform":
		gen = rnd.Uint64
	case "zipf":
		if *zipfS <= 1.0 || *zipfV < 1 {
			fmt.Fprintln(os.Stderr, "zipfs must be >1 and zipfv >=1")
			os.Exit(1)
		}
		z := rand.NewZipf(rnd, *zipfS, *zipfV, slotCount-1)
		gen = z.Uint64
	default:
		fmt.Fprintln(os.Stderr, "unknown dist:", *dist)
		os.Exit(1)
	}

	if *outPath == "" {
		runGen(os.Stdout, *n, slotCount, *numFuncs, *numParams, gen, mix, rnd)
		return
	}
	out, err := os.Create(*outPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot create file:", err)
		os.Exit(1)
	}
	defer out.Close()
	runGen(out, *n, slotCount, *numFuncs, *numParams, gen, mix, rnd)
}

func runGen(out *os.File, n int, slotCount uint64, numFuncs, numParams int, gen func() uint64, mix kindWeights, rnd *rand.Rand) {
	w := bufio.NewWriterSize(out, 1<<20)
	defer w.Flush()

	for i := 0; i < n; i++ {
		slot := gen() % slotCount
		fn := functionName(int(slot) % numFuncs)
		param := int(slot/uint64(numFuncs)) % numParams
		fmt.Fprintln(w, keyFor(fn, param, slot, mix.pick(rnd)))
	}
}
