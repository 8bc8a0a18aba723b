// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tilecheck runs randomized CopyIntersection trials on a simulated cluster and compares each result with a
// dense reference copy. It can also print how a tile grid is distributed over a process grid.
//
// Example:
//
//	tilecheck -config="simulated:nodes=4,workers=2" -trials=200 -max_rank=3
//	tilecheck -show_distribution -grid=8,6 -process_grid=2,2
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/backends/simulated"
	"github.com/gomlx/gotile/pkg/core/distributed"
	"github.com/gomlx/gotile/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "simulated:nodes=4",
		"Backend configuration, see backends.NewWithConfig. It must be a simulated backend.")
	flagTrials  = flag.Int("trials", 100, "Number of randomized CopyIntersection trials.")
	flagMaxRank = flag.Int("max_rank", 3, "Maximum rank of the tensors in the trials.")
	flagMaxDim  = flag.Int("max_dim", 9, "Maximum dimension of each axis in the trials.")
	flagSeed    = flag.Uint64("seed", 0, "Random seed for the trials. If 0, a random one is used.")

	flagShowDistribution = flag.Bool("show_distribution", false,
		"Print the block-cyclic distribution of -grid over -process_grid, instead of running trials.")
	flagGrid        = flag.String("grid", "8,6", "Comma-separated tile grid shape used with -show_distribution.")
	flagProcessGrid = flag.String("process_grid", "2,2", "Comma-separated process grid shape used with -show_distribution.")
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Reverse(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	backend := must.M1(backends.NewWithConfig(*flagConfig))
	cluster, ok := simulated.ClusterOf(backend)
	if !ok {
		klog.Errorf("tilecheck requires a %q backend, got %q", simulated.BackendName, backend.Name())
		os.Exit(1)
	}
	defer cluster.Finalize()

	if *flagShowDistribution {
		showDistribution(cluster.NumNodes())
		return
	}

	seed := *flagSeed
	if seed == 0 {
		seed = rand.Uint64()
	}
	checker := &checker{
		cluster: cluster,
		rng:     rand.New(rand.NewPCG(seed, seed>>1+1)),
		tags:    make([]*tensors.TagAllocator, cluster.NumNodes()),
	}
	for rank := range checker.tags {
		checker.tags[rank] = tensors.NewTagAllocator(0)
	}

	term := termenv.NewOutput(os.Stdout)
	term.HideCursor()
	bar := progressbar.NewOptions(*flagTrials,
		progressbar.OptionSetDescription("CopyIntersection trials"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish())
	var failures []string
	for trial := range *flagTrials {
		if err := checker.trial(trial); err != nil {
			failures = append(failures, fmt.Sprintf("%+v", err))
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	term.ShowCursor()

	fmt.Println(summary(seed, *flagTrials, len(failures), cluster.Stats()))
	if len(failures) > 0 {
		for _, failure := range failures {
			fmt.Println(errorStyle.Render(failure))
		}
		os.Exit(1)
	}
}

func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func summary(seed uint64, numTrials, numFailures int, stats simulated.Stats) string {
	table := newTable().Headers("Metric", "Value")
	table.Row("Seed", strconv.FormatUint(seed, 10))
	table.Row("Trials", humanize.Comma(int64(numTrials)))
	table.Row("Failures", humanize.Comma(int64(numFailures)))
	table.Row("Transfers", humanize.Comma(stats.TransfersSent))
	table.Row("Bytes transferred", humanize.Bytes(uint64(stats.BytesSent)))
	table.Row("Whole tile copies", humanize.Comma(stats.WholeCopies))
	table.Row("Sub-block copies", humanize.Comma(stats.SubblockCopies))
	table.Row("Cache flushes", humanize.Comma(stats.Flushes))
	table.Row("Tasks executed", humanize.Comma(stats.TasksExecuted))
	return table.String()
}

func showDistribution(numNodes int) {
	grid := parseInts(*flagGrid)
	processSizes := parseInts(*flagProcessGrid)
	if len(processSizes) != len(grid) {
		klog.Errorf("-grid=%v and -process_grid=%v must have the same number of axes", grid, processSizes)
		os.Exit(1)
	}
	names := make([]string, len(processSizes))
	for axis := range names {
		names[axis] = fmt.Sprintf("axis%d", axis)
	}
	processGrid := must.M1(distributed.NewProcessGrid(processSizes, names))
	dist := must.M1(processGrid.BlockCyclic(grid, 0, numNodes))
	fmt.Printf("%s over %d nodes, tile grid %v:\n\n%s\n\n", processGrid, numNodes, grid, dist.Map(grid))

	table := newTable().Headers("Rank", "Tiles")
	for rank, count := range dist.Counts(numNodes) {
		table.Row(strconv.Itoa(rank), humanize.Comma(int64(count)))
	}
	fmt.Println(table.String())
}

func parseInts(list string) []int {
	var values []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		values = append(values, must.M1(strconv.Atoi(part)))
	}
	return values
}

// checker runs the randomized trials, SPMD over all the nodes of the cluster.
type checker struct {
	cluster *simulated.Cluster
	rng     *rand.Rand
	tags    []*tensors.TagAllocator
}

// operand is a tensor created on every node, indexed by rank.
type operand []*tensors.Tensor[float32]

func (c *checker) newOperand(traits tensors.Traits, dist distributed.Distribution) (operand, error) {
	x := make(operand, c.cluster.NumNodes())
	err := c.cluster.Run(func(backend backends.Backend) error {
		var err error
		x[backend.Rank()], err = tensors.New[float32](backend, traits, dist, c.tags[backend.Rank()])
		return err
	})
	if err != nil {
		x.release()
		return nil, err
	}
	return x, nil
}

func (x operand) release() {
	for _, tensor := range x {
		if tensor != nil {
			_ = tensor.Release()
		}
	}
}

// fill sets each element to sign*(linear index+1), on the owner of each tile, and flushes all cached copies.
func (c *checker) fill(x operand, sign float32) error {
	traits := x[0].Traits
	return c.cluster.Run(func(backend backends.Backend) error {
		tensor := x[backend.Rank()]
		err := tensor.FillOwned(func(global []int) float32 {
			return sign * float32(traits.IndexToLinear(global)+1)
		})
		if err != nil {
			return err
		}
		return tensor.Flush()
	})
}

// collect returns the dense column-major contents of x, read from the owner of each tile.
func (x operand) collect() ([]float32, error) {
	dense := make([]float32, x[0].NumElements)
	for _, tensor := range x {
		if err := tensor.ReadOwned(dense); err != nil {
			return nil, err
		}
	}
	return dense, nil
}

func (c *checker) randomTraits(rank int) tensors.Traits {
	shape, basetile := make([]int, rank), make([]int, rank)
	for axis := range rank {
		shape[axis] = 1 + c.rng.IntN(*flagMaxDim)
		basetile[axis] = 1 + c.rng.IntN(shape[axis])
	}
	return tensors.NewTraits(shape, basetile)
}

func (c *checker) randomDistribution(traits tensors.Traits) (distributed.Distribution, error) {
	numNodes := c.cluster.NumNodes()
	processGrid := make([]int, traits.Rank())
	for axis := range processGrid {
		processGrid[axis] = 1 + c.rng.IntN(numNodes)
	}
	return distributed.BlockCyclic(traits.Grid.Shape, processGrid, c.rng.IntN(numNodes), numNodes)
}

func (c *checker) randomOffset(rank, span int) []int {
	offset := make([]int, rank)
	for axis := range offset {
		offset[axis] = c.rng.IntN(2*span+1) - span
	}
	return offset
}

// trial runs one randomized CopyIntersection and compares the result with the dense reference.
func (c *checker) trial(trial int) error {
	rank := c.rng.IntN(*flagMaxRank + 1)
	srcTraits, dstTraits := c.randomTraits(rank), c.randomTraits(rank)
	srcOffset, dstOffset := c.randomOffset(rank, *flagMaxDim/2), c.randomOffset(rank, *flagMaxDim/2)
	name := fmt.Sprintf("trial #%d: src=%s@%v dst=%s@%v", trial, srcTraits, srcOffset, dstTraits, dstOffset)
	klog.V(1).Info(name)

	srcDist, err := c.randomDistribution(srcTraits)
	if err != nil {
		return errors.WithMessage(err, name)
	}
	dstDist, err := c.randomDistribution(dstTraits)
	if err != nil {
		return errors.WithMessage(err, name)
	}
	src, err := c.newOperand(srcTraits, srcDist)
	if err != nil {
		return errors.WithMessage(err, name)
	}
	defer src.release()
	dst, err := c.newOperand(dstTraits, dstDist)
	if err != nil {
		return errors.WithMessage(err, name)
	}
	defer dst.release()
	if err := c.fill(src, 1); err != nil {
		return errors.WithMessage(err, name)
	}
	if err := c.fill(dst, -1); err != nil {
		return errors.WithMessage(err, name)
	}

	srcDense, err := src.collect()
	if err != nil {
		return errors.WithMessage(err, name)
	}
	want, err := dst.collect()
	if err != nil {
		return errors.WithMessage(err, name)
	}
	tensors.DenseCopyIntersection(srcDense, srcTraits.Shape, srcOffset, want, dstTraits.Shape, dstOffset)

	err = c.cluster.Run(func(backend backends.Backend) error {
		r := backend.Rank()
		return tensors.CopyIntersection(src[r], srcOffset, dst[r], dstOffset)
	})
	if err != nil {
		return errors.WithMessage(err, name)
	}
	got, err := dst.collect()
	if err != nil {
		return errors.WithMessage(err, name)
	}
	if !slices.Equal(got, want) {
		return errors.Errorf("%s: mismatch\n\tgot:  %v\n\twant: %v", name, got, want)
	}
	return nil
}
