package siope

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"siope-etl/internal/errors"
)

// Aggregate names of the concatenated yearly transaction files
const (
	IncomeAggregate  = "ENTRATE.csv"
	OutflowAggregate = "USCITE.csv"
)

// Aggregate concatenates the yearly ENTRATE_* and USCITE_* files of dir into
// IncomeAggregate and OutflowAggregate, both at once. Existing aggregates
// are replaced. It returns the number of files merged per aggregate.
func Aggregate(dir string) (map[string]int, error) {
	counts := make([]int, 2)

	var g errgroup.Group
	for i, agg := range []struct{ prefix, output string }{
		{"ENTRATE_", IncomeAggregate},
		{"USCITE_", OutflowAggregate},
	} {
		g.Go(func() error {
			n, err := concat(dir, agg.prefix+"*.csv", agg.output)
			counts[i] = n
			return err
		})
	}
	err := g.Wait()

	return map[string]int{IncomeAggregate: counts[0], OutflowAggregate: counts[1]}, err
}

func concat(dir, pattern, output string) (int, error) {
	inputs, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return 0, err
	}
	sort.Strings(inputs)

	outPath := filepath.Join(dir, output)
	out, err := os.Create(outPath)
	if err != nil {
		return 0, errors.Wrapf(errors.TypeInput, err, "creating %s", outPath)
	}

	for _, in := range inputs {
		if err := appendFile(out, in); err != nil {
			out.Close()
			return 0, errors.Wrapf(errors.TypeInput, err, "appending %s", in)
		}
	}
	return len(inputs), out.Close()
}

func appendFile(dst io.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}
