package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/gopyo3/pyo3"
)

// Scenario kinds.
const (
	kindOffLockDrop = "offlock-drop"
	kindCloneDrop   = "clone-drop"
	kindPoolChurn   = "pool-churn"
	kindLazyInit    = "lazy-init"
)

// Scenario is one workload from the scenario file.
type Scenario struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// Objects is the number of objects created per iteration.
	Objects int `yaml:"objects"`
	// Workers is the number of goroutines used by the scenario.
	Workers    int `yaml:"workers"`
	Iterations int `yaml:"iterations"`
}

type scenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

var defaultScenarios = []Scenario{
	{Name: "off-lock drops", Kind: kindOffLockDrop, Objects: 10000, Workers: 8, Iterations: 1},
	{Name: "clone and drop", Kind: kindCloneDrop, Objects: 1000, Workers: 4, Iterations: 1},
	{Name: "temporary pools", Kind: kindPoolChurn, Objects: 1000, Workers: 1, Iterations: 10},
	{Name: "first type use", Kind: kindLazyInit, Objects: 0, Workers: 16, Iterations: 1},
}

func loadScenarios(path string) ([]Scenario, error) {
	if path == "" {
		return defaultScenarios, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	var f scenarioFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scenario file: %w", err)
	}
	if len(f.Scenarios) == 0 {
		return nil, errors.New("scenario file lists no scenarios")
	}
	for i := range f.Scenarios {
		if err := f.Scenarios[i].normalize(); err != nil {
			return nil, err
		}
	}
	return f.Scenarios, nil
}

func (s *Scenario) normalize() error {
	switch s.Kind {
	case kindOffLockDrop, kindCloneDrop, kindPoolChurn, kindLazyInit:
	default:
		return fmt.Errorf("scenario %q: unknown kind %q", s.Name, s.Kind)
	}
	if s.Name == "" {
		s.Name = s.Kind
	}
	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.Iterations <= 0 {
		s.Iterations = 1
	}
	if s.Objects < 0 {
		return fmt.Errorf("scenario %q: negative object count", s.Name)
	}
	return nil
}

// steps is the number of progress units the scenario reports.
func (s Scenario) steps() int64 {
	return int64(s.Iterations)
}

// run executes one iteration of the scenario.
func (s Scenario) run(ctx context.Context) error {
	switch s.Kind {
	case kindOffLockDrop:
		return runOffLockDrop(ctx, s.Objects, s.Workers)
	case kindCloneDrop:
		return runCloneDrop(ctx, s.Objects, s.Workers)
	case kindPoolChurn:
		return runPoolChurn(s.Objects)
	case kindLazyInit:
		return runLazyInit(ctx, s.Workers)
	}
	return fmt.Errorf("unknown kind %q", s.Kind)
}

func newObjects(py pyo3.Python, n int) ([]pyo3.Py[pyo3.Any], error) {
	objs := make([]pyo3.Py[pyo3.Any], 0, n)
	for i := range n {
		o, err := pyo3.IntoPy(py, fmt.Sprintf("object-%d", i))
		if err != nil {
			for _, o := range objs {
				o.ReleaseWith(py)
			}
			return nil, err
		}
		objs = append(objs, o)
	}
	return objs, nil
}

// runOffLockDrop creates objects with the lock held and releases them from
// goroutines that never take it. The decrements are applied by the next
// acquisition.
func runOffLockDrop(ctx context.Context, n, workers int) error {
	objs, err := pyo3.WithGILValue(func(py pyo3.Python) ([]pyo3.Py[pyo3.Any], error) {
		return newObjects(py, n)
	})
	if err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	for w := range workers {
		g.Go(func() error {
			for i := w; i < len(objs); i += workers {
				objs[i].Release()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return pyo3.WithGIL(func(py pyo3.Python) error {
		if p := pyo3.PendingDecrefs(); p != 0 {
			return fmt.Errorf("%d decrements still pending after acquisition", p)
		}
		return nil
	})
}

// runCloneDrop has each worker clone a shared object, hand the clone to a
// goroutine that drops it without the lock, and release its own reference.
func runCloneDrop(ctx context.Context, n, workers int) error {
	shared, err := pyo3.WithGILValue(func(py pyo3.Python) (pyo3.Py[pyo3.Any], error) {
		return pyo3.IntoPy(py, "shared")
	})
	if err != nil {
		return err
	}
	var before int64
	pyo3.WithGIL(func(py pyo3.Python) error {
		before = shared.RefCount(py)
		return nil
	})

	g, _ := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			var drops sync.WaitGroup
			for range n {
				var c pyo3.Py[pyo3.Any]
				pyo3.WithGIL(func(py pyo3.Python) error {
					c = shared.CloneRef(py)
					return nil
				})
				drops.Add(1)
				go func() {
					defer drops.Done()
					c.Release()
				}()
			}
			drops.Wait()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return pyo3.WithGIL(func(py pyo3.Python) error {
		defer shared.ReleaseWith(py)
		if got := shared.RefCount(py); got != before {
			return fmt.Errorf("reference count %d after clone and drop, want %d", got, before)
		}
		return nil
	})
}

// runPoolChurn creates temporaries inside a nested pool so that they are
// released when the pool exits.
func runPoolChurn(n int) error {
	return pyo3.WithGIL(func(py pyo3.Python) error {
		for i := range n {
			err := py.Pool(func(py pyo3.Python) error {
				v, err := pyo3.IntoPy(py, int64(i))
				if err != nil {
					return err
				}
				b := v.IntoBound(py)
				if got, err := pyo3.Extract[int64](b.AsBorrowed()); err != nil || got != int64(i) {
					return fmt.Errorf("round trip of %d gave %d, %v", i, got, err)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// widget is the payload of the class created by the lazy-init scenario.
type widget struct{}

var (
	widgetOnce  sync.Once
	widgetClass *pyo3.Class[widget]
	widgetErr   error
)

// runLazyInit races workers on the first use of a class whose attribute
// initializer instantiates the class itself.
func runLazyInit(ctx context.Context, workers int) error {
	widgetOnce.Do(func() {
		widgetClass, widgetErr = pyo3.RegisterClass(pyo3.ClassSpec[widget]{
			Name:      "Widget",
			Module:    "refstress",
			Immutable: true,
			Attrs: []pyo3.ClassAttr{{
				Name: "DEFAULT",
				Value: func(py pyo3.Python) (pyo3.Py[pyo3.Any], error) {
					b, err := widgetClass.NewInstance(py, widget{})
					if err != nil {
						return pyo3.Py[pyo3.Any]{}, err
					}
					return b.Unbind().AsAny(), nil
				},
			}},
		})
	})
	if widgetErr != nil {
		return widgetErr
	}

	types := make([]pyo3.Py[pyo3.Type], workers)
	g, _ := errgroup.WithContext(ctx)
	for w := range workers {
		g.Go(func() error {
			return pyo3.WithGIL(func(py pyo3.Python) error {
				tp, err := widgetClass.TypeObject(py)
				if err != nil {
					return err
				}
				types[w] = tp.Unbind()
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return pyo3.WithGIL(func(py pyo3.Python) error {
		first := types[0].Ptr()
		for _, tp := range types {
			same := tp.Ptr() == first
			tp.ReleaseWith(py)
			if !same {
				return errors.New("workers observed different type objects")
			}
		}
		if st := widgetClass.Lazy().State(); st != pyo3.FullyInitialized {
			return fmt.Errorf("type object state %v after first use", st)
		}
		return nil
	})
}
