// Package patch runs named, version-ranged upgrade steps. Each component
// records its installed version in the database; a patch executes at most
// once per version transition, inside the transaction that advances the
// recorded version.
package patch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gorm.io/gorm"
)

// Locator is the generic service registry handed to patch actions, so a
// patch can reach collaborators without compile-time coupling.
type Locator struct {
	mu       sync.RWMutex
	services map[string]interface{}
}

// NewLocator returns an empty service locator.
func NewLocator() *Locator {
	return &Locator{services: make(map[string]interface{})}
}

// Provide registers a service under a name.
func (l *Locator) Provide(name string, service interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services[name] = service
}

// Get looks up a registered service.
func (l *Locator) Get(name string) (interface{}, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	service, ok := l.services[name]
	return service, ok
}

// Environment is what a patch action receives: a logger, the service
// locator, and the transaction the version bump rides on.
type Environment struct {
	Logger   *slog.Logger
	Services *Locator
	Tx       *gorm.DB
}

// Action is the idempotent body of one patch.
type Action func(ctx context.Context, env *Environment) error

// Patch upgrades one component from any version in [From, To) to To.
type Patch struct {
	Component   string
	From        string
	To          string
	Description string
	Action      Action
}

// ComponentVersion is the persisted installed-version record.
type ComponentVersion struct {
	Component string `gorm:"primaryKey;size:200"`
	Version   string `gorm:"size:50"`
}

func (ComponentVersion) TableName() string { return "component_versions" }

// Runner executes patches.
type Runner struct {
	db       *gorm.DB
	logger   *slog.Logger
	services *Locator
}

// NewRunner wires a runner. A nil locator gets an empty one.
func NewRunner(db *gorm.DB, logger *slog.Logger, services *Locator) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if services == nil {
		services = NewLocator()
	}
	return &Runner{db: db, logger: logger, services: services}
}

// Install creates the version table.
func (r *Runner) Install(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&ComponentVersion{}); err != nil {
		return fmt.Errorf("patch: schema install failed: %w", err)
	}
	return nil
}

// Version reports a component's installed version, "0.0.0" when the
// component has never been patched.
func (r *Runner) Version(ctx context.Context, component string) (string, error) {
	var record ComponentVersion
	err := r.db.WithContext(ctx).First(&record, "component = ?", component).Error
	if err == gorm.ErrRecordNotFound {
		return "0.0.0", nil
	}
	if err != nil {
		return "", err
	}
	return record.Version, nil
}

// Run executes every applicable patch in ascending target-version order per
// component. A patch applies when the installed version falls inside its
// [From, To) range; the action and the version bump commit atomically, so a
// failed action leaves the version untouched and the patch eligible for a
// retry.
func (r *Runner) Run(ctx context.Context, patches []Patch) error {
	ordered := append([]Patch(nil), patches...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Component != ordered[j].Component {
			return ordered[i].Component < ordered[j].Component
		}
		return compareVersions(ordered[i].To, ordered[j].To) < 0
	})

	for _, p := range ordered {
		if p.Component == "" || p.Action == nil {
			return fmt.Errorf("patch: component and action are required")
		}
		if compareVersions(p.From, p.To) >= 0 {
			return fmt.Errorf("patch: %s has an empty version range %s..%s", p.Component, p.From, p.To)
		}
		installed, err := r.Version(ctx, p.Component)
		if err != nil {
			return err
		}
		if compareVersions(installed, p.To) >= 0 {
			r.logger.Debug("Skipping patch, already installed",
				"component", p.Component, "to", p.To, "installed", installed)
			continue
		}
		if compareVersions(installed, p.From) < 0 {
			return fmt.Errorf("patch: %s requires at least version %s, installed is %s",
				p.Component, p.From, installed)
		}

		r.logger.Info("Applying patch", "component", p.Component,
			"from", installed, "to", p.To, "description", p.Description)
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			env := &Environment{Logger: r.logger, Services: r.services, Tx: tx}
			if err := p.Action(ctx, env); err != nil {
				return err
			}
			record := ComponentVersion{Component: p.Component, Version: p.To}
			return tx.Save(&record).Error
		})
		if err != nil {
			return fmt.Errorf("patch: %s %s..%s failed: %w", p.Component, p.From, p.To, err)
		}
	}
	return nil
}

// compareVersions orders dotted numeric versions; missing segments count as
// zero, non-numeric segments compare as strings.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := segment(as, i), segment(bs, i)
		an, aErr := strconv.Atoi(av)
		bn, bErr := strconv.Atoi(bv)
		if aErr == nil && bErr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if cmp := strings.Compare(av, bv); cmp != 0 {
			return cmp
		}
	}
	return 0
}

func segment(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return "0"
}
