// Package settings is the typed view over the store's key/value setting
// table.  Unset keys fall back to the defaults the process was configured
// with.  Set never runs side effects itself: it returns the tasks the
// caller must enqueue once the surrounding transaction has committed.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/store"
	"github.com/terrpan/atbroker/internal/tasks"
)

// Key names a runtime-tunable setting.
type Key string

const (
	MaxAmountOfRunners        Key = "max_amount_of_runners"
	AssignedGracePeriod       Key = "assigned_grace_period"
	MinimumAmountExtraRunners Key = "minimum_amount_extra_runners"
	RunnerMaxTimeAlive        Key = "runner_max_time_alive"
)

type valueType int

const (
	typeInt valueType = iota
	typeDuration
)

func (t valueType) String() string {
	if t == typeDuration {
		return "duration"
	}
	return "integer"
}

type definition struct {
	typ valueType

	// effects are enqueued after a successful Set commits.
	effects []tasks.Task
}

var definitions = map[Key]definition{
	MaxAmountOfRunners:        {typ: typeInt, effects: []tasks.Task{tasks.MaybeStartMore()}},
	AssignedGracePeriod:       {typ: typeDuration},
	MinimumAmountExtraRunners: {typ: typeInt, effects: []tasks.Task{tasks.MaybeStartMore()}},
	RunnerMaxTimeAlive:        {typ: typeDuration},
}

// Keys lists every known key in a stable order.
func Keys() []Key {
	return []Key{MaxAmountOfRunners, AssignedGracePeriod, MinimumAmountExtraRunners, RunnerMaxTimeAlive}
}

// ParseKey validates a key name.
func ParseKey(name string) (Key, error) {
	k := Key(name)
	if _, ok := definitions[k]; !ok {
		return "", fmt.Errorf("setting %q: %w", name, model.ErrNotFound)
	}
	return k, nil
}

// Defaults are used for keys that were never set.
type Defaults struct {
	MaxRunners          int
	AssignedGracePeriod time.Duration
	MinimumExtraRunners int
	RunnerMaxTimeAlive  time.Duration
}

// Values is a snapshot of every setting.
type Values struct {
	MaxRunners          int
	AssignedGracePeriod time.Duration
	MinimumExtraRunners int
	RunnerMaxTimeAlive  time.Duration
}

// Service reads and writes settings inside caller-owned transactions.
type Service struct {
	defaults Defaults
}

// New creates a Service.
func New(d Defaults) *Service {
	return &Service{defaults: d}
}

func (s *Service) defaultRaw(k Key) string {
	switch k {
	case MaxAmountOfRunners:
		return strconv.Itoa(s.defaults.MaxRunners)
	case AssignedGracePeriod:
		return s.defaults.AssignedGracePeriod.String()
	case MinimumAmountExtraRunners:
		return strconv.Itoa(s.defaults.MinimumExtraRunners)
	case RunnerMaxTimeAlive:
		return s.defaults.RunnerMaxTimeAlive.String()
	}
	return ""
}

// Get returns the stored value for k, or its default.
func (s *Service) Get(ctx context.Context, tx store.Tx, k Key) (string, error) {
	if _, ok := definitions[k]; !ok {
		return "", fmt.Errorf("setting %q: %w", k, model.ErrNotFound)
	}
	raw, ok, err := tx.GetSetting(ctx, string(k))
	if err != nil {
		return "", err
	}
	if !ok {
		return s.defaultRaw(k), nil
	}
	return raw, nil
}

// Int returns an integer setting.
func (s *Service) Int(ctx context.Context, tx store.Tx, k Key) (int, error) {
	raw, err := s.Get(ctx, tx, k)
	if err != nil {
		return 0, err
	}
	n, err := parse(typeInt, raw)
	if err != nil {
		return 0, fmt.Errorf("stored setting %s: %w", k, err)
	}
	return int(n), nil
}

// Duration returns a duration setting.
func (s *Service) Duration(ctx context.Context, tx store.Tx, k Key) (time.Duration, error) {
	raw, err := s.Get(ctx, tx, k)
	if err != nil {
		return 0, err
	}
	n, err := parse(typeDuration, raw)
	if err != nil {
		return 0, fmt.Errorf("stored setting %s: %w", k, err)
	}
	return time.Duration(n), nil
}

// Snapshot reads every setting.
func (s *Service) Snapshot(ctx context.Context, tx store.Tx) (Values, error) {
	var (
		v   Values
		err error
	)
	if v.MaxRunners, err = s.Int(ctx, tx, MaxAmountOfRunners); err != nil {
		return Values{}, err
	}
	if v.AssignedGracePeriod, err = s.Duration(ctx, tx, AssignedGracePeriod); err != nil {
		return Values{}, err
	}
	if v.MinimumExtraRunners, err = s.Int(ctx, tx, MinimumAmountExtraRunners); err != nil {
		return Values{}, err
	}
	if v.RunnerMaxTimeAlive, err = s.Duration(ctx, tx, RunnerMaxTimeAlive); err != nil {
		return Values{}, err
	}
	return v, nil
}

// Set validates raw against k's type, stores its normalised form and
// returns the tasks to run after commit.
func (s *Service) Set(ctx context.Context, tx store.Tx, k Key, raw string) (string, []tasks.Task, error) {
	def, ok := definitions[k]
	if !ok {
		return "", nil, fmt.Errorf("setting %q: %w", k, model.ErrNotFound)
	}
	n, err := parse(def.typ, raw)
	if err != nil {
		return "", nil, fmt.Errorf("setting %s: %w", k, err)
	}

	normalised := strconv.FormatInt(n, 10)
	if def.typ == typeDuration {
		normalised = time.Duration(n).String()
	}
	if err := tx.SetSetting(ctx, string(k), normalised); err != nil {
		return "", nil, err
	}
	return normalised, append([]tasks.Task(nil), def.effects...), nil
}

func parse(typ valueType, raw string) (int64, error) {
	var (
		n   int64
		err error
	)
	switch typ {
	case typeDuration:
		var d time.Duration
		d, err = time.ParseDuration(raw)
		n = int64(d)
	default:
		n, err = strconv.ParseInt(raw, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid %s: %w", raw, typ, model.ErrInvalidArgument)
	}
	if n < 0 {
		return 0, fmt.Errorf("%q must not be negative: %w", raw, model.ErrInvalidArgument)
	}
	return n, nil
}
