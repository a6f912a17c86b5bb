package policy

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/camuig/crypto-rebalancer/internal/logger"
)

const envPrefix = "REBALANCER"

// Snapshot is a read-only view of the current policy.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Hash     string
	Policy   Policy
}

type ChangeListener func(Snapshot)

// Store loads the policy file and keeps it current while the file changes.
type Store struct {
	path   string
	v      *viper.Viper
	logger *logger.Logger

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// Load reads and validates a policy file once.
func Load(path string) (Policy, error) {
	v, err := newViper(path)
	if err != nil {
		return Policy{}, err
	}
	return decode(v)
}

func NewStore(path string, log *logger.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("policy store requires a path")
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, v: v, logger: log}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts reloading the policy on file changes. A broken file keeps the
// previous policy in place.
func (s *Store) Watch() {
	s.v.OnConfigChange(func(evt fsnotify.Event) {
		if err := s.reload(); err != nil {
			s.logger.Error("policy reload failed", "file", evt.Name, "error", err)
			return
		}
		snap := s.Snapshot()
		s.logger.Info("policy reloaded", "version", snap.Version, "config_hash", snap.Hash)
		s.notify(snap)
	})
	s.v.WatchConfig()
}

// Reload re-reads the file immediately.
func (s *Store) Reload() error {
	if err := s.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read policy: %w", err)
	}
	if err := s.reload(); err != nil {
		return err
	}
	s.notify(s.Snapshot())
	return nil
}

// Current returns a deep copy of the active policy.
func (s *Store) Current() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Policy.Clone()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snapshot
	snap.Policy = snap.Policy.Clone()
	return snap
}

func (s *Store) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) reload() error {
	p, err := decode(s.v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.snapshot = Snapshot{
		Version:  s.snapshot.Version + 1,
		LoadedAt: time.Now().UTC(),
		Hash:     p.Hash(),
		Policy:   p,
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) notify(snap Snapshot) {
	s.mu.RLock()
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("policy listener panic", "panic", r)
				}
			}()
			fn(Snapshot{Version: snap.Version, LoadedAt: snap.LoadedAt, Hash: snap.Hash, Policy: snap.Policy.Clone()})
		}()
	}
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("bands_pct", d.BandsPct)
	v.SetDefault("band_dynamic.enabled", false)
	v.SetDefault("band_dynamic.min", d.BandDynamic.Min)
	v.SetDefault("band_dynamic.max", d.BandDynamic.Max)
	v.SetDefault("band_dynamic.lookback_days", d.BandDynamic.LookbackDays)
	v.SetDefault("band_dynamic.target_ann_vol", d.BandDynamic.TargetAnnVol)
	v.SetDefault("momentum.enabled", false)
	v.SetDefault("momentum.lookback_days", d.Momentum.LookbackDays)
	v.SetDefault("momentum.tilt_max_pct", d.Momentum.TiltMaxPct)
	v.SetDefault("momentum.tilt_strength", d.Momentum.TiltStrength)
	v.SetDefault("satellite_gate.enabled", false)
	v.SetDefault("satellite_gate.lookback_days", d.SatelliteGate.LookbackDays)
	v.SetDefault("satellite_gate.threshold_ret", 0.0)
	v.SetDefault("cash.floor_usd", 0.0)
	v.SetDefault("cash.auto_deploy_usd_per_day", 0.0)
	v.SetDefault("cash.pro_rata_underweights", true)
	v.SetDefault("min_trade_usd", d.MinTradeUSD)
	v.SetDefault("move_fraction", d.MoveFraction)
	v.SetDefault("max_trade_count", d.MaxTradeCount)
	v.SetDefault("ensure_cash", true)
}

func decode(v *viper.Viper) (Policy, error) {
	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if !v.IsSet("band_dynamic.base") {
		p.BandDynamic.Base = p.BandsPct
	}
	p.Normalize()
	if err := ValidatePolicy(p); err != nil {
		return Policy{}, err
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("validate policy: %w", err)
	}
	return p, nil
}
