package refresh

import (
	"context"
	"strconv"

	"mailpool/internal/store"
)

// Settings keys in the settings table.
const (
	SettingMaxWorkers   = "refresh_max_workers"
	SettingBatchSize    = "refresh_batch_size"
	SettingDelaySeconds = "refresh_delay_seconds"
)

type Mode string

const (
	// ModeFull caps concurrency so a whole-pool run finishes reliably.
	ModeFull Mode = "full"
	// ModeAdaptive scales concurrency up with the candidate count.
	ModeAdaptive Mode = "adaptive"
)

// Settings are the operator-tunable knobs before resolution.
type Settings struct {
	MaxWorkers   int `json:"max_workers"`
	BatchSize    int `json:"batch_size"`
	DelaySeconds int `json:"delay_seconds"`
}

// Config is what a run actually uses.
type Config struct {
	MaxWorkers   int `json:"max_workers"`
	BatchSize    int `json:"batch_size"`
	DelaySeconds int `json:"delay_seconds"`
}

// LoadSettings reads the stored settings, falling back to defaults per key.
func LoadSettings(ctx context.Context, st *store.Store, defaults Settings) (Settings, error) {
	var s Settings
	var err error
	if s.MaxWorkers, err = st.GetIntSetting(ctx, SettingMaxWorkers, defaults.MaxWorkers); err != nil {
		return Settings{}, err
	}
	if s.BatchSize, err = st.GetIntSetting(ctx, SettingBatchSize, defaults.BatchSize); err != nil {
		return Settings{}, err
	}
	if s.DelaySeconds, err = st.GetIntSetting(ctx, SettingDelaySeconds, defaults.DelaySeconds); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// SaveSettings clamps s into bounds and stores it.
func SaveSettings(ctx context.Context, st *store.Store, s Settings) (Settings, error) {
	s = Settings{
		MaxWorkers:   clamp(s.MaxWorkers, 1, 20),
		BatchSize:    clamp(s.BatchSize, 1, 100),
		DelaySeconds: clamp(s.DelaySeconds, 0, 60),
	}
	for key, v := range map[string]int{
		SettingMaxWorkers:   s.MaxWorkers,
		SettingBatchSize:    s.BatchSize,
		SettingDelaySeconds: s.DelaySeconds,
	} {
		if err := st.SetSetting(ctx, key, strconv.Itoa(v)); err != nil {
			return Settings{}, err
		}
	}
	return s, nil
}

// ResolveConfig clamps s into safe bounds and adapts it to total candidates.
// Workers and batch never exceed a positive total, and batch is never
// smaller than workers.
func ResolveConfig(s Settings, total int, mode Mode) Config {
	delay := clamp(s.DelaySeconds, 0, 60)
	workers := clamp(s.MaxWorkers, 1, 20)
	batch := clamp(s.BatchSize, 1, 100)

	switch mode {
	case ModeFull:
		workers = min(workers, 6)
		batch = min(batch, 30)
		delay = max(delay, 2)
	default:
		switch {
		case total >= 2000:
			workers, batch, delay = max(workers, 14), max(batch, 100), min(delay, 1)
		case total >= 1000:
			workers, batch, delay = max(workers, 12), max(batch, 80), min(delay, 2)
		case total >= 500:
			workers, batch, delay = max(workers, 10), max(batch, 60), min(delay, 3)
		}
	}

	if total > 0 {
		workers = min(workers, total)
		batch = min(batch, total)
		batch = max(batch, workers)
	}
	return Config{MaxWorkers: workers, BatchSize: batch, DelaySeconds: delay}
}

func clamp(v, lo, hi int) int { return max(lo, min(v, hi)) }
