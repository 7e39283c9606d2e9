package compute

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"

	"dockingserver/internal/apperrors"
)

// Options tune a docking run. Zero-value Options are not the defaults; use
// DefaultOptions or ParseOptions.
type Options struct {
	NumStereocenters   int  `json:"num_stereocenters"`
	ForceFlipper       bool `json:"force_flipper"`
	UseFlipper         bool `json:"use_flipper"`
	UseTautomer        bool `json:"use_tautomer"`
	UseHybrid          bool `json:"use_hybrid"`
	HighResolution     bool `json:"high_resolution"`
	CacheReceptor      bool `json:"cache_receptor"`
	CacheReceptorClear bool `json:"cache_receptor_clear"`
	NumPoses           int  `json:"num_poses"`
	NanToNone          bool `json:"nan_to_none"`
}

// DefaultOptions returns the options used when a submission sets none.
func DefaultOptions() Options {
	return Options{
		NumStereocenters: 6,
		UseFlipper:       true,
		UseTautomer:      true,
		UseHybrid:        true,
		HighResolution:   true,
		CacheReceptor:    true,
		NumPoses:         1,
		NanToNone:        true,
	}
}

// ParseOptions overlays raw onto DefaultOptions. Unknown keys are logged and
// ignored. Values of the wrong type are validation errors.
func ParseOptions(raw map[string]any) (Options, error) {
	opts := DefaultOptions()

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := raw[key]
		var err error
		switch key {
		case "num_stereocenters":
			opts.NumStereocenters, err = intOption(key, v)
		case "num_poses":
			opts.NumPoses, err = intOption(key, v)
		case "force_flipper":
			opts.ForceFlipper, err = boolOption(key, v)
		case "use_flipper":
			opts.UseFlipper, err = boolOption(key, v)
		case "use_tautomer":
			opts.UseTautomer, err = boolOption(key, v)
		case "use_hybrid":
			opts.UseHybrid, err = boolOption(key, v)
		case "high_resolution":
			opts.HighResolution, err = boolOption(key, v)
		case "cache_receptor":
			opts.CacheReceptor, err = boolOption(key, v)
		case "cache_receptor_clear":
			opts.CacheReceptorClear, err = boolOption(key, v)
		case "nan_to_none":
			opts.NanToNone, err = boolOption(key, v)
		default:
			slog.Warn("Ignoring unknown docking option", "option", key)
		}
		if err != nil {
			return Options{}, err
		}
	}

	return opts, opts.Validate()
}

// Validate checks numeric ranges.
func (o Options) Validate() error {
	if o.NumPoses < 1 {
		return apperrors.Validation("options.num_poses", "num_poses must be at least 1")
	}
	if o.NumStereocenters < 0 {
		return apperrors.Validation("options.num_stereocenters", "num_stereocenters must not be negative")
	}
	return nil
}

// Env renders the options as environment variables for a scorer process.
func (o Options) Env() []string {
	return []string{
		"DOCK_NUM_STEREOCENTERS=" + strconv.Itoa(o.NumStereocenters),
		"DOCK_FORCE_FLIPPER=" + strconv.FormatBool(o.ForceFlipper),
		"DOCK_USE_FLIPPER=" + strconv.FormatBool(o.UseFlipper),
		"DOCK_USE_TAUTOMER=" + strconv.FormatBool(o.UseTautomer),
		"DOCK_USE_HYBRID=" + strconv.FormatBool(o.UseHybrid),
		"DOCK_HIGH_RESOLUTION=" + strconv.FormatBool(o.HighResolution),
		"DOCK_CACHE_RECEPTOR=" + strconv.FormatBool(o.CacheReceptor),
		"DOCK_CACHE_RECEPTOR_CLEAR=" + strconv.FormatBool(o.CacheReceptorClear),
		"DOCK_NUM_POSES=" + strconv.Itoa(o.NumPoses),
	}
}

func intOption(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<31 {
			return int(n), nil
		}
	}
	return 0, apperrors.Validation("options."+key, fmt.Sprintf("%s must be an integer, got %v", key, v))
}

func boolOption(key string, v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, apperrors.Validation("options."+key, fmt.Sprintf("%s must be a boolean, got %v", key, v))
}
