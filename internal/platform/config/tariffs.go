package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// DefaultTariffs are the monthly required contributions per household
// category, in minor units of XOF.
var DefaultTariffs = map[string]int64{
	"standard":         5000,
	"expectant_mother": 7500,
	"child":            3000,
	"senior":           4000,
}

type tariffsFile struct {
	Tariffs map[string]int64 `toml:"tariffs"`
}

// LoadTariffs returns DefaultTariffs overlaid with the [tariffs] table of a
// TOML file. An empty path returns the defaults.
//
//	[tariffs]
//	standard = 5500
//	senior = 4500
func LoadTariffs(path string) (map[string]int64, error) {
	out := make(map[string]int64, len(DefaultTariffs))
	for k, v := range DefaultTariffs {
		out[k] = v
	}
	if path == "" {
		return out, nil
	}

	var f tariffsFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decode tariffs file: %w", err)
	}
	for category, amount := range f.Tariffs {
		if amount <= 0 {
			return nil, fmt.Errorf("tariff for %q must be positive", category)
		}
		out[category] = amount
	}
	return out, nil
}
