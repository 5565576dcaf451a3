package rover

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level deployment configuration for roverd: grid
// geometry shared by the costmap and pathfinder, particle-filter
// tuning, and logging. Loaded via viper so a deployment can override
// any field from a YAML file or environment variables (ROVER_ prefix),
// matching the pack's config-layer convention
// (niceyeti-tabular/tabular wires the same library for its own
// config).
type Config struct {
	Debug bool `mapstructure:"debug"`

	Grid struct {
		AreaWidth  int     `mapstructure:"area_width"`
		AreaLength int     `mapstructure:"area_length"`
		CellWidth  float64 `mapstructure:"cell_width"`
		XOffset    float64 `mapstructure:"x_offset"`
		YOffset    float64 `mapstructure:"y_offset"`
	} `mapstructure:"grid"`

	Costmap struct {
		HeightStep     float64       `mapstructure:"height_step"`
		WindowDuration time.Duration `mapstructure:"window_duration"`
	} `mapstructure:"costmap"`

	Localizer struct {
		ParticleCount       int           `mapstructure:"particle_count"`
		UndeprivationFactor float64       `mapstructure:"undeprivation_factor"`
		ResampleNoiseStdDev float64       `mapstructure:"resample_noise_stddev"`
		StdDevCount         int           `mapstructure:"std_dev_count"`
		RecalibrateTimeout  time.Duration `mapstructure:"recalibrate_timeout"`
		StartStdDev         float64       `mapstructure:"start_std_dev"`
		GravityY            float64       `mapstructure:"gravity_y"`
	} `mapstructure:"localizer"`

	Pathfinder struct {
		MaxHeightDiff    float64       `mapstructure:"max_height_diff"`
		MaxHighFraction  float64       `mapstructure:"max_high_fraction"`
		SafeSearchRadius int           `mapstructure:"safe_search_radius"`
		Resolution       float64       `mapstructure:"resolution"`
		ReplanInterval   time.Duration `mapstructure:"replan_interval"`
	} `mapstructure:"pathfinder"`
}

// LoadConfig reads configuration from configPath (if non-empty) plus
// ROVER_-prefixed environment variables, applying defaults for
// anything unset.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ROVER")
	v.AutomaticEnv()

	v.SetDefault("grid.area_width", 64)
	v.SetDefault("grid.area_length", 64)
	v.SetDefault("grid.cell_width", 0.25)
	v.SetDefault("costmap.height_step", 0.02)
	v.SetDefault("costmap.window_duration", 5*time.Second)
	v.SetDefault("localizer.particle_count", 500)
	v.SetDefault("localizer.undeprivation_factor", 0.1)
	v.SetDefault("localizer.resample_noise_stddev", 0.02)
	v.SetDefault("localizer.std_dev_count", 10)
	v.SetDefault("localizer.recalibrate_timeout", 250*time.Millisecond)
	v.SetDefault("localizer.start_std_dev", 0.1)
	v.SetDefault("localizer.gravity_y", -9.80665)
	v.SetDefault("pathfinder.max_height_diff", 0.15)
	v.SetDefault("pathfinder.max_high_fraction", 0.1)
	v.SetDefault("pathfinder.safe_search_radius", 10)
	v.SetDefault("pathfinder.resolution", 0.25)
	v.SetDefault("pathfinder.replan_interval", time.Second)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("rover: reading config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("rover: parsing config: %w", err)
	}
	return &cfg, nil
}
