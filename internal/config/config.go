package config

import (
	"log/slog"
	"time"

	"github.com/spf13/viper"
	"github.com/visi0nary/audiohal/internal/hal"
)

func setViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("backend", "loopback")
	viper.SetDefault("mixer", "stub")
	viper.SetDefault("yieldbackoffms", 10)
	viper.SetDefault("minwritesleepms", 2)
	viper.SetDefault("resamplequality", 10)
}

// LoadConfig reads configFilePath on top of the defaults. A missing file is
// not an error; anything else is fatal.
func LoadConfig(configFilePath string) {
	setViperDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Info("no config file found", "configFilePath", configFilePath)
		} else {
			slog.Error("error during config read", "err", err)
			panic(err)
		}
	}
}

// Tunables builds the device tunables from the loaded configuration.
func Tunables() hal.Tunables {
	return hal.Tunables{
		YieldBackoff:    time.Duration(viper.GetInt("yieldbackoffms")) * time.Millisecond,
		MinWriteSleep:   time.Duration(viper.GetInt("minwritesleepms")) * time.Millisecond,
		ResampleQuality: viper.GetInt("resamplequality"),
	}
}
