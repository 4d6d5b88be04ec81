package config

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"subcheck/internal/shared/types"
)

// LoadIni loads the behavior configuration file on top of the defaults
// already present in cfg.
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvInt(&cfg.GeneralConf.Concurrency, "SUBCHECK_CONCURRENCY")
	overrideFromEnvStr(&cfg.GeneralConf.EnginePath, "SUBCHECK_ENGINE")
	return nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvStr(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
