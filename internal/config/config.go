// Package config reads apihook settings from the environment and an optional config file.
package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "APIHOOK"
	EnvFileKey = EnvPrefix + "_CONFIG"

	KeyExcludeSelf = "exclude_self"
	KeyFixupScope  = "fixup_scope"
	KeyLogLevel    = "log.level"
	KeyLogFormat   = "log.format"
)

type FixupScope string

const (
	// FixupImage patches only the image a hooked load returned.
	FixupImage FixupScope = "image"
	// FixupAll re-sweeps every loaded image, dependencies of the new image included.
	FixupAll FixupScope = "all"
)

type Config struct {
	ExcludeSelf bool
	FixupScope  FixupScope
	LogLevel    string
	LogFormat   string
}

func Default() Config {
	return Config{
		ExcludeSelf: true,
		FixupScope:  FixupImage,
		LogLevel:    "warn",
		LogFormat:   "console",
	}
}

func newViper() *viper.Viper {
	var v = viper.New()
	var def = Default()
	v.SetDefault(KeyExcludeSelf, def.ExcludeSelf)
	v.SetDefault(KeyFixupScope, string(def.FixupScope))
	v.SetDefault(KeyLogLevel, def.LogLevel)
	v.SetDefault(KeyLogFormat, def.LogFormat)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. A file named by APIHOOK_CONFIG is merged
// under the environment.
func Load() (Config, error) {
	var v = newViper()
	if path := os.Getenv(EnvFileKey); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Default(), errors.Wrapf(err, "read config %s", path)
		}
	}
	return parse(v)
}

func parse(v *viper.Viper) (Config, error) {
	var c = Config{
		ExcludeSelf: v.GetBool(KeyExcludeSelf),
		FixupScope:  FixupScope(strings.ToLower(v.GetString(KeyFixupScope))),
		LogLevel:    v.GetString(KeyLogLevel),
		LogFormat:   v.GetString(KeyLogFormat),
	}
	switch c.FixupScope {
	case FixupImage, FixupAll:
	default:
		return Default(), errors.Newf("unknown %s %q", KeyFixupScope, c.FixupScope)
	}
	return c, nil
}
