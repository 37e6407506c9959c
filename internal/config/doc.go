// Package config loads the fmla-gateway YAML configuration. Values of the
// form ${VAR} are expanded from the environment, duration fields accept Go
// duration strings, and anything left unset falls back to documented
// defaults. The rate-limit numbers are deployment defaults, not constants.
package config
