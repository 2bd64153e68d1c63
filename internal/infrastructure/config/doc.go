// Package config provides configuration loading for discovery-core.
//
// Configuration is layered: hardcoded defaults, then a YAML file, then
// DISCOVERY_* environment variables. The loaded Config is validated before
// use so that every other package can treat its section as well-formed.
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Laser.Port, cfg.Server.Port)
//
// The laser section deserves a note: the GDD calibration curve table is
// deliberately injected here rather than hard-coded, because the mapping
// from curve to legal GDD range is instrument- and service-specific. The
// device layer only ever sees the table it is given.
package config
