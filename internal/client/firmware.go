package client

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/BurntSushi/toml"
)

type firmwareConf struct {
	Firmware struct {
		Version int `toml:"version"`
	} `toml:"firmware"`
}

// ReadFirmwareVersion reads the installed firmware version from the small
// local state file. A missing file means no firmware has ever been
// installed, which is version 1.
func ReadFirmwareVersion(path string) (int, error) {
	var conf firmwareConf
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 1, nil
		}
		return 0, fmt.Errorf("client: read firmware conf %q: %w", path, err)
	}
	if conf.Firmware.Version <= 0 {
		return 1, nil
	}
	return conf.Firmware.Version, nil
}
