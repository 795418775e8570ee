package config

import (
	"fmt"
	"io/ioutil"

	"github.com/hashicorp/hcl"
)

// Load applies an HCL config file to the registered parameters. Parameters
// already set explicitly keep their explicit values.
func Load(filename string) error {
	b, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	return load(b)
}

func load(b []byte) error {
	var cfg map[string]interface{}

	err := hcl.Decode(&cfg, string(b))
	if err != nil {
		return err
	}
	for name, val := range cfg {
		param := lookup(name)
		if param == nil {
			return fmt.Errorf("config: %s is not a config parameter", name)
		}
		if param.By != ByDefault {
			continue
		}
		err := param.Val.Set(fmt.Sprintf("%v", val))
		if err != nil {
			return fmt.Errorf("config: %s: %s", param.Name, err)
		}
		param.By = ByConfig
	}
	return nil
}
