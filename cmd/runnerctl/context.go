package main

import (
	"strings"
	"sync"

	"runnerd/internal/config"
)

// commandContext resolves the daemon address lazily so commands that never
// touch the API (config init) work without a reachable daemon or config file.
type commandContext struct {
	addrFlag   *string
	configFlag *string

	once   sync.Once
	client *apiClient
	err    error
}

func newCommandContext(addrFlag, configFlag *string) *commandContext {
	return &commandContext{addrFlag: addrFlag, configFlag: configFlag}
}

func (c *commandContext) apiClient() (*apiClient, error) {
	c.once.Do(func() {
		addr := ""
		if c.addrFlag != nil {
			addr = strings.TrimSpace(*c.addrFlag)
		}
		if addr == "" {
			configPath := ""
			if c.configFlag != nil {
				configPath = *c.configFlag
			}
			cfg, _, _, err := config.Load(configPath)
			if err != nil {
				c.err = err
				return
			}
			addr = cfg.Paths.APIBind
		}
		c.client = newAPIClient(addr)
	})
	return c.client, c.err
}
