package main

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type config struct {
	Port           string `yaml:"port"`
	BackendURL     string `yaml:"backendURL"`
	RequestTimeout string `yaml:"requestTimeout"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port           string `yaml:"port"`
		BackendURL     string `yaml:"backendURL"`
		RequestTimeout string `yaml:"requestTimeout"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.BackendURL == "" {
		return fmt.Errorf("backendURL is required")
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = "8080"
	}
	c.BackendURL = rawConfig.BackendURL
	c.RequestTimeout = rawConfig.RequestTimeout

	return nil
}

func (c config) requestTimeout() (time.Duration, error) {
	if c.RequestTimeout == "" {
		return 30 * time.Second, nil
	}
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid requestTimeout: %w", err)
	}
	return d, nil
}
