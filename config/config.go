// Copyright (c) 2024 The MINDS Project and its Contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// a type with service configuration parameters
type serviceConfig struct {
	// descriptive name for the service instance
	Name string `json:"name" yaml:"name"`
	// port on which the service listens
	Port int `json:"port" yaml:"port"`
	// maximum number of allowed incoming connections
	MaxConnections int `json:"maxConnections" yaml:"maxConnections"`
}

// configuration for the manifest aggregator
type aggregatorConfig struct {
	// maximum number of concurrent registry metadata fetches
	MaxWorkers int `json:"maxWorkers" yaml:"maxWorkers"`
}

// configuration for the file download/organize pipeline
type downloaderConfig struct {
	// maximum number of concurrent downloads (lower than the aggregator
	// default, since bulk downloads are more rate-limit sensitive)
	MaxWorkers int `json:"maxWorkers" yaml:"maxWorkers"`
	// modality/data-type buckets to process exclusively (empty: all)
	Include []string `json:"include" yaml:"include"`
	// modality/data-type buckets to skip (wins over include on conflict)
	Exclude []string `json:"exclude" yaml:"exclude"`
}

// global config variables
var Service serviceConfig
var Aggregator aggregatorConfig
var Downloader downloaderConfig
var Database databaseConfig
var Registries map[string]registryConfig

// This struct performs the unmarshalling from the YAML config file and then
// copies its fields to the globals above.
type configFile struct {
	Service    serviceConfig             `yaml:"service"`
	Aggregator aggregatorConfig          `yaml:"aggregator"`
	Downloader downloaderConfig          `yaml:"downloader"`
	Database   databaseConfig            `yaml:"database"`
	Registries map[string]registryConfig `yaml:"registries"`
}

// This helper reads configuration data, returning an error indicating success
// or failure. All environment variables of the form ${ENV_VAR} are expanded.
func readConfig(bytes []byte) error {
	// before we do anything else, expand any provided environment variables
	bytes = []byte(os.ExpandEnv(string(bytes)))

	var conf configFile
	conf.Service.Port = 8080
	conf.Service.MaxConnections = 100
	conf.Aggregator.MaxWorkers = 8
	conf.Downloader.MaxWorkers = 4
	err := yaml.Unmarshal(bytes, &conf)
	if err != nil {
		return fmt.Errorf("Couldn't parse configuration data: %s", err.Error())
	}

	// copy the config data into place
	Service = conf.Service
	Aggregator = conf.Aggregator
	Downloader = conf.Downloader
	Database = conf.Database
	Registries = conf.Registries

	return nil
}

// This helper validates the given service parameters, returning an
// error indicating success or failure.
func validateServiceParameters(params serviceConfig) error {
	if params.Port < 0 || params.Port > 65535 {
		return fmt.Errorf("Invalid port: %d (must be 0-65535)", params.Port)
	}
	if params.MaxConnections <= 0 {
		return fmt.Errorf("Invalid maxConnections: %d (must be positive)",
			params.MaxConnections)
	}
	return nil
}

// This helper validates the configuration, returning an error that indicates
// success or failure.
func validateConfig() error {
	err := validateServiceParameters(Service)
	if err != nil {
		return err
	}

	if Aggregator.MaxWorkers <= 0 {
		return fmt.Errorf("Invalid aggregator maxWorkers: %d (must be positive)",
			Aggregator.MaxWorkers)
	}
	if Downloader.MaxWorkers <= 0 {
		return fmt.Errorf("Invalid downloader maxWorkers: %d (must be positive)",
			Downloader.MaxWorkers)
	}

	// were we given any registries?
	if len(Registries) == 0 {
		return fmt.Errorf("No registries were provided!")
	}
	for name, registry := range Registries {
		if registry.URL == "" {
			return fmt.Errorf("Registry %s has no URL!", name)
		}
	}
	return nil
}

// Initializes the MINDS configuration using the given YAML byte data.
func Init(yamlData []byte) error {
	err := readConfig(yamlData)
	if err != nil {
		return err
	}
	return validateConfig()
}
