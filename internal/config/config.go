// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation, either version 3 of the License, or (at your option)
// any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License for
// more details.
//
// You should have received a copy of the GNU General Public License along
// with this program. If not, see <http://www.gnu.org/licenses/>.

// Package config implements reading of the overlay node's JSON
// configuration file. Loading configuration is, per the protocol spec, an
// external collaborator specified only at its interface — but that
// interface still needs a concrete decoder, so this package mirrors the
// load/validate/default shape of the teacher's internal/config, swapping
// its encoding/xml struct tags for encoding/json ones since the wire format
// here is mandated to be JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fileoverlay/overlayd/internal/overlayerr"
)

// FamousPeer is a bootstrap contact read from the famousNodes list.
type FamousPeer struct {
	HostName string `json:"hostName"`
	Port     uint16 `json:"port"`
	ID       string `json:"id,omitempty"`
}

// Configuration is the decoded form of config.json.
type Configuration struct {
	LogFilePath      string       `json:"logFilePath"`
	FileDirectory    string       `json:"fileDirectory"`
	MaxPeers         int          `json:"maxPeers"`
	MaxInitPeers     int          `json:"maxInitPeers"`
	MessagePort      uint16       `json:"messagePort"`
	FilePort         uint16       `json:"filePort"`
	UserPort         uint16       `json:"userPort"`
	QueryTimeToLive  int          `json:"queryTimeToLive"`
	CacheTimeToCheck int          `json:"cacheTimeToCheck"`
	CacheTimeToLive  int          `json:"cacheTimeToLive"`
	FamousNodes      []FamousPeer `json:"famousNodes"`
}

// defaults mirrors the `default:"..."` struct-tag convention the teacher's
// OptionsConfiguration uses, applied by hand since encoding/json has no
// built-in default mechanism.
func (c *Configuration) applyDefaults() {
	if c.MaxPeers == 0 {
		c.MaxPeers = 10
	}
	if c.MaxInitPeers == 0 {
		c.MaxInitPeers = 3
	}
	if c.QueryTimeToLive == 0 {
		c.QueryTimeToLive = 7
	}
	if c.CacheTimeToCheck == 0 {
		c.CacheTimeToCheck = 30
	}
	if c.CacheTimeToLive == 0 {
		c.CacheTimeToLive = 300
	}
	if c.LogFilePath == "" {
		c.LogFilePath = "overlayd.log"
	}
	if c.FileDirectory == "" {
		c.FileDirectory = "."
	}
}

func (c *Configuration) validate() error {
	if c.MessagePort == 0 || c.FilePort == 0 || c.UserPort == 0 {
		return fmt.Errorf("%w: messagePort, filePort and userPort must all be nonzero", overlayerr.ErrConfig)
	}
	if c.MaxPeers < 0 || c.MaxInitPeers < 0 {
		return fmt.Errorf("%w: maxPeers and maxInitPeers must not be negative", overlayerr.ErrConfig)
	}
	return nil
}

// Load reads and decodes the configuration at path, applying defaults for
// any zero-valued tunable and rejecting structurally invalid configs.
func Load(path string) (Configuration, error) {
	var cfg Configuration

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", overlayerr.ErrConfig, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %v", overlayerr.ErrConfig, path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
