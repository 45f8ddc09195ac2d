// Copyright 2023 The go-slurp Authors
// This file is part of the go-slurp library.
//
// The go-slurp library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-slurp library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-slurp library. If not, see <http://www.gnu.org/licenses/>.

// Package topology parses the relay topology files published for Cardano
// nodes. Only the producer addresses and ports are consumed; everything else
// is carried permissively and ignored.
package topology

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Producer is one upstream relay entry. Files in the wild use both "addr" and
// "address" for the host.
type Producer struct {
	Addr      string          `json:"addr"`
	Address   string          `json:"address"`
	Port      uint32          `json:"port"`
	Valency   json.RawMessage `json:"valency"`
	Distance  json.RawMessage `json:"distance"`
	Continent json.RawMessage `json:"continent"`
	Country   json.RawMessage `json:"country"`
	Region    json.RawMessage `json:"region"`
}

// Host returns whichever address field the file populated.
func (p Producer) Host() string {
	if p.Address != "" {
		return p.Address
	}
	return p.Addr
}

// Endpoint returns the host:port dial string for this producer.
func (p Producer) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.Host(), p.Port)
}

// Topology is the file's top level object. Field name casing varies between
// publishers ("Producers" vs "producers", "resultcode" vs "resultCode");
// encoding/json's case-insensitive matching absorbs that.
type Topology struct {
	ResultCode         json.RawMessage `json:"resultcode"`
	NetworkMagic       json.RawMessage `json:"networkMagic"`
	IPType             json.RawMessage `json:"ipType"`
	RequestedIPVersion json.RawMessage `json:"requestedIpVersion"`
	Producers          []Producer      `json:"producers"`
}

// Load reads and parses a topology file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read topology file")
	}
	var t Topology
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "parse topology file")
	}
	return &t, nil
}
