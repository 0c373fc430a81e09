package main

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// bootstrapFile is the optional on-disk list of well-known DHT
// rendezvous addresses a fresh node seeds its routing table from,
// parsed with the teacher's YAML library rather than anything
// bespoke.
type bootstrapFile struct {
	Nodes []string `yaml:"nodes"`
}

func loadBootstrapAddrs(path string) ([]*net.UDPAddr, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap file %s: %w", path, err)
	}
	var bf bootstrapFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("parsing bootstrap file %s: %w", path, err)
	}
	var addrs []*net.UDPAddr
	for _, n := range bf.Nodes {
		addr, err := net.ResolveUDPAddr("udp", n)
		if err != nil {
			return nil, fmt.Errorf("resolving bootstrap node %q: %w", n, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
